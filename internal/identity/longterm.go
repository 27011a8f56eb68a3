package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const longTermKeyName = "identity/long_term"

// LongTerm is the process's single long-term identity keypair (spec §3).
type LongTerm struct {
	Public      ed25519.PublicKey
	Private     ed25519.PrivateKey
	Fingerprint string // lowercase hex SHA-256 of Public
}

func fingerprintOf(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreateIdentity returns the long-term keypair, generating and
// persisting one via ks if none exists yet (spec §4.2 load_or_create_identity).
func LoadOrCreateIdentity(ks KeyStore) (*LongTerm, error) {
	raw, err := ks.Load(longTermKeyName)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: stored long-term key has bad size %d", len(raw))
		}
		priv := ed25519.PrivateKey(append([]byte(nil), raw...))
		pub := priv.Public().(ed25519.PublicKey)
		return &LongTerm{Public: pub, Private: priv, Fingerprint: fingerprintOf(pub)}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("identity: loading long-term key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating long-term key: %w", err)
	}
	if err := ks.Save(longTermKeyName, priv); err != nil {
		return nil, fmt.Errorf("identity: persisting long-term key: %w", err)
	}
	return &LongTerm{Public: pub, Private: priv, Fingerprint: fingerprintOf(pub)}, nil
}

// Sign signs data with the long-term signing key.
func (lt *LongTerm) Sign(data []byte) []byte {
	return ed25519.Sign(lt.Private, data)
}

// Verify checks a signature against an arbitrary long-term public key.
func Verify(pub ed25519.PublicKey, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}
