package session

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfSalt = "noise-meshcore-v1"

// generateEphemeral produces a fresh X25519 keypair for one handshake or
// rekey round, grounded on the teacher's crypto.GenerateX25519.
func generateEphemeral() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func dh(ourPriv, theirPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(ourPriv[:], theirPub[:])
	if err != nil {
		return nil, fmt.Errorf("session: X25519 exchange failed: %w", err)
	}
	return shared, nil
}

// deriveSessionKey implements spec §4.3's
// HKDF-SHA256(salt="noise-<engine>-v1", ikm=DH_output, info="", L=32).
func deriveSessionKey(dhOutput []byte) ([keySize]byte, error) {
	h := hkdf.New(sha256.New, dhOutput, []byte(hkdfSalt), nil)
	var key [keySize]byte
	if _, err := io.ReadFull(h, key[:]); err != nil {
		return key, fmt.Errorf("session: HKDF failed: %w", err)
	}
	return key, nil
}

// pendingHandshake tracks the initiator side between sending its ephemeral
// and receiving the responder's reply.
type pendingHandshake struct {
	ourEphPriv [32]byte
	ourEphPub  [32]byte
}

func newPendingHandshake() (*pendingHandshake, error) {
	priv, pub, err := generateEphemeral()
	if err != nil {
		return nil, err
	}
	return &pendingHandshake{ourEphPriv: priv, ourEphPub: pub}, nil
}

// completeAsInitiator derives the session key once the responder's
// ephemeral public key arrives.
func (p *pendingHandshake) completeAsInitiator(responderEphPub [32]byte) ([keySize]byte, error) {
	shared, err := dh(p.ourEphPriv, responderEphPub)
	if err != nil {
		return [keySize]byte{}, err
	}
	return deriveSessionKey(shared)
}

// respondToHandshake performs the responder side of spec §4.3 step 2 in one
// shot: generate our ephemeral, DH with the initiator's ephemeral, derive
// the key. Returns our ephemeral public (to send back) and the session key.
func respondToHandshake(initiatorEphPub [32]byte) (ourEphPub [32]byte, key [keySize]byte, err error) {
	ourPriv, ourPub, err := generateEphemeral()
	if err != nil {
		return ourEphPub, key, err
	}
	shared, err := dh(ourPriv, initiatorEphPub)
	if err != nil {
		return ourEphPub, key, err
	}
	key, err = deriveSessionKey(shared)
	return ourPub, key, err
}
