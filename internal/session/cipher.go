// Package session is C3: the Noise-style handshake, AEAD transport cipher,
// rekey schedule, rate limiting, version negotiation, and failure model of
// spec §4.3 — grounded on the teacher's internal/crypto (aead.go, session.go)
// and internal/crypto/handshake packages, generalized from the teacher's
// file-scoped handshake to a long-lived per-peer session.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 8 // big-endian send_counter, per spec §4.3
	tagSize   = 16

	previousKeyCapacity = 10
)

var (
	ErrAuthFailed     = errors.New("session: authentication failed")
	ErrReplayedOrOld  = errors.New("session: counter not greater than recv_counter")
	ErrCounterExhausted = errors.New("session: send counter exhausted, rekey required")
)

// seal encrypts plaintext under key with nonce = big-endian 8-byte counter
// as both the GCM nonce (zero-padded to 12 bytes) and the associated data,
// matching spec §4.3: "Associated data is exactly the 8-byte counter."
func seal(key [keySize]byte, counter uint64, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var counterBytes [nonceSize]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	nonce := make([]byte, gcm.NonceSize())
	copy(nonce[gcm.NonceSize()-nonceSize:], counterBytes[:])

	ct := gcm.Seal(nil, nonce, plaintext, counterBytes[:])

	out := make([]byte, nonceSize+len(ct))
	copy(out, counterBytes[:])
	copy(out[nonceSize:], ct)
	return out, nil
}

// open reverses seal: it expects wire format counter(8) || ciphertext||tag
// and returns the counter found plus the recovered plaintext.
func open(key [keySize]byte, wireBytes []byte) (counter uint64, plaintext []byte, err error) {
	if len(wireBytes) < nonceSize+tagSize {
		return 0, nil, fmt.Errorf("session: ciphertext too short (%d bytes)", len(wireBytes))
	}
	counterBytes := wireBytes[:nonceSize]
	ct := wireBytes[nonceSize:]
	counter = binary.BigEndian.Uint64(counterBytes)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return 0, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 0, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	copy(nonce[gcm.NonceSize()-nonceSize:], counterBytes)

	pt, err := gcm.Open(nil, nonce, ct, counterBytes)
	if err != nil {
		return counter, nil, ErrAuthFailed
	}
	return counter, pt, nil
}
