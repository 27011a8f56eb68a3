package session

import (
	"errors"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/wire"
)

var ErrSessionNotReady = errors.New("session: not ready")

type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

type State uint8

const (
	StatePending State = iota // handshake started, not yet Ready
	StateReady
	StateDead
)

const (
	handshakeTimeout  = 30 * time.Second
	rekeyInterval     = 60 * time.Second
	rekeyMinSpacing   = 5 * time.Minute
	authFailureWindow = 60 * time.Second
	authFailureLimit  = 3
	idleTimeout       = 5 * time.Minute
)

// Session is one peer-to-peer cryptographic session (spec §4.3): the
// current symmetric key, a bounded ring of previous keys for late-arriving
// messages under the prior epoch, and the counters/rotation bookkeeping
// rekey and version negotiation need.
type Session struct {
	mu sync.Mutex

	PeerID wire.PeerID
	Role   Role
	State  State

	pending *pendingHandshake // initiator-only, cleared once Ready

	symmetricKey  [keySize]byte
	previousKeys  [][keySize]byte // newest first, capacity previousKeyCapacity
	sendCounter   uint64
	recvCounter   uint64
	rekeyRotation uint32
	lastRekeyAt   time.Time

	versionOK  bool
	createdAt  time.Time
	handshakeDeadline time.Time
	lastActivityAt time.Time

	authFailures      int
	authFailureWindowStart time.Time
}

// NewInitiator starts a session as initiator, returning the session (state
// Pending) and the ephemeral public key to place in the outgoing handshake
// frame.
func NewInitiator(peerID wire.PeerID, now time.Time) (*Session, [32]byte, error) {
	p, err := newPendingHandshake()
	if err != nil {
		return nil, [32]byte{}, err
	}
	s := &Session{
		PeerID:            peerID,
		Role:              RoleInitiator,
		State:             StatePending,
		pending:           p,
		createdAt:         now,
		handshakeDeadline: now.Add(handshakeTimeout),
		lastActivityAt:    now,
	}
	return s, p.ourEphPub, nil
}

// CompleteInitiator finishes the initiator side on receipt of the
// responder's ephemeral public key (spec §4.3 step 3).
func (s *Session) CompleteInitiator(responderEphPub [32]byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Role != RoleInitiator || s.pending == nil {
		return errors.New("session: CompleteInitiator called on non-initiator or already-complete session")
	}
	key, err := s.pending.completeAsInitiator(responderEphPub)
	if err != nil {
		return err
	}
	s.symmetricKey = key
	s.pending = nil
	s.lastRekeyAt = now
	if s.versionOK {
		s.State = StateReady
	}
	return nil
}

// NewResponder handles the first handshake frame from an unknown peer
// (spec §4.3 step 2), deriving the session key in one shot and returning
// the ephemeral public key to send back.
func NewResponder(peerID wire.PeerID, initiatorEphPub [32]byte, now time.Time) (*Session, [32]byte, error) {
	ourEphPub, key, err := respondToHandshake(initiatorEphPub)
	if err != nil {
		return nil, [32]byte{}, err
	}
	s := &Session{
		PeerID:            peerID,
		Role:              RoleResponder,
		State:             StatePending,
		symmetricKey:      key,
		createdAt:         now,
		lastRekeyAt:       now,
		handshakeDeadline: now.Add(handshakeTimeout),
		lastActivityAt:    now,
	}
	return s, ourEphPub, nil
}

// MarkVersionOK records that version negotiation succeeded (spec §4.3.3)
// and promotes the session to Ready if the key exchange already finished.
func (s *Session) MarkVersionOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versionOK = true
	if s.pending == nil && s.symmetricKey != ([keySize]byte{}) {
		s.State = StateReady
	}
}

// HandshakeExpired reports whether the pending handshake has exceeded its
// 30s deadline (spec §4.3.4) without reaching Ready.
func (s *Session) HandshakeExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State != StateReady && now.After(s.handshakeDeadline)
}

// IdleSince reports whether a Ready session has gone more than 5 minutes
// without a successful Encrypt or Decrypt (spec §3 Lifecycle, §4.3.4).
func (s *Session) IdleSince(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateReady && now.Sub(s.lastActivityAt) > idleTimeout
}

// Encrypt seals plaintext under the current key and advances send_counter.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateReady {
		return nil, ErrSessionNotReady
	}
	if s.sendCounter == ^uint64(0) {
		return nil, ErrCounterExhausted
	}
	s.sendCounter++
	s.lastActivityAt = time.Now()
	return seal(s.symmetricKey, s.sendCounter, plaintext)
}

// Decrypt implements spec §4.3's decryption algorithm: reject
// counter <= recv_counter, try the current key, then previous keys
// newest-first without advancing recv_counter on a previous-key hit.
func (s *Session) Decrypt(wireBytes []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateReady {
		return nil, ErrSessionNotReady
	}

	ctr, pt, err := open(s.symmetricKey, wireBytes)
	if err == nil {
		if ctr <= s.recvCounter {
			return nil, ErrReplayedOrOld
		}
		s.recvCounter = ctr
		s.authFailures = 0
		s.lastActivityAt = time.Now()
		return pt, nil
	}

	for _, prev := range s.previousKeys {
		if _, pt2, err2 := open(prev, wireBytes); err2 == nil {
			s.authFailures = 0
			s.lastActivityAt = time.Now()
			return pt2, nil
		}
	}

	s.registerAuthFailure(time.Now())
	return nil, ErrAuthFailed
}

func (s *Session) registerAuthFailure(now time.Time) {
	if now.Sub(s.authFailureWindowStart) > authFailureWindow {
		s.authFailureWindowStart = now
		s.authFailures = 0
	}
	s.authFailures++
	if s.authFailures >= authFailureLimit {
		s.State = StateDead
	}
}

// DueForTimedRekey reports whether the 60s rekey timer has elapsed and the
// 5-minute minimum spacing between rekeys allows another one now.
func (s *Session) DueForTimedRekey(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateReady {
		return false
	}
	return now.Sub(s.lastRekeyAt) >= rekeyInterval && s.canRekeyLocked(now)
}

func (s *Session) canRekeyLocked(now time.Time) bool {
	return now.Sub(s.lastRekeyAt) >= rekeyMinSpacing || s.lastRekeyAt.IsZero()
}

// CanRekeyNow reports whether the 5-minute minimum spacing allows a caller-
// or peer-requested rekey right now (spec §4.3.1).
func (s *Session) CanRekeyNow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRekeyLocked(now)
}

// BeginRekeyAsInitiator generates a fresh ephemeral and returns it to place
// in the outgoing rekey_request; the symmetric key is not replaced until
// CompleteRekey is called with the peer's reply.
func (s *Session) BeginRekeyAsInitiator() (*pendingHandshake, [32]byte, error) {
	p, err := newPendingHandshake()
	if err != nil {
		return nil, [32]byte{}, err
	}
	return p, p.ourEphPub, nil
}

// CompleteRekey retires the current key into previous_keys, installs the
// newly derived key, and resets both counters (spec §4.3.1).
func (s *Session) CompleteRekey(newKey [keySize]byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireKeyLocked()
	s.symmetricKey = newKey
	s.sendCounter = 0
	s.recvCounter = 0
	s.rekeyRotation++
	s.lastRekeyAt = now
}

// RespondToRekey derives and installs the new key on the responder side
// of a rekey exchange, returning our fresh ephemeral public to reply with.
func (s *Session) RespondToRekey(initiatorEphPub [32]byte, now time.Time) ([32]byte, error) {
	ourEphPub, key, err := respondToHandshake(initiatorEphPub)
	if err != nil {
		return [32]byte{}, err
	}
	s.CompleteRekey(key, now)
	return ourEphPub, nil
}

func (s *Session) retireKeyLocked() {
	s.previousKeys = append([][keySize]byte{s.symmetricKey}, s.previousKeys...)
	if len(s.previousKeys) > previousKeyCapacity {
		s.previousKeys = s.previousKeys[:previousKeyCapacity]
	}
}

// RekeyRotation returns the number of completed rekeys.
func (s *Session) RekeyRotation() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rekeyRotation
}

// IsReady reports whether the session has completed handshake and version
// negotiation.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateReady
}

// IsDead reports whether the session has been torn down.
func (s *Session) IsDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateDead
}

// Kill tears the session down immediately (spec §4.3.4, decryption-failure
// teardown or an explicit request from the dispatcher).
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDead
}

// Destroy tears the session down and overwrites the symmetric key and
// every retired previous key in place (spec §4.3.4: idle and emergency-wipe
// teardown must not leave key material for the GC to copy around).
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.symmetricKey {
		s.symmetricKey[i] = 0
	}
	for idx := range s.previousKeys {
		for i := range s.previousKeys[idx] {
			s.previousKeys[idx][i] = 0
		}
	}
	s.previousKeys = nil
	s.State = StateDead
}
