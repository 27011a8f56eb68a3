package session

import (
	"errors"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/wire"
)

var (
	ErrRateLimited  = errors.New("session: rate limit exceeded")
	ErrIncompatible = errors.New("session: peer protocol version incompatible")
)

// OurVersion is this build's protocol version; OurMinMinor is the floor a
// peer's minor version must meet to be considered compatible (spec §4.3.3).
var (
	OurVersion  = wire.Version{Major: 1, Minor: 0, Patch: 0}
	OurMinMinor = uint8(0)
)

// Manager owns every session this node holds with other peers (spec §4.3),
// enforcing the handshake/message rate limits and the version-negotiation
// gate before a session is allowed to reach Ready.
type Manager struct {
	mu       sync.Mutex
	sessions map[wire.PeerID]*Session
	rekeyReq map[wire.PeerID]*pendingHandshake // initiator-side rekey in flight

	limiters *limiterRegistry
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[wire.PeerID]*Session),
		rekeyReq: make(map[wire.PeerID]*pendingHandshake),
		limiters: newLimiterRegistry(),
	}
}

// StartHandshake begins a session as initiator toward peerID, subject to
// the per-peer handshake rate limit.
func (m *Manager) StartHandshake(peerID wire.PeerID, now time.Time) (*Session, [32]byte, error) {
	if !m.limiters.allowHandshake(peerID) {
		return nil, [32]byte{}, ErrRateLimited
	}
	s, ephPub, err := NewInitiator(peerID, now)
	if err != nil {
		return nil, [32]byte{}, err
	}
	m.mu.Lock()
	m.sessions[peerID] = s
	m.mu.Unlock()
	return s, ephPub, nil
}

// HandleHandshake processes an incoming handshake frame. If no session for
// the sender exists, it creates one as responder; a handshake from a peer
// that already has a pending/ready session is treated as a fresh attempt
// only once the prior session has died.
func (m *Manager) HandleHandshake(peerID wire.PeerID, initiatorEphPub [32]byte, now time.Time) (*Session, [32]byte, error) {
	if !m.limiters.allowHandshake(peerID) {
		return nil, [32]byte{}, ErrRateLimited
	}

	m.mu.Lock()
	if existing, ok := m.sessions[peerID]; ok && !existing.IsDead() {
		m.mu.Unlock()
		return nil, [32]byte{}, errors.New("session: handshake already in progress or established")
	}
	m.mu.Unlock()

	s, ourEphPub, err := NewResponder(peerID, initiatorEphPub, now)
	if err != nil {
		return nil, [32]byte{}, err
	}
	m.mu.Lock()
	m.sessions[peerID] = s
	m.mu.Unlock()
	return s, ourEphPub, nil
}

// CompleteHandshake finishes the initiator side of a handshake in flight.
func (m *Manager) CompleteHandshake(peerID wire.PeerID, responderEphPub [32]byte, now time.Time) error {
	s, ok := m.Get(peerID)
	if !ok {
		return errors.New("session: no pending handshake for peer")
	}
	return s.CompleteInitiator(responderEphPub, now)
}

// NegotiateVersion applies spec §4.3.3's compatibility rule and, if
// compatible, marks the session eligible to become Ready.
func (m *Manager) NegotiateVersion(peerID wire.PeerID, peerVersion wire.Version) error {
	if !peerVersion.CompatibleWith(OurVersion, OurMinMinor) {
		if s, ok := m.Get(peerID); ok {
			s.Kill()
		}
		return ErrIncompatible
	}
	s, ok := m.Get(peerID)
	if !ok {
		return errors.New("session: no session for peer")
	}
	s.MarkVersionOK()
	return nil
}

// Get returns the session for a peer, if one exists.
func (m *Manager) Get(peerID wire.PeerID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// EncryptFor encrypts a payload for a Ready session, enforcing the
// per-peer message rate limit (spec §4.3.2).
func (m *Manager) EncryptFor(peerID wire.PeerID, plaintext []byte) ([]byte, error) {
	s, ok := m.Get(peerID)
	if !ok {
		return nil, errors.New("session: no session for peer")
	}
	if !m.limiters.allowMessage(peerID) {
		return nil, ErrRateLimited
	}
	return s.Encrypt(plaintext)
}

// DecryptFrom decrypts a payload received from peerID, enforcing the
// message rate limit and tearing the session down after three auth
// failures within 60s (spec §4.3.4).
func (m *Manager) DecryptFrom(peerID wire.PeerID, wireBytes []byte) ([]byte, error) {
	s, ok := m.Get(peerID)
	if !ok {
		return nil, errors.New("session: no session for peer")
	}
	if !m.limiters.allowMessage(peerID) {
		return nil, ErrRateLimited
	}
	pt, err := s.Decrypt(wireBytes)
	if s.IsDead() {
		m.remove(peerID)
	}
	return pt, err
}

// BeginRekey starts a caller- or timer-triggered rekey as initiator,
// returning the ephemeral public to carry in rekey_request, or an error if
// the 5-minute minimum spacing has not elapsed (spec §4.3.1).
func (m *Manager) BeginRekey(peerID wire.PeerID, now time.Time) ([32]byte, error) {
	s, ok := m.Get(peerID)
	if !ok {
		return [32]byte{}, errors.New("session: no session for peer")
	}
	if !s.CanRekeyNow(now) {
		return [32]byte{}, errors.New("session: rekey spacing not yet elapsed")
	}
	p, ephPub, err := s.BeginRekeyAsInitiator()
	if err != nil {
		return [32]byte{}, err
	}
	m.mu.Lock()
	m.rekeyReq[peerID] = p
	m.mu.Unlock()
	return ephPub, nil
}

// DueForRekey returns every peer whose session has gone 60s since its last
// rekey and is clear of the 5-minute minimum spacing (spec §4.3.1), for the
// housekeeping loop to drive through BeginRekey.
func (m *Manager) DueForRekey(now time.Time) []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []wire.PeerID
	for peerID, s := range m.sessions {
		if s.DueForTimedRekey(now) {
			due = append(due, peerID)
		}
	}
	return due
}

// CompleteRekey finishes the initiator side once rekey_response arrives.
func (m *Manager) CompleteRekey(peerID wire.PeerID, responderEphPub [32]byte, now time.Time) error {
	s, ok := m.Get(peerID)
	if !ok {
		return errors.New("session: no session for peer")
	}
	m.mu.Lock()
	p, ok := m.rekeyReq[peerID]
	delete(m.rekeyReq, peerID)
	m.mu.Unlock()
	if !ok {
		return errors.New("session: no rekey in flight for peer")
	}
	key, err := p.completeAsInitiator(responderEphPub)
	if err != nil {
		return err
	}
	s.CompleteRekey(key, now)
	return nil
}

// HandleRekeyRequest services an incoming rekey_request as responder,
// subject to the same 5-minute spacing rule.
func (m *Manager) HandleRekeyRequest(peerID wire.PeerID, initiatorEphPub [32]byte, now time.Time) ([32]byte, error) {
	s, ok := m.Get(peerID)
	if !ok {
		return [32]byte{}, errors.New("session: no session for peer")
	}
	if !s.CanRekeyNow(now) {
		return [32]byte{}, errors.New("session: rekey spacing not yet elapsed")
	}
	return s.RespondToRekey(initiatorEphPub, now)
}

// SweepExpiredHandshakes destroys any pending session whose 30s handshake
// deadline has passed (spec §4.3.4), freeing the peer for a fresh attempt
// once the rate-limit window allows it.
func (m *Manager) SweepExpiredHandshakes(now time.Time) []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []wire.PeerID
	for peerID, s := range m.sessions {
		if s.HandshakeExpired(now) {
			delete(m.sessions, peerID)
			delete(m.rekeyReq, peerID)
			expired = append(expired, peerID)
		}
	}
	return expired
}

// SweepIdleSessions destroys any Ready session that has gone idle past the
// 5-minute bound of spec §3's Lifecycle, zeroizing its symmetric key before
// discarding it.
func (m *Manager) SweepIdleSessions(now time.Time) []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idle []wire.PeerID
	for peerID, s := range m.sessions {
		if s.IdleSince(now) {
			s.Destroy()
			delete(m.sessions, peerID)
			delete(m.rekeyReq, peerID)
			idle = append(idle, peerID)
		}
	}
	return idle
}

func (m *Manager) remove(peerID wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peerID)
	delete(m.rekeyReq, peerID)
}

// EmergencyWipe deletes every session and rate-limit counter this node
// holds (spec §4.3.4's emergency_wipe; identity and peer-mapping wiping is
// the caller's responsibility via internal/identity).
func (m *Manager) EmergencyWipe() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.Destroy()
	}
	m.sessions = make(map[wire.PeerID]*Session)
	m.rekeyReq = make(map[wire.PeerID]*pendingHandshake)
	m.mu.Unlock()
	m.limiters.reset()
}
