package identity

import (
	"crypto/ed25519"
	"sync"

	"github.com/meshwire/meshcore/internal/wire"
)

// Manager is C2: the long-term identity plus the rotating peer-id layer
// and the process-wide {peer_id -> long_term_public} mapping (spec §4.2).
type Manager struct {
	mu sync.Mutex

	longTerm *LongTerm

	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	currentID     wire.PeerID
	history       []wire.PeerID // bounded FIFO, oldest first, capacity historyCapacity

	peerMap map[wire.PeerID]ed25519.PublicKey // peer_id -> long_term_public
}

// NewManager creates a manager already holding a fresh ephemeral key and
// the peer id it derives from the long-term identity.
func NewManager(lt *LongTerm) (*Manager, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		longTerm:      lt,
		ephemeralPriv: priv,
		ephemeralPub:  pub,
		peerMap:       make(map[wire.PeerID]ed25519.PublicKey),
	}
	m.currentID = derivePeerID(lt.Public, pub[:])
	m.peerMap[m.currentID] = lt.Public
	return m, nil
}

// CurrentPeerID returns the active 12-hex identifier.
func (m *Manager) CurrentPeerID() wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

func (m *Manager) Fingerprint() string { return m.longTerm.Fingerprint }

func (m *Manager) LongTermPublic() ed25519.PublicKey { return m.longTerm.Public }

// RotatePeerID generates a fresh ephemeral key, computes the new
// identifier, retires the old one into the bounded history, and returns
// the PeerIDRotated event for the caller to publish (spec §4.2, §3).
func (m *Manager) RotatePeerID() (PeerIDRotated, error) {
	priv, pub, err := generateX25519()
	if err != nil {
		return PeerIDRotated{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.currentID
	newID := derivePeerID(m.longTerm.Public, pub[:])

	m.ephemeralPriv = priv
	m.ephemeralPub = pub
	m.currentID = newID
	m.peerMap[newID] = m.longTerm.Public

	m.history = append(m.history, old)
	if len(m.history) > historyCapacity {
		m.history = m.history[len(m.history)-historyCapacity:]
	}

	return PeerIDRotated{Old: old, New: newID}, nil
}

// History returns a copy of the bounded rotation history, oldest first.
func (m *Manager) History() []wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeerID, len(m.history))
	copy(out, m.history)
	return out
}

// MapPeer records (or refreshes) the peer_id -> long_term_public mapping,
// learned from an announce or a successful handshake (spec §4.2).
func (m *Manager) MapPeer(peerID wire.PeerID, longTermPub ed25519.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerMap[peerID] = append(ed25519.PublicKey(nil), longTermPub...)
}

// LookupFingerprint resolves a peer_id to its long-term public key's
// fingerprint, if known.
func (m *Manager) LookupFingerprint(peerID wire.PeerID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.peerMap[peerID]
	if !ok {
		return "", false
	}
	return fingerprintOf(pub), true
}

// FindPeerByFingerprint resolves a fingerprint back to whichever peer_id
// maps to it. For our own fingerprint the current id is returned. Ids are
// never removed from the map (old ids stay resolvable after a rotation), so
// for another peer that has rotated several ids can match one fingerprint;
// which of them is returned is then not defined.
func (m *Manager) FindPeerByFingerprint(fingerprint string) (wire.PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pub, ok := m.peerMap[m.currentID]; ok && fingerprintOf(pub) == fingerprint {
		return m.currentID, true
	}
	for id, pub := range m.peerMap {
		if fingerprintOf(pub) == fingerprint {
			return id, true
		}
	}
	return wire.PeerID{}, false
}

// Sign signs data with our long-term key.
func (m *Manager) Sign(data []byte) []byte { return m.longTerm.Sign(data) }

// VerifyFrom verifies a signature as having come from peerID, resolving
// its long-term public key through the peer map (spec §4.2 verify).
func (m *Manager) VerifyFrom(peerID wire.PeerID, data, signature []byte) bool {
	m.mu.Lock()
	pub, ok := m.peerMap[peerID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return Verify(pub, data, signature)
}

// EphemeralPublic returns the current rotation-ephemeral public key (not
// to be confused with a session's handshake ephemeral from C3).
func (m *Manager) EphemeralPublic() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ephemeralPub
}
