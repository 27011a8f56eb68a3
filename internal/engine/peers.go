package engine

import (
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

// PeerSnapshot is one entry of peers() (spec §4.8): connection quality,
// the transports currently reachable, and the verified fingerprint once
// the session has authenticated.
type PeerSnapshot struct {
	PeerID      wire.PeerID
	Fingerprint string // empty until PeerAuthenticated
	Transports  []transport.Kind
	LinkQuality float64
	SessionUp   bool
	LastSeen    time.Time
}

// peerTable is the facade's read-mostly view over peer connectivity,
// populated from radio discovery events and session-state changes.
// Grounded on the dispatcher's own routing_table/peer_capabilities
// pattern (internal/transport/dispatcher.go) — a single mutex, short
// critical sections, no held lock across I/O.
type peerTable struct {
	mu    sync.Mutex
	peers map[wire.PeerID]*PeerSnapshot
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[wire.PeerID]*PeerSnapshot)}
}

func (t *peerTable) discovered(id wire.PeerID, kind transport.Kind, quality float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerSnapshot{PeerID: id}
		t.peers[id] = p
	}
	p.LinkQuality = quality
	p.LastSeen = now
	for _, k := range p.Transports {
		if k == kind {
			return
		}
	}
	p.Transports = append(p.Transports, kind)
}

func (t *peerTable) lost(id wire.PeerID, kind transport.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	kept := p.Transports[:0]
	for _, k := range p.Transports {
		if k != kind {
			kept = append(kept, k)
		}
	}
	p.Transports = kept
}

func (t *peerTable) authenticated(id wire.PeerID, fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &PeerSnapshot{PeerID: id}
		t.peers[id] = p
	}
	p.Fingerprint = fingerprint
	p.SessionUp = true
}

func (t *peerTable) sessionDown(id wire.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.SessionUp = false
	}
}

// Snapshot returns a defensive copy of every known peer (spec §6's
// recommended snapshot() surface).
func (t *peerTable) Snapshot() []PeerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerSnapshot, 0, len(t.peers))
	for _, p := range t.peers {
		cp := *p
		cp.Transports = append([]transport.Kind(nil), p.Transports...)
		out = append(out, cp)
	}
	return out
}

// reachableIDs lists every peer with at least one live transport,
// satisfying meshrouter.Router's knownPeers callback.
func (t *peerTable) reachableIDs() []wire.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wire.PeerID
	for id, p := range t.peers {
		if len(p.Transports) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// transportsOf returns a copy of the transport kinds currently recorded
// for a peer, for refreshing the dispatcher's capability set.
func (t *peerTable) transportsOf(id wire.PeerID) []transport.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil
	}
	return append([]transport.Kind(nil), p.Transports...)
}
