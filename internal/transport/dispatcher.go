// Package transport is C5: the dispatcher that maintains the routing and
// peer-capability tables and selects which radio backend carries each
// outbound frame, per spec §4.5. Grounded on the teacher's daemon/transport
// package for its per-class, per-profile configuration style
// (profile_map.go, autotune.go) and its switch-shaped decision functions.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/radio"
	"github.com/meshwire/meshcore/internal/wire"
)

type Kind uint8

const (
	Low Kind = iota
	HighBW
)

func (k Kind) String() string {
	if k == Low {
		return "low"
	}
	return "high_bw"
}

var ErrNoReachableTransport = errors.New("transport: no reachable transport for peer")

// Stats is the per-transport statistics the dispatcher records (spec §4.5).
type Stats struct {
	MessagesSent        uint64
	MessagesReceived     uint64
	BytesSent            uint64
	BytesReceived        uint64
	ConnectionsEstablished uint64
	ConnectionsFailed    uint64
	AvgLatencyMs         float64
	AvgThroughputBps     float64
	LastActivity         time.Time
}

// BatteryState is the caller-supplied power snapshot the selection policy
// reads (spec §4.5).
type BatteryState struct {
	Level      float64 // 0.0..1.0
	IsCharging bool
}

// Dispatcher owns routing_table, peer_capabilities, and the backends
// registered for each transport Kind.
type Dispatcher struct {
	mu sync.Mutex

	backends map[Kind]radio.Backend
	stats    map[Kind]*Stats

	routingTable      map[wire.PeerID]map[Kind]bool
	peerCapabilities  map[wire.PeerID]map[Kind]bool

	battery            BatteryState
	highBWDiscovering bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		backends:         make(map[Kind]radio.Backend),
		stats:            make(map[Kind]*Stats),
		routingTable:     make(map[wire.PeerID]map[Kind]bool),
		peerCapabilities: make(map[wire.PeerID]map[Kind]bool),
		battery:          BatteryState{Level: 1.0},
	}
}

// RegisterBackend attaches a radio backend for a transport kind.
func (d *Dispatcher) RegisterBackend(kind Kind, b radio.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[kind] = b
	d.stats[kind] = &Stats{}
}

// MarkReachable records that peerID is currently reachable via kind
// (learned from a PeerDiscovered event or a successful send).
func (d *Dispatcher) MarkReachable(peerID wire.PeerID, kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.routingTable[peerID] == nil {
		d.routingTable[peerID] = make(map[Kind]bool)
	}
	d.routingTable[peerID][kind] = true
}

// MarkUnreachable clears kind from peerID's routing entry, e.g. on PeerLost.
func (d *Dispatcher) MarkUnreachable(peerID wire.PeerID, kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.routingTable[peerID] != nil {
		delete(d.routingTable[peerID], kind)
	}
}

// SetPeerCapabilities records the transport kinds a peer has advertised
// support for (independent of current reachability).
func (d *Dispatcher) SetPeerCapabilities(peerID wire.PeerID, kinds []Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	d.peerCapabilities[peerID] = set
}

// SetBattery updates the battery snapshot the selection policy reads, and
// triggers the discovery start/stop transitions of spec §4.5.
func (d *Dispatcher) SetBattery(ctx context.Context, bat BatteryState) {
	d.mu.Lock()
	prev := d.battery
	d.battery = bat
	highBW, hasHighBW := d.backends[HighBW]
	wasDiscovering := d.highBWDiscovering
	d.mu.Unlock()

	if !hasHighBW {
		return
	}

	batOK := bat.Level > 0.5 || bat.IsCharging
	prevBatOK := prev.Level > 0.5 || prev.IsCharging

	if bat.Level < 0.3 && wasDiscovering {
		_ = highBW.StopDiscovery()
		d.mu.Lock()
		d.highBWDiscovering = false
		d.mu.Unlock()
		return
	}
	if batOK && !prevBatOK && !wasDiscovering && highBW.IsAvailable() {
		if err := highBW.StartDiscovery(ctx); err == nil {
			d.mu.Lock()
			d.highBWDiscovering = true
			d.mu.Unlock()
		}
	}
}

// SelectTransport implements the policy of spec §4.5 exactly.
func (d *Dispatcher) SelectTransport(peerID wire.PeerID, payloadLen int) (Kind, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := d.availableCapsLocked(peerID)
	bat := d.battery.Level
	charging := d.battery.IsCharging

	batOK := bat > 0.5 || charging
	large := payloadLen > 1_000_000
	small := payloadLen < 1_000
	securityUpgrade := payloadLen > 10_000_000

	if securityUpgrade && caps[HighBW] {
		return HighBW, nil
	}
	if large && batOK && caps[HighBW] {
		return HighBW, nil
	}
	if (small || bat < 0.3) && caps[Low] {
		return Low, nil
	}
	if batOK && caps[HighBW] {
		return HighBW, nil
	}
	if caps[Low] {
		return Low, nil
	}
	return 0, ErrNoReachableTransport
}

// availableCapsLocked intersects a peer's advertised capabilities with its
// currently reachable transports (mu already held).
func (d *Dispatcher) availableCapsLocked(peerID wire.PeerID) map[Kind]bool {
	reach := d.routingTable[peerID]
	capable := d.peerCapabilities[peerID]
	out := make(map[Kind]bool, 2)
	for kind := range capable {
		if reach[kind] {
			out[kind] = true
		}
	}
	return out
}

// Send selects a transport and sends frameBytes to peerID, updating stats.
func (d *Dispatcher) Send(ctx context.Context, peerID wire.PeerID, frameBytes []byte) (Kind, error) {
	kind, err := d.SelectTransport(peerID, len(frameBytes))
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	backend := d.backends[kind]
	stats := d.stats[kind]
	d.mu.Unlock()

	if backend == nil {
		return 0, ErrNoReachableTransport
	}

	err = backend.Send(ctx, frameBytes, peerID)

	d.mu.Lock()
	if err != nil {
		stats.ConnectionsFailed++
	} else {
		stats.MessagesSent++
		stats.BytesSent += uint64(len(frameBytes))
		stats.LastActivity = time.Now()
	}
	d.mu.Unlock()

	return kind, err
}

// RecordReceived updates receive-side statistics for a transport kind.
func (d *Dispatcher) RecordReceived(kind Kind, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stats[kind]
	if !ok {
		return
	}
	s.MessagesReceived++
	s.BytesReceived += uint64(n)
	s.LastActivity = time.Now()
}

// StatsFor returns a copy of the statistics recorded for a transport kind.
func (d *Dispatcher) StatsFor(kind Kind) Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stats[kind]; ok {
		return *s
	}
	return Stats{}
}
