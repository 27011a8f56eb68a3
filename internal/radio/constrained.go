package radio

import (
	"context"
	"errors"
	"sync"

	"github.com/meshwire/meshcore/internal/wire"
)

const constrainedMaxFrameBytes = 512

var ErrFrameTooLarge = errors.New("radio: frame exceeds backend's max_frame_bytes")

// bus is a process-wide broadcast medium standing in for a BLE-class radio
// that multiple constrained backends (one per simulated peer) share. There
// is no real transport in this package — it exists so the engine and
// mesh router can be exercised end-to-end without real hardware, the way
// the teacher's tests/integration helpers spin up in-process QUIC pairs.
type bus struct {
	mu      sync.Mutex
	members map[wire.PeerID]*Constrained
}

func newBus() *bus { return &bus{members: make(map[wire.PeerID]*Constrained)} }

func (b *bus) join(id wire.PeerID, c *Constrained) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[id] = c
}

func (b *bus) leave(id wire.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, id)
}

func (b *bus) deliver(from wire.PeerID, frameBytes []byte, recipient wire.PeerID) {
	b.mu.Lock()
	snapshot := make(map[wire.PeerID]*Constrained, len(b.members))
	for id, c := range b.members {
		snapshot[id] = c
	}
	b.mu.Unlock()

	for id, c := range snapshot {
		if id == from {
			continue
		}
		if !recipient.IsBroadcast() && id != recipient {
			continue
		}
		c.receive(from, frameBytes)
	}
}

// SharedBus is a handle to an in-process constrained-radio medium. Tests
// and local multi-peer simulations create one SharedBus and attach a
// Constrained backend per simulated peer.
type SharedBus struct{ b *bus }

func NewSharedBus() *SharedBus { return &SharedBus{b: newBus()} }

// Constrained simulates a low-bandwidth, low-power radio (spec §4.4's
// "constrained radio": max_frame_bytes ≤ 512, power_class = Low) on top of
// a SharedBus.
type Constrained struct {
	mu          sync.Mutex
	id          wire.PeerID
	bus         *bus
	discovering bool
	available   bool
	events      chan Event
}

func NewConstrained(b *SharedBus, id wire.PeerID) *Constrained {
	c := &Constrained{
		id:        id,
		bus:       b.b,
		available: true,
		events:    make(chan Event, 256),
	}
	return c
}

var _ Backend = (*Constrained)(nil)

func (c *Constrained) StartDiscovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovering = true
	c.bus.join(c.id, c)
	return nil
}

func (c *Constrained) StopDiscovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovering = false
	c.bus.leave(c.id)
	return nil
}

func (c *Constrained) Send(ctx context.Context, frameBytes []byte, recipient wire.PeerID) error {
	if len(frameBytes) > constrainedMaxFrameBytes {
		return ErrFrameTooLarge
	}
	c.mu.Lock()
	available := c.available
	c.mu.Unlock()
	if !available {
		return errors.New("radio: constrained backend unavailable")
	}
	c.bus.deliver(c.id, frameBytes, recipient)
	return nil
}

func (c *Constrained) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// SetAvailable simulates the radio going in or out of range, emitting
// AvailabilityChanged.
func (c *Constrained) SetAvailable(available bool) {
	c.mu.Lock()
	changed := c.available != available
	c.available = available
	c.mu.Unlock()
	if changed {
		c.emit(Event{Kind: EventAvailabilityChanged, Available: available})
	}
}

func (c *Constrained) Descriptor() Descriptor {
	return Descriptor{
		Kind:                 "ble-constrained",
		MaxFrameBytes:        constrainedMaxFrameBytes,
		TypicalThroughputBps: 125_000, // BLE 5 long-range class, approx.
		TypicalLatencyMs:     120,
		PowerClass:           PowerLow,
		RangeM:               30,
	}
}

func (c *Constrained) Events() <-chan Event { return c.events }

func (c *Constrained) receive(from wire.PeerID, frameBytes []byte) {
	c.emit(Event{Kind: EventFrameReceived, PeerID: from, Frame: frameBytes, LinkQuality: 1.0})
}

func (c *Constrained) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Slow consumer: drop rather than block the shared bus, matching a
		// best-effort broadcast radio's real behavior.
	}
}

// Announce synthesizes a PeerDiscovered event for peerID, used by test
// harnesses and the discovery simulation driver to seed peer presence
// without a real advertisement protocol.
func (c *Constrained) Announce(peerID wire.PeerID, linkQuality float64, transports []string) {
	c.emit(Event{
		Kind:                 EventPeerDiscovered,
		PeerID:               peerID,
		LinkQuality:          linkQuality,
		AdvertisedTransports: transports,
	})
}

// Forget synthesizes a PeerLost event.
func (c *Constrained) Forget(peerID wire.PeerID) {
	c.emit(Event{Kind: EventPeerLost, PeerID: peerID})
}
