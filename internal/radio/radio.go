// Package radio is C4: the RadioBackend capability (spec §4.4) and its two
// required implementations — a constrained low-bandwidth backend and a
// high-bandwidth backend built on quic-go, grounded on the teacher's
// daemon/transport QUIC wrapper (quic_connection.go) and internal/quicutil
// TLS helpers.
package radio

import (
	"context"

	"github.com/meshwire/meshcore/internal/wire"
)

type PowerClass uint8

const (
	PowerLow PowerClass = iota
	PowerMedium
	PowerHigh
)

func (p PowerClass) String() string {
	switch p {
	case PowerLow:
		return "low"
	case PowerMedium:
		return "medium"
	case PowerHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Descriptor is a backend's capability descriptor (spec §4.4).
type Descriptor struct {
	Kind                 string
	MaxFrameBytes        int
	TypicalThroughputBps int64
	TypicalLatencyMs     int
	PowerClass           PowerClass
	RangeM               int
}

// EventKind distinguishes the four event types a backend pushes to the
// engine (spec §4.4).
type EventKind uint8

const (
	EventPeerDiscovered EventKind = iota
	EventPeerLost
	EventFrameReceived
	EventAvailabilityChanged
)

// Event is the union of everything a RadioBackend reports asynchronously.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	PeerID              wire.PeerID // PeerDiscovered, PeerLost, FrameReceived
	LinkQuality         float64     // PeerDiscovered, FrameReceived: 0..1
	AdvertisedTransports []string   // PeerDiscovered

	Frame []byte // FrameReceived: raw encoded wire.Frame bytes

	Available bool // AvailabilityChanged
}

// Backend is the RadioBackend capability of spec §4.4. Implementations are
// not required to be safe for concurrent Send calls from multiple
// goroutines unless documented otherwise, but must be safe to read Events
// from concurrently with any other method.
type Backend interface {
	StartDiscovery(ctx context.Context) error
	StopDiscovery() error

	Send(ctx context.Context, frameBytes []byte, recipient wire.PeerID) error

	IsAvailable() bool

	Descriptor() Descriptor

	// Events returns the channel the engine reads backend events from.
	// Neither backend in this package closes it, including on shutdown.
	Events() <-chan Event
}
