package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/wire"
)

// EventKind enumerates the full observe() stream of spec §4.8, merging
// the transfer engine's own events with the peer/session events the
// facade layers on top.
type EventKind uint8

const (
	EventTransferEnqueued EventKind = iota
	EventTransferStarted
	EventTransferProgress
	EventTransferPaused
	EventTransferResumed
	EventTransferCompleted
	EventTransferFailed

	EventPeerDiscovered
	EventPeerLost
	EventPeerAuthenticated
	EventSessionEstablished
	EventSessionExpired
	EventRekeyComplete
	EventPeerIdRotated
)

func (k EventKind) String() string {
	switch k {
	case EventTransferEnqueued:
		return "TransferEnqueued"
	case EventTransferStarted:
		return "TransferStarted"
	case EventTransferProgress:
		return "TransferProgress"
	case EventTransferPaused:
		return "TransferPaused"
	case EventTransferResumed:
		return "TransferResumed"
	case EventTransferCompleted:
		return "TransferCompleted"
	case EventTransferFailed:
		return "TransferFailed"
	case EventPeerDiscovered:
		return "PeerDiscovered"
	case EventPeerLost:
		return "PeerLost"
	case EventPeerAuthenticated:
		return "PeerAuthenticated"
	case EventSessionEstablished:
		return "SessionEstablished"
	case EventSessionExpired:
		return "SessionExpired"
	case EventRekeyComplete:
		return "RekeyComplete"
	case EventPeerIdRotated:
		return "PeerIdRotated"
	default:
		return "Unknown"
	}
}

// Event is the single externally-observed shape every facade event takes;
// only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	TransferID transfer.ID
	Fraction   float64
	SinkURL    string
	Reason     string
	Retryable  bool

	PeerID      wire.PeerID
	OldPeerID   wire.PeerID // EventPeerIdRotated: the id PeerID replaces
	Fingerprint string
}

// subscription is one observe() caller's channel, grounded on the
// teacher's EventPublisher subscription-map pattern (daemon/service/events.go).
type subscription struct {
	id string
	ch chan Event
}

// Bus serializes every externally-visible state change the facade
// produces through a single ordered feed per subscriber (spec §4.8): a
// slow consumer drops events rather than blocking a publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe opens a new observe() stream with the given buffer depth.
func (b *Bus) Subscribe(bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: uuid.NewString(), ch: make(chan Event, bufferSize)}
	b.subs[sub.id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[sub.id]; ok {
			close(s.ch)
			delete(b.subs, sub.id)
		}
	}
	return sub.ch, cancel
}

// Publish fans e out to every open subscription, non-blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			// slow consumer: drop rather than stall the publisher (spec §5
			// suspension-point rule — event publication must not block the
			// caller's own state transition).
		}
	}
}

// transferSink adapts transfer.Sink to the facade's Bus so C7 never needs
// to know about the merged event shape.
type transferSink struct {
	bus *Bus
}

func (s *transferSink) Publish(e transfer.Event) {
	kind, ok := transferEventKinds[e.Kind]
	if !ok {
		return
	}
	s.bus.Publish(Event{
		Kind:       kind,
		TransferID: e.ID,
		Fraction:   e.Fraction,
		SinkURL:    e.SinkURL,
		Reason:     e.Reason,
		Retryable:  e.Retryable,
	})
}

var transferEventKinds = map[transfer.EventKind]EventKind{
	transfer.EventTransferEnqueued:  EventTransferEnqueued,
	transfer.EventTransferStarted:   EventTransferStarted,
	transfer.EventTransferProgress:  EventTransferProgress,
	transfer.EventTransferPaused:    EventTransferPaused,
	transfer.EventTransferResumed:  EventTransferResumed,
	transfer.EventTransferCompleted: EventTransferCompleted,
	transfer.EventTransferFailed:    EventTransferFailed,
}
