package engine

import (
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/transfer"
)

func TestBusPublishFansOutToEverySubscriber(t *testing.T) {
	bus := NewBus()
	chA, cancelA := bus.Subscribe(4)
	chB, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Kind: EventPeerDiscovered})

	select {
	case e := <-chA:
		if e.Kind != EventPeerDiscovered {
			t.Errorf("subscriber A got %v", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A never received the published event")
	}
	select {
	case e := <-chB:
		if e.Kind != EventPeerDiscovered {
			t.Errorf("subscriber B got %v", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber B never received the published event")
	}
}

// TestBusPublishDropsOnFullBufferRatherThanBlock covers spec §5's rule
// that event publication must never stall the caller's own state
// transition: a subscriber that stops reading must not wedge Publish.
func TestBusPublishDropsOnFullBufferRatherThanBlock(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: EventTransferProgress, Fraction: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel instead of dropping")
	}

	// exactly one of the ten publishes is observable: the first landed in
	// the size-1 buffer, the rest were dropped before anyone drained it.
	select {
	case <-ch:
	default:
		t.Fatal("expected at least one buffered event to have landed")
	}
}

func TestBusCancelClosesTheChannelAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// publishing after cancel must not panic even though the subscription
	// map no longer references the closed channel.
	bus.Publish(Event{Kind: EventPeerLost})
}

func TestTransferSinkMapsKnownEventKindsOnly(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	sink := &transferSink{bus: bus}
	id := transfer.ID{9}
	sink.Publish(transfer.Event{Kind: transfer.EventTransferCompleted, ID: id, SinkURL: "/tmp/out.bin"})

	select {
	case e := <-ch:
		if e.Kind != EventTransferCompleted || e.TransferID != id || e.SinkURL != "/tmp/out.bin" {
			t.Errorf("got %+v, want a mapped EventTransferCompleted for %v", e, id)
		}
	case <-time.After(time.Second):
		t.Fatal("transferSink.Publish never reached the bus")
	}
}

func TestTransferSinkIgnoresUnmappedEventKinds(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	sink := &transferSink{bus: bus}
	sink.Publish(transfer.Event{Kind: transfer.EventKind(255)})

	select {
	case e := <-ch:
		t.Fatalf("expected no event for an unmapped kind, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
