package meshrouter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/radio"
	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

func peerID(t *testing.T, s string) wire.PeerID {
	t.Helper()
	id, err := wire.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return id
}

func newTestRouter(t *testing.T, self wire.PeerID, known []wire.PeerID) (*Router, *transport.Dispatcher) {
	t.Helper()
	d := transport.NewDispatcher()
	bus := radio.NewSharedBus()
	backend := radio.NewConstrained(bus, self)
	d.RegisterBackend(transport.Low, backend)

	for _, p := range known {
		d.MarkReachable(p, transport.Low)
		d.SetPeerCapabilities(p, []transport.Kind{transport.Low})
	}

	q, err := OpenStoreForwardQueue(filepath.Join(t.TempDir(), "sf.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	fpOf := map[wire.PeerID]string{}
	for _, p := range known {
		fpOf[p] = p.String()
	}
	lookup := func(p wire.PeerID) (string, bool) { s, ok := fpOf[p]; return s, ok }
	knownFn := func() []wire.PeerID { return known }

	return NewRouter(self, d, q, lookup, knownFn), d
}

func TestRoute_DuplicateDropped(t *testing.T) {
	self := peerID(t, "aaaaaaaaaaaa")
	bob := peerID(t, "bbbbbbbbbbbb")
	r, _ := newTestRouter(t, self, []wire.PeerID{bob})
	now := time.Now()

	f := &wire.Frame{Version: 1, Type: wire.TypeIdentityAnnounce, TTL: 7, SenderID: bob, TimestampMs: 42}

	d1, err := r.Route(context.Background(), f, now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d1 != DecisionDeliverLocal {
		t.Fatalf("expected broadcast-ish to deliver local, got %v", d1)
	}

	d2, err := r.Route(context.Background(), f, now.Add(time.Second))
	if err != nil {
		t.Fatalf("route again: %v", err)
	}
	if d2 != DecisionDrop {
		t.Fatalf("expected duplicate frame to be dropped, got %v", d2)
	}
}

func TestRoute_DeliversLocalForRecipientSelf(t *testing.T) {
	self := peerID(t, "aaaaaaaaaaaa")
	bob := peerID(t, "bbbbbbbbbbbb")
	r, _ := newTestRouter(t, self, []wire.PeerID{bob})

	f := &wire.Frame{Version: 1, Type: wire.TypeEncrypted, TTL: 2, SenderID: bob, RecipientID: self, TimestampMs: 1}
	d, err := r.Route(context.Background(), f, time.Now())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d != DecisionDeliverLocal {
		t.Fatalf("expected local delivery, got %v", d)
	}
}

func TestRoute_SetSelfRetargetsLocalDelivery(t *testing.T) {
	self := peerID(t, "aaaaaaaaaaaa")
	rotated := peerID(t, "cccccccccccc")
	bob := peerID(t, "bbbbbbbbbbbb")
	r, _ := newTestRouter(t, self, []wire.PeerID{bob})

	f := &wire.Frame{Version: 1, Type: wire.TypeEncrypted, TTL: 2, SenderID: bob, RecipientID: rotated, TimestampMs: 1}
	if d, err := r.Route(context.Background(), f, time.Now()); err != nil || d == DecisionDeliverLocal {
		t.Fatalf("frame addressed to the not-yet-adopted id should not deliver locally, got %v, %v", d, err)
	}

	r.SetSelf(rotated)

	f2 := &wire.Frame{Version: 1, Type: wire.TypeEncrypted, TTL: 2, SenderID: bob, RecipientID: rotated, TimestampMs: 2}
	d, err := r.Route(context.Background(), f2, time.Now())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d != DecisionDeliverLocal {
		t.Fatalf("expected local delivery after SetSelf adopts the rotated id, got %v", d)
	}
}

func TestRoute_TTLExpiredDropped(t *testing.T) {
	self := peerID(t, "aaaaaaaaaaaa")
	bob := peerID(t, "bbbbbbbbbbbb")
	carol := peerID(t, "cccccccccccc")
	r, _ := newTestRouter(t, self, []wire.PeerID{bob, carol})

	f := &wire.Frame{Version: 1, Type: wire.TypeEncrypted, TTL: 1, SenderID: bob, RecipientID: carol, TimestampMs: 9}
	d, err := r.Route(context.Background(), f, time.Now())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d != DecisionDrop {
		t.Fatalf("expected ttl<=1 frame to be dropped, got %v", d)
	}
}

func TestRoute_QueuesPersistableWhenUnreachable(t *testing.T) {
	self := peerID(t, "aaaaaaaaaaaa")
	carol := peerID(t, "cccccccccccc") // known to dispatcher's fingerprint map but unreachable
	r, d := newTestRouter(t, self, nil)
	d.SetPeerCapabilities(carol, nil) // no reachable transport

	fpOf := carol.String()
	r.fingerprint = func(p wire.PeerID) (string, bool) {
		if p == carol {
			return fpOf, true
		}
		return "", false
	}

	f := &wire.Frame{Version: 1, Type: wire.TypeFileManifest, TTL: 2, SenderID: peerID(t, "bbbbbbbbbbbb"), RecipientID: carol, TimestampMs: 5}
	dec, err := r.Route(context.Background(), f, time.Now())
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if dec != DecisionQueued {
		t.Fatalf("expected frame to be queued for store-and-forward, got %v", dec)
	}
}
