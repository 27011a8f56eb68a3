package engine

import (
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

func TestPeerTableDiscoveredAddsTransportOnce(t *testing.T) {
	pt := newPeerTable()
	id := wire.PeerID{1}
	now := time.Now()

	pt.discovered(id, transport.Low, 0.8, now)
	pt.discovered(id, transport.Low, 0.9, now.Add(time.Second)) // duplicate transport
	pt.discovered(id, transport.HighBW, 0.5, now.Add(2*time.Second))

	snap := pt.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d peers, want 1", len(snap))
	}
	if len(snap[0].Transports) != 2 {
		t.Errorf("transports = %v, want one Low and one HighBW entry", snap[0].Transports)
	}
	if snap[0].LinkQuality != 0.5 {
		t.Errorf("LinkQuality = %v, want the most recent discovery's 0.5", snap[0].LinkQuality)
	}
}

func TestPeerTableLostRemovesOnlyThatTransport(t *testing.T) {
	pt := newPeerTable()
	id := wire.PeerID{1}
	now := time.Now()
	pt.discovered(id, transport.Low, 1.0, now)
	pt.discovered(id, transport.HighBW, 1.0, now)

	pt.lost(id, transport.Low)

	got := pt.transportsOf(id)
	if len(got) != 1 || got[0] != transport.HighBW {
		t.Errorf("transportsOf after losing Low = %v, want [HighBW]", got)
	}
}

func TestPeerTableReachableIDsExcludesFullyLostPeers(t *testing.T) {
	pt := newPeerTable()
	reachable := wire.PeerID{1}
	unreachable := wire.PeerID{2}
	now := time.Now()

	pt.discovered(reachable, transport.Low, 1.0, now)
	pt.discovered(unreachable, transport.Low, 1.0, now)
	pt.lost(unreachable, transport.Low)

	ids := pt.reachableIDs()
	if len(ids) != 1 || ids[0] != reachable {
		t.Errorf("reachableIDs = %v, want only %v", ids, reachable)
	}
}

func TestPeerTableAuthenticatedSetsFingerprintAndSessionUp(t *testing.T) {
	pt := newPeerTable()
	id := wire.PeerID{3}

	pt.authenticated(id, "fp-abc")

	snap := pt.Snapshot()
	if len(snap) != 1 || snap[0].Fingerprint != "fp-abc" || !snap[0].SessionUp {
		t.Fatalf("got %+v, want authenticated fingerprint fp-abc", snap)
	}

	pt.sessionDown(id)
	snap = pt.Snapshot()
	if snap[0].SessionUp {
		t.Error("SessionUp should be false after sessionDown")
	}
	if snap[0].Fingerprint != "fp-abc" {
		t.Error("sessionDown must not clear the already-verified fingerprint")
	}
}

func TestPeerTableSnapshotIsADefensiveCopy(t *testing.T) {
	pt := newPeerTable()
	id := wire.PeerID{1}
	pt.discovered(id, transport.Low, 1.0, time.Now())

	snap := pt.Snapshot()
	snap[0].Transports[0] = transport.HighBW

	again := pt.Snapshot()
	if again[0].Transports[0] != transport.Low {
		t.Error("mutating a returned snapshot must not affect the table's own state")
	}
}
