package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/config"
	"github.com/meshwire/meshcore/internal/identity"
	"github.com/meshwire/meshcore/internal/keystore"
	"github.com/meshwire/meshcore/internal/meshrouter"
	"github.com/meshwire/meshcore/internal/observability"
	"github.com/meshwire/meshcore/internal/session"
	"github.com/meshwire/meshcore/internal/wire"
)

// newTestEngine builds a fully wired Engine against a temp-dir identity
// store and store-and-forward queue, without registering any radio
// backend: the housekeeping helpers under test (tickRekeys, rotateIdentity,
// EmergencyWipe/EmergencyRotate) don't need one, and Start/runBackendLoop
// are never invoked here.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()

	ks, err := keystore.New(filepath.Join(dir, "keys"), "")
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	lt, err := identity.LoadOrCreateIdentity(ks)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	idMgr, err := identity.NewManager(lt)
	if err != nil {
		t.Fatalf("identity.NewManager: %v", err)
	}

	fwdQueue, err := meshrouter.OpenStoreForwardQueue(filepath.Join(dir, "sf.db"))
	if err != nil {
		t.Fatalf("OpenStoreForwardQueue: %v", err)
	}
	t.Cleanup(func() { fwdQueue.Close() })

	cfg := config.DefaultConfig()
	cfg.IncomingDir = filepath.Join(dir, "incoming")
	cfg.WorkerCount = 4
	cfg.EventBufferSize = 16

	log := observability.NewLogger("meshcore-test", "test", io.Discard)

	e, err := New(cfg, idMgr, log, fwdQueue, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

// establishSession drives a Ready session into e.sessions for peerID, playing
// out both sides of the handshake the way handleHandshakeFrame/sendHandshake
// do in inbound.go, so DueForRekey/EmergencyWipe have something to act on.
func establishSession(t *testing.T, e *Engine, peerID wire.PeerID, now time.Time) {
	t.Helper()
	_, initEph, err := e.sessions.StartHandshake(peerID, now)
	if err != nil {
		t.Fatalf("StartHandshake: %v", err)
	}
	_, respEph, err := session.NewResponder(peerID, initEph, now)
	if err != nil {
		t.Fatalf("responder handshake: %v", err)
	}
	if err := e.sessions.CompleteHandshake(peerID, respEph, now); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}
	if err := e.sessions.NegotiateVersion(peerID, session.OurVersion); err != nil {
		t.Fatalf("NegotiateVersion: %v", err)
	}
}

func TestEngine_EmergencyWipeDestroysSessions(t *testing.T) {
	e := newTestEngine(t)
	bob := wire.PeerID{1, 2, 3}
	establishSession(t, e, bob, time.Now())

	if _, ok := e.sessions.Get(bob); !ok {
		t.Fatal("test setup: expected an established session for bob")
	}

	e.EmergencyWipe()

	if _, ok := e.sessions.Get(bob); ok {
		t.Error("EmergencyWipe should have removed bob's session")
	}
}

func TestEngine_EmergencyRotateChangesSelfAndPublishesEvent(t *testing.T) {
	e := newTestEngine(t)
	oldSelf := e.Self()

	ch, cancel := e.Observe()
	defer cancel()

	e.EmergencyRotate(context.Background(), time.Now())

	if e.Self() == oldSelf {
		t.Error("EmergencyRotate should have changed Self()")
	}
	if !e.isEmergencyRotation() {
		t.Error("EmergencyRotate should flip the engine into emergency rotation mode")
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventPeerIdRotated || ev.OldPeerID != oldSelf || ev.PeerID != e.Self() {
			t.Errorf("got %+v, want EventPeerIdRotated from %v to %v", ev, oldSelf, e.Self())
		}
	case <-time.After(time.Second):
		t.Fatal("EmergencyRotate never published EventPeerIdRotated")
	}
}

func TestEngine_TickRekeysInitiatesDueSessionsOnly(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now()
	bob := wire.PeerID{4, 5, 6}
	establishSession(t, e, bob, now)

	// Immediately after establishment nothing is due yet.
	e.tickRekeys(context.Background(), now)
	if s, _ := e.sessions.Get(bob); s.RekeyRotation() != 0 {
		t.Fatalf("rekey should not have started immediately after establishment, rotation=%d", s.RekeyRotation())
	}

	later := now.Add(6 * time.Minute)
	e.tickRekeys(context.Background(), later)

	// A pending initiator-side rekey exists for bob only if tickRekeys
	// called BeginRekey; CompleteRekey fails with "no rekey in flight" if
	// it didn't. Any real X25519 public key will do as the stand-in peer
	// reply, so borrow one from an unrelated handshake.
	_, fakeReply, err := session.NewManager().StartHandshake(wire.PeerID{7}, later)
	if err != nil {
		t.Fatalf("generating a stand-in ephemeral: %v", err)
	}
	if err := e.sessions.CompleteRekey(bob, fakeReply, later); err != nil {
		t.Errorf("tickRekeys should have started a rekey for bob once due: %v", err)
	}
}
