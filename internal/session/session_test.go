package session

import (
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/wire"
)

func peerID(t *testing.T, s string) wire.PeerID {
	t.Helper()
	id, err := wire.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse peer id %q: %v", s, err)
	}
	return id
}

// establish drives a full initiator/responder handshake between two
// in-memory sessions and marks version negotiation OK on both sides.
func establish(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	now := time.Now()

	alice := peerID(t, "aaaaaaaaaaaa")
	bob := peerID(t, "bbbbbbbbbbbb")

	initiator, initEph, err := NewInitiator(bob, now)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, respEph, err := NewResponder(alice, initEph, now)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := initiator.CompleteInitiator(respEph, now); err != nil {
		t.Fatalf("complete initiator: %v", err)
	}
	initiator.MarkVersionOK()
	responder.MarkVersionOK()

	if !initiator.IsReady() || !responder.IsReady() {
		t.Fatal("both sides should be Ready after handshake + version negotiation")
	}
	return initiator, responder
}

func TestHandshake_BothSidesDeriveSameKey(t *testing.T) {
	initiator, responder := establish(t)

	pt := []byte("hello mesh")
	ct, err := initiator.Encrypt(pt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := responder.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(pt) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, pt)
	}
}

func TestDecrypt_RejectsReplay(t *testing.T) {
	initiator, responder := establish(t)

	ct, err := initiator.Encrypt([]byte("msg one"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := responder.Decrypt(ct); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := responder.Decrypt(ct); err == nil {
		t.Fatal("expected replay of the same counter to be rejected")
	}
}

func TestDecrypt_OutOfOrderCounterRejected(t *testing.T) {
	initiator, responder := establish(t)

	ct1, _ := initiator.Encrypt([]byte("one"))
	ct2, _ := initiator.Encrypt([]byte("two"))

	if _, err := responder.Decrypt(ct2); err != nil {
		t.Fatalf("decrypt newer first: %v", err)
	}
	if _, err := responder.Decrypt(ct1); err == nil {
		t.Fatal("expected an older counter arriving late to be rejected")
	}
}

func TestRekey_ResetsCountersAndRetiresKey(t *testing.T) {
	initiator, responder := establish(t)
	now := time.Now()

	_, err := initiator.Encrypt([]byte("pre-rekey"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pending, ephPub, err := initiator.BeginRekeyAsInitiator()
	if err != nil {
		t.Fatalf("begin rekey: %v", err)
	}
	respEph, err := responder.RespondToRekey(ephPub, now)
	if err != nil {
		t.Fatalf("respond to rekey: %v", err)
	}
	newKey, err := pending.completeAsInitiator(respEph)
	if err != nil {
		t.Fatalf("complete rekey: %v", err)
	}
	initiator.CompleteRekey(newKey, now)

	if initiator.RekeyRotation() != 1 || responder.RekeyRotation() != 1 {
		t.Fatalf("expected rekey_rotation=1 on both sides, got initiator=%d responder=%d",
			initiator.RekeyRotation(), responder.RekeyRotation())
	}

	ct, err := initiator.Encrypt([]byte("post-rekey"))
	if err != nil {
		t.Fatalf("encrypt after rekey: %v", err)
	}
	pt, err := responder.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt after rekey: %v", err)
	}
	if string(pt) != "post-rekey" {
		t.Fatalf("unexpected plaintext after rekey: %q", pt)
	}
}

func TestDecrypt_PreviousKeyStillAcceptedAfterRekey(t *testing.T) {
	initiator, responder := establish(t)
	now := time.Now()

	staleCt, err := initiator.Encrypt([]byte("sent before rekey"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pending, ephPub, _ := initiator.BeginRekeyAsInitiator()
	respEph, err := responder.RespondToRekey(ephPub, now)
	if err != nil {
		t.Fatalf("respond to rekey: %v", err)
	}
	newKey, _ := pending.completeAsInitiator(respEph)
	initiator.CompleteRekey(newKey, now)

	if _, err := responder.Decrypt(staleCt); err != nil {
		t.Fatalf("expected previous-key message to still decrypt, got %v", err)
	}
}

func TestDecrypt_TearsDownAfterThreeAuthFailures(t *testing.T) {
	_, responder := establish(t)

	garbage := make([]byte, 40)
	for i := 0; i < authFailureLimit; i++ {
		if _, err := responder.Decrypt(garbage); err == nil {
			t.Fatal("expected garbage ciphertext to fail authentication")
		}
	}
	if !responder.IsDead() {
		t.Fatal("expected session to be torn down after repeated auth failures")
	}
}

func TestVersionNegotiation_IncompatibleMajorRejected(t *testing.T) {
	ours := wire.Version{Major: 1, Minor: 0, Patch: 0}
	peer := wire.Version{Major: 2, Minor: 5, Patch: 0}
	if peer.CompatibleWith(ours, 0) {
		t.Fatal("different major versions must not be compatible")
	}
}

func TestVersionNegotiation_MinorFloorEnforced(t *testing.T) {
	ours := wire.Version{Major: 1, Minor: 3, Patch: 0}
	tooOld := wire.Version{Major: 1, Minor: 1, Patch: 0}
	if tooOld.CompatibleWith(ours, 2) {
		t.Fatal("peer minor below floor must not be compatible")
	}
	ok := wire.Version{Major: 1, Minor: 2, Patch: 0}
	if !ok.CompatibleWith(ours, 2) {
		t.Fatal("peer minor at floor should be compatible")
	}
}

func TestManager_HandshakeRateLimitRejectsExcess(t *testing.T) {
	m := NewManager()
	now := time.Now()
	bob := peerID(t, "bbbbbbbbbbbb")

	for i := 0; i < handshakeBurst; i++ {
		if _, _, err := m.StartHandshake(bob, now); err != nil {
			t.Fatalf("handshake %d unexpectedly rate limited: %v", i, err)
		}
	}
	if _, _, err := m.StartHandshake(bob, now); err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited after burst exhausted, got %v", err)
	}
}

func TestManager_HandshakeExpiresAfterTimeout(t *testing.T) {
	m := NewManager()
	now := time.Now()
	bob := peerID(t, "bbbbbbbbbbbb")

	if _, _, err := m.StartHandshake(bob, now); err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	expired := m.SweepExpiredHandshakes(now.Add(handshakeTimeout + time.Second))
	if len(expired) != 1 || expired[0] != bob {
		t.Fatalf("expected bob's pending handshake to expire, got %v", expired)
	}
	if _, ok := m.Get(bob); ok {
		t.Fatal("expired session should have been removed")
	}
}

func TestManager_EmergencyWipeClearsEverything(t *testing.T) {
	m := NewManager()
	now := time.Now()
	bob := peerID(t, "bbbbbbbbbbbb")

	if _, _, err := m.StartHandshake(bob, now); err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	m.EmergencyWipe()
	if _, ok := m.Get(bob); ok {
		t.Fatal("expected no sessions to survive an emergency wipe")
	}
}

func TestSession_IdleSinceFalseBeforeTimeoutTrueAfter(t *testing.T) {
	initiator, _ := establish(t)
	now := time.Now()

	if initiator.IdleSince(now.Add(idleTimeout - time.Second)) {
		t.Fatal("session should not be idle before the 5-minute bound")
	}
	if !initiator.IdleSince(now.Add(idleTimeout + time.Second)) {
		t.Fatal("session should be idle once 5 minutes pass with no traffic")
	}
}

func TestSession_EncryptResetsIdleClock(t *testing.T) {
	initiator, _ := establish(t)
	// Backdate the last activity so the session is already idle.
	initiator.lastActivityAt = time.Now().Add(-idleTimeout - time.Second)
	if !initiator.IdleSince(time.Now()) {
		t.Fatal("test setup: expected the backdated session to be idle")
	}

	if _, err := initiator.Encrypt([]byte("keepalive")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if initiator.IdleSince(time.Now()) {
		t.Fatal("a recent Encrypt should have reset the idle clock")
	}
}

func TestSession_DestroyZeroesSymmetricKeyAndRetiredKeys(t *testing.T) {
	initiator, responder := establish(t)
	now := time.Now()

	// rekey once so previousKeys is non-empty, then destroy.
	pending, ephPub, err := initiator.BeginRekeyAsInitiator()
	if err != nil {
		t.Fatalf("begin rekey: %v", err)
	}
	respEph, err := responder.RespondToRekey(ephPub, now)
	if err != nil {
		t.Fatalf("respond to rekey: %v", err)
	}
	newKey, err := pending.completeAsInitiator(respEph)
	if err != nil {
		t.Fatalf("complete rekey: %v", err)
	}
	initiator.CompleteRekey(newKey, now)

	if len(initiator.previousKeys) == 0 {
		t.Fatal("test setup: expected a retired key after rekey")
	}

	initiator.Destroy()

	if initiator.symmetricKey != ([keySize]byte{}) {
		t.Error("Destroy should zero the symmetric key")
	}
	if initiator.previousKeys != nil {
		t.Error("Destroy should clear previousKeys")
	}
	if !initiator.IsDead() {
		t.Error("Destroy should mark the session dead")
	}
}

func TestManager_DueForRekeyOnlyAfterIntervalAndSpacing(t *testing.T) {
	m := NewManager()
	now := time.Now()
	bob := peerID(t, "bbbbbbbbbbbb")
	alice := peerID(t, "aaaaaaaaaaaa")

	_, initEph, err := m.StartHandshake(bob, now)
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	_, respEph, err := NewResponder(alice, initEph, now)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := m.CompleteHandshake(bob, respEph, now); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	if err := m.NegotiateVersion(bob, OurVersion); err != nil {
		t.Fatalf("negotiate version: %v", err)
	}

	if due := m.DueForRekey(now); len(due) != 0 {
		t.Fatalf("should not be due for rekey immediately after handshake, got %v", due)
	}

	// DueForTimedRekey requires both the 60s rekey interval and the 5-minute
	// minimum spacing to have elapsed since the session was established.
	later := now.Add(rekeyMinSpacing + time.Second)
	due := m.DueForRekey(later)
	if len(due) != 1 || due[0] != bob {
		t.Fatalf("expected bob due for rekey once the 5-minute spacing has elapsed, got %v", due)
	}

	if _, err := m.BeginRekey(bob, later); err != nil {
		t.Fatalf("begin rekey: %v", err)
	}
}

func TestManager_SweepIdleSessionsZeroesKeyAndRemoves(t *testing.T) {
	m := NewManager()
	now := time.Now()
	bob := peerID(t, "bbbbbbbbbbbb")
	alice := peerID(t, "aaaaaaaaaaaa")

	_, initEph, err := m.StartHandshake(bob, now)
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	_, respEph, err := NewResponder(alice, initEph, now)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := m.CompleteHandshake(bob, respEph, now); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	if err := m.NegotiateVersion(bob, OurVersion); err != nil {
		t.Fatalf("negotiate version: %v", err)
	}

	s, ok := m.Get(bob)
	if !ok || !s.IsReady() {
		t.Fatal("test setup: expected bob's session to be Ready")
	}

	idle := m.SweepIdleSessions(now.Add(idleTimeout + time.Second))
	if len(idle) != 1 || idle[0] != bob {
		t.Fatalf("expected bob swept as idle, got %v", idle)
	}
	if _, ok := m.Get(bob); ok {
		t.Fatal("idle session should have been removed from the manager")
	}
	if s.symmetricKey != ([keySize]byte{}) {
		t.Error("swept session's symmetric key should have been zeroed")
	}
}
