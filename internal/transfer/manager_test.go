package transfer

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/wire"
)

// wireManagers connects two Managers' outbound functions directly to each
// other's HandleInbound, standing in for session encryption + transport
// dispatch (C3/C5), which the engine facade supplies in production.
func wireManagers(a, b *Manager) (Outbound, Outbound) {
	var outA, outB Outbound
	outA = func(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error {
		return b.HandleInbound(ctx, wire.PeerID{}, msgType, payload, time.Now())
	}
	outB = func(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error {
		return a.HandleInbound(ctx, wire.PeerID{}, msgType, payload, time.Now())
	}
	return outA, outB
}

func waitForStatus(t *testing.T, m *Manager, id ID, want StatusKind, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, ok := m.Get(id)
		if ok && st.Kind == want {
			return st
		}
		if ok && st.Kind == StatusFailed {
			t.Fatalf("transfer failed: reason=%q retryable=%v", st.Reason, st.Retryable)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %v", want)
	return Status{}
}

// TestManager_SetSelfChangesManifestSenderID covers the peer-id rotation
// path (spec §4.2): the facade calls SetSelf after a rotation, and the
// very next QueueSend must stamp manifests with the new id.
func TestManager_SetSelfChangesManifestSenderID(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	if err := os.WriteFile(srcPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	oldSelf := wire.PeerID{1}
	newSelf := wire.PeerID{9}
	m := NewManager(oldSelf, nil, nil, dir, nil)
	m.outbound = func(context.Context, wire.PeerID, wire.MessageType, []byte) error { return nil }

	m.SetSelf(newSelf)

	src, err := blob.OpenFileSource(srcPath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	id, err := m.QueueSend(context.Background(), src, "source.bin", wire.PeerID{2}, wire.PriorityNormal, ChunkBytesConstrained, 0, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}
	m.mu.Lock()
	tr, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		t.Fatal("expected the queued transfer to be tracked")
	}
	if tr.Manifest.SenderID != newSelf {
		t.Fatalf("manifest SenderID = %v, want the post-rotation id %v", tr.Manifest.SenderID, newSelf)
	}
}

// TestSmallFileSingleTransportTransfer exercises the S1 shape: one small
// file, one transport, no loss — manifest, chunked send, acks, whole-file
// verification, and finalize into place.
func TestSmallFileSingleTransportTransfer(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	content := make([]byte, 1000) // not a multiple of ChunkBytesConstrained
	for i := range content {
		content[i] = byte(i * 7)
	}
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	senderSelf := wire.PeerID{1}
	receiverSelf := wire.PeerID{2}

	sender := NewManager(senderSelf, nil, nil, filepath.Join(dir, "recv-sender"), nil)
	receiver := NewManager(receiverSelf, nil, nil, filepath.Join(dir, "recv-receiver"), nil)

	outToReceiver, outToSender := wireManagers(sender, receiver)
	sender.outbound = outToReceiver
	receiver.outbound = outToSender

	src, err := blob.OpenFileSource(srcPath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}

	id, err := sender.QueueSend(context.Background(), src, "source.bin", receiverSelf, wire.PriorityNormal, ChunkBytesConstrained, 0, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	senderSt := waitForStatus(t, sender, id, StatusCompleted, 3*time.Second)
	if senderSt.Total != ChunkCount(int64(len(content)), ChunkBytesConstrained) {
		t.Errorf("sender total = %d, want %d", senderSt.Total, ChunkCount(int64(len(content)), ChunkBytesConstrained))
	}

	recvSt := waitForStatus(t, receiver, id, StatusCompleted, 3*time.Second)
	if recvSt.SinkURL == "" {
		t.Fatal("expected a non-empty sink URL on the receiver's completed status")
	}

	got, err := os.ReadFile(recvSt.SinkURL)
	if err != nil {
		t.Fatalf("reading finalized file: %v", err)
	}
	if sha256.Sum256(got) != sha256.Sum256(content) {
		t.Error("finalized file content does not match the original source")
	}
}

// TestZeroByteFileCompletesImmediately covers spec §4.7.6: a manifest
// declaring file_size=0 produces zero chunks and completes without any
// chunk exchange.
func TestZeroByteFileCompletesImmediately(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(srcPath, nil, 0o644); err != nil {
		t.Fatalf("writing empty source: %v", err)
	}

	senderSelf := wire.PeerID{1}
	receiverSelf := wire.PeerID{2}
	sender := NewManager(senderSelf, nil, nil, filepath.Join(dir, "recv-sender"), nil)
	receiver := NewManager(receiverSelf, nil, nil, filepath.Join(dir, "recv-receiver"), nil)
	outToReceiver, outToSender := wireManagers(sender, receiver)
	sender.outbound = outToReceiver
	receiver.outbound = outToSender

	src, err := blob.OpenFileSource(srcPath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}

	id, err := sender.QueueSend(context.Background(), src, "empty.bin", receiverSelf, wire.PriorityNormal, 16, 0, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	waitForStatus(t, sender, id, StatusCompleted, 3*time.Second)
	waitForStatus(t, receiver, id, StatusCompleted, 3*time.Second)
}

// TestPauseSuspendsEmissionNotStateMachine covers spec §4.7.4: pausing an
// outgoing transfer stops chunk emission but the transfer is still present
// and resumable, not torn down.
func TestPauseSuspendsEmissionNotStateMachine(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	content := make([]byte, 1000)
	os.WriteFile(srcPath, content, 0o644)

	senderSelf := wire.PeerID{1}
	receiverSelf := wire.PeerID{2}
	sender := NewManager(senderSelf, nil, nil, filepath.Join(dir, "recv-sender"), nil)
	receiver := NewManager(receiverSelf, nil, nil, filepath.Join(dir, "recv-receiver"), nil)
	outToReceiver, outToSender := wireManagers(sender, receiver)
	sender.outbound = outToReceiver
	receiver.outbound = outToSender

	src, _ := blob.OpenFileSource(srcPath)
	id, err := sender.QueueSend(context.Background(), src, "source.bin", receiverSelf, wire.PriorityNormal, ChunkBytesConstrained, 50*time.Millisecond, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	waitForStatus(t, sender, id, StatusTransferring, time.Second)

	if err := sender.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	st, _ := sender.Get(id)
	if st.Kind != StatusPaused {
		t.Fatalf("status after Pause = %v, want Paused", st.Kind)
	}

	time.Sleep(150 * time.Millisecond)
	st, _ = sender.Get(id)
	if st.Kind != StatusPaused {
		t.Fatalf("transfer should remain Paused while suspended, got %v", st.Kind)
	}

	if err := sender.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, sender, id, StatusCompleted, 5*time.Second)
}

// TestCancelIsTerminalAndFreesTheSlot covers spec §4.8's cancel(transfer_id).
func TestCancelIsTerminalAndFreesTheSlot(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	os.WriteFile(srcPath, make([]byte, 10000), 0o644)

	senderSelf := wire.PeerID{1}
	receiverSelf := wire.PeerID{2}
	sender := NewManager(senderSelf, nil, nil, filepath.Join(dir, "recv-sender"), nil)
	receiver := NewManager(receiverSelf, nil, nil, filepath.Join(dir, "recv-receiver"), nil)
	outToReceiver, outToSender := wireManagers(sender, receiver)
	sender.outbound = outToReceiver
	receiver.outbound = outToSender

	src, _ := blob.OpenFileSource(srcPath)
	id, err := sender.QueueSend(context.Background(), src, "source.bin", receiverSelf, wire.PriorityNormal, ChunkBytesConstrained, 20*time.Millisecond, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	waitForStatus(t, sender, id, StatusTransferring, time.Second)

	if err := sender.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st, _ := sender.Get(id)
	if st.Kind != StatusCancelled {
		t.Fatalf("status after Cancel = %v, want Cancelled", st.Kind)
	}

	if err := sender.Cancel(id); err != ErrAlreadyTerminal {
		t.Errorf("second Cancel = %v, want ErrAlreadyTerminal", err)
	}
}
