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

// TestAttachFECProfileEligibility covers the two gates in attachFECProfile:
// the chunk-size floor (only ChunkBytesHighBW transfers qualify) and the
// chunk-count floor (fecEligibleMinChunks), independent of what the
// adaptive policy recommends.
func TestAttachFECProfileEligibility(t *testing.T) {
	m := NewManager(wire.PeerID{1}, nil, nil, t.TempDir(), nil)
	m.fecPolicy.SetEnabled(true)
	m.fecPolicy.SetParityShards(2)

	tooFewChunks := &wire.Manifest{TotalChunks: fecEligibleMinChunks - 1}
	m.attachFECProfile(tooFewChunks, ChunkBytesHighBW)
	if tooFewChunks.FECProfile != nil {
		t.Error("a transfer below fecEligibleMinChunks should not get a FECProfile")
	}

	wrongChunkSize := &wire.Manifest{TotalChunks: fecEligibleMinChunks}
	m.attachFECProfile(wrongChunkSize, ChunkBytesConstrained)
	if wrongChunkSize.FECProfile != nil {
		t.Error("a ChunkBytesConstrained transfer should never get a FECProfile")
	}

	eligible := &wire.Manifest{TotalChunks: fecEligibleMinChunks}
	m.attachFECProfile(eligible, ChunkBytesHighBW)
	if eligible.FECProfile == nil {
		t.Fatal("expected a FECProfile for an eligible high-bandwidth transfer")
	}
	if eligible.FECProfile.R != 2 {
		t.Errorf("FECProfile.R = %d, want 2", eligible.FECProfile.R)
	}
}

// TestAttachFECProfileDisabledPolicy covers the case where the manager's
// adaptive policy hasn't yet seen enough loss history to enable FEC: an
// otherwise-eligible transfer still gets no FECProfile, and falls back to
// plain ack-driven retry (spec §4.7.3), which runs unconditionally either
// way.
func TestAttachFECProfileDisabledPolicy(t *testing.T) {
	m := NewManager(wire.PeerID{1}, nil, nil, t.TempDir(), nil)

	eligible := &wire.Manifest{TotalChunks: fecEligibleMinChunks}
	m.attachFECProfile(eligible, ChunkBytesHighBW)
	if eligible.FECProfile != nil {
		t.Error("a fresh manager's policy starts disabled; no FECProfile should be attached")
	}
}

// wireManagersDroppingChunk is wireManagers plus a deterministic, permanent
// drop of one data chunk index in the sender-to-receiver direction — every
// attempt at that index, including retries, is lost. The only way the
// receiver can ever complete the transfer is FEC reconstruction.
func wireManagersDroppingChunk(a, b *Manager, dropIdx uint32) (Outbound, Outbound) {
	outA := func(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error {
		if msgType == wire.TypeFileChunk {
			if c, err := wire.DecodeChunk(payload); err == nil && c.ChunkIndex == dropIdx {
				return nil
			}
		}
		return b.HandleInbound(ctx, wire.PeerID{}, msgType, payload, time.Now())
	}
	outB := func(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error {
		return a.HandleInbound(ctx, wire.PeerID{}, msgType, payload, time.Now())
	}
	return outA, outB
}

// TestFECReconstructsPermanentlyDroppedChunk drives a real send/receive
// pair, through the manager's public API, for a transfer large enough to
// carry an FEC profile, with one data chunk's every transmission attempt
// dropped on the wire. Completion is only possible if handleParity's
// reconstruction path recovers the missing chunk and feeds it through
// handleChunk — plain retry alone can never deliver it.
func TestFECReconstructsPermanentlyDroppedChunk(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")

	// 39 full ChunkBytesHighBW chunks plus one short final chunk: 40 data
	// chunks, five groups of K=8, last group's final chunk exercises
	// chunkLength's trimming as well as a round group.
	content := make([]byte, 39*ChunkBytesHighBW+1234)
	for i := range content {
		content[i] = byte(i * 13)
	}
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	senderSelf := wire.PeerID{1}
	receiverSelf := wire.PeerID{2}
	sender := NewManager(senderSelf, nil, nil, filepath.Join(dir, "recv-sender"), nil)
	receiver := NewManager(receiverSelf, nil, nil, filepath.Join(dir, "recv-receiver"), nil)

	sender.fecPolicy.SetEnabled(true)
	sender.fecPolicy.SetParityShards(2)

	const dropIdx = 3 // inside the first group (indices 0-7)
	outToReceiver, outToSender := wireManagersDroppingChunk(sender, receiver, dropIdx)
	sender.outbound = outToReceiver
	receiver.outbound = outToSender

	src, err := blob.OpenFileSource(srcPath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}

	id, err := sender.QueueSend(context.Background(), src, "source.bin", receiverSelf, wire.PriorityNormal, ChunkBytesHighBW, 0, time.Now())
	if err != nil {
		t.Fatalf("QueueSend: %v", err)
	}

	senderSt := waitForStatus(t, sender, id, StatusCompleted, 5*time.Second)
	if senderSt.Total != ChunkCount(int64(len(content)), ChunkBytesHighBW) {
		t.Errorf("sender total = %d, want %d", senderSt.Total, ChunkCount(int64(len(content)), ChunkBytesHighBW))
	}

	recvSt := waitForStatus(t, receiver, id, StatusCompleted, 5*time.Second)
	got, err := os.ReadFile(recvSt.SinkURL)
	if err != nil {
		t.Fatalf("reading finalized file: %v", err)
	}
	if sha256.Sum256(got) != sha256.Sum256(content) {
		t.Error("finalized file content does not match the original source despite FEC recovery")
	}
}

// TestGroupSizeAtLastPartialGroup covers groupSizeAt's short-final-group
// case used by both emitParity and handleParity.
func TestGroupSizeAtLastPartialGroup(t *testing.T) {
	// K=8: with 40 total chunks group 0 is full; with 35 total chunks the
	// final group 4 (indices 32-34) holds only 3.
	if got := groupSizeAt(0, 8, 40); got != 8 {
		t.Errorf("full group size = %d, want 8", got)
	}
	if got := groupSizeAt(4, 8, 35); got != 3 {
		t.Errorf("partial final group size = %d, want 3", got)
	}
}

// TestChunkLengthMatchesReadChunk ensures chunkLength's last-chunk formula
// agrees with ReadChunk's own sizing, since FEC reconstruction relies on
// trimming a padded shard back to exactly what ReadChunk would have
// produced.
func TestChunkLengthMatchesReadChunk(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	fileSize := int64(3*1000 + 450)
	content := make([]byte, fileSize)
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	src, err := blob.OpenFileSource(srcPath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	defer src.Close()

	total := ChunkCount(fileSize, 1000)
	for idx := uint32(0); idx < total; idx++ {
		payload, _, err := ReadChunk(src, idx, 1000, uint64(fileSize))
		if err != nil {
			t.Fatalf("ReadChunk(%d): %v", idx, err)
		}
		if got := chunkLength(1000, uint64(fileSize), idx); got != len(payload) {
			t.Errorf("chunkLength(%d) = %d, want %d (ReadChunk's actual length)", idx, got, len(payload))
		}
	}
}
