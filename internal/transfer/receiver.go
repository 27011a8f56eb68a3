package transfer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/wire"
)

// handleManifest allocates receive-side state for an unseen file_id and
// replies with an initial, all-missing ack (spec §4.7 receiver step 1). A
// manifest for an already-known file_id just re-sends the current ack
// snapshot, covering the case where the sender's first manifest frame was
// lost.
func (m *Manager) handleManifest(ctx context.Context, senderPeerID wire.PeerID, manifest *wire.Manifest, now time.Time) error {
	var id ID
	copy(id[:], manifest.FileID[:])

	if t, err := m.lookup(id); err == nil {
		m.sendAckSnapshot(ctx, t, now)
		return nil
	}

	total := manifest.TotalChunks
	t := &activeTransfer{
		State: &State{
			ID:           id,
			Manifest:     manifest,
			Direction:    DirectionReceive,
			PeerID:       senderPeerID,
			Priority:     manifest.Priority,
			chunkBytes:   chunkBytesFor(manifest),
			completed:    NewBitset(total),
			retryAttempts: make(map[uint32]uint8),
			failed:        make(map[uint32]bool),
			status:        Status{Kind: StatusPreparing, Total: total, OversizeWarning: manifest.FileSize > RecommendedMaxBytes},
			StartedAt:     now,
			LastActivity:  now,
		},
		recvHash: make(map[uint32][32]byte),
		stop:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	if total > 0 {
		sink, err := blob.CreateFileSink(m.incomingDir, fmt.Sprintf("%x", manifest.FileID))
		if err != nil {
			return fmt.Errorf("transfer: creating incoming sink: %w", err)
		}
		t.sink = sink
	}

	m.mu.Lock()
	m.transfers[id] = t
	m.seq++
	m.seqOf[id] = m.seq
	m.mu.Unlock()

	m.publish(Event{Kind: EventTransferEnqueued, ID: id})
	t.setStatus(Status{Kind: StatusTransferring, Total: total, OversizeWarning: t.Status().OversizeWarning})
	m.publish(Event{Kind: EventTransferStarted, ID: id})

	if total == 0 {
		m.finishReceive(ctx, t, now)
		return nil
	}

	m.sendAckSnapshot(ctx, t, now)
	return nil
}

// chunkBytesFor recovers the chunk size the sender used for reassembly
// offsets. The manifest (spec §3) carries total_chunks and file_size but
// not chunk_size directly, so the receiver checks which of the two
// standard classes (spec §3's CHUNK_BYTES) reproduces the declared
// total_chunks via the same ceiling-division formula the sender used. A
// single-chunk file is ambiguous between the two but harmless: index 0
// always starts at offset 0 regardless of which constant is chosen.
func chunkBytesFor(manifest *wire.Manifest) int {
	if manifest.TotalChunks <= 1 {
		return ChunkBytesConstrained
	}
	if ChunkCount(int64(manifest.FileSize), ChunkBytesConstrained) == manifest.TotalChunks {
		return ChunkBytesConstrained
	}
	return ChunkBytesHighBW
}

// handleChunk verifies, stores, and acks one inbound chunk (spec §4.7
// receiver step 2, §4.7.6 duplicate/corruption tie-breaks).
func (m *Manager) handleChunk(ctx context.Context, chunk *wire.Chunk, now time.Time) error {
	var id ID
	copy(id[:], chunk.FileID[:])
	t, err := m.lookup(id)
	if err != nil || t.Direction != DirectionReceive {
		return nil // unknown file_id: ignored per spec §4.7.6
	}
	t.touch(now)

	if st := t.Status(); st.Kind != StatusTransferring && st.Kind != StatusPreparing {
		return nil // paused/cancelled/terminal: drop silently
	}

	actualHash := ChunkHash(chunk.Payload)

	t.State.mu.Lock()
	existingHash, seen := t.recvHash[chunk.ChunkIndex]
	t.State.mu.Unlock()

	if seen {
		if existingHash == actualHash {
			m.sendAckSnapshot(ctx, t, now) // re-ack; sender's copy may have been lost
		}
		// else: differs from the first-accepted copy — drop the newcomer, keep the first.
		return nil
	}

	if actualHash != chunk.ChunkHash {
		// Corrupted in transit: drop without storing: it stays in Missing
		// and the next ack requests a retransmission.
		m.sendAckSnapshot(ctx, t, now)
		return nil
	}

	if t.sink != nil {
		offset := int64(chunk.ChunkIndex) * int64(t.chunkBytes)
		if err := t.sink.WriteRange(offset, chunk.Payload); err != nil {
			return fmt.Errorf("transfer: writing chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	t.State.mu.Lock()
	t.recvHash[chunk.ChunkIndex] = actualHash
	t.State.mu.Unlock()
	t.completed.Set(chunk.ChunkIndex)

	total := t.Manifest.TotalChunks
	frac := 1.0
	if total > 0 {
		frac = float64(t.completed.Count()) / float64(total)
	}
	m.publish(Event{Kind: EventTransferProgress, ID: id, Fraction: frac})

	if t.completed.Complete() {
		m.finishReceive(ctx, t, now)
		return nil
	}

	m.sendAckSnapshot(ctx, t, now)
	return nil
}

// finishReceive runs once a receive-direction transfer's bitset is
// complete: it re-reads the assembled bytes in index order, re-verifies
// the whole-file SHA-256 against the manifest (spec §4.7 receiver step 3),
// and finalizes or fails accordingly.
func (m *Manager) finishReceive(ctx context.Context, t *activeTransfer, now time.Time) {
	st := t.Status()

	if t.Manifest.FileSize == 0 {
		t.setStatus(Status{Kind: StatusCompleted, Total: st.Total, SinkURL: ""})
		m.publish(Event{Kind: EventTransferCompleted, ID: t.ID})
		m.sendAckSnapshot(ctx, t, now)
		t.signalStop()
		return
	}

	sum, err := hashSinkContents(t.sink, t.Manifest.FileSize)
	if err != nil || sum != t.Manifest.SHA256 {
		if t.sink != nil {
			_ = t.sink.Abort()
		}
		t.setStatus(Status{Kind: StatusFailed, Total: st.Total, Reason: "integrity", Retryable: true})
		m.publish(Event{Kind: EventTransferFailed, ID: t.ID, Reason: "integrity", Retryable: true})
		return
	}

	finalPath := filepath.Join(m.incomingDir, "complete", fmt.Sprintf("%x-%s", t.Manifest.FileID, filepath.Base(t.Manifest.FileName)))
	if err := t.sink.Finalize(finalPath); err != nil {
		t.setStatus(Status{Kind: StatusFailed, Total: st.Total, Reason: "finalize failed", Retryable: true})
		m.publish(Event{Kind: EventTransferFailed, ID: t.ID, Reason: "finalize failed", Retryable: true})
		return
	}

	t.setStatus(Status{Kind: StatusCompleted, Total: st.Total, SinkURL: finalPath})
	m.publish(Event{Kind: EventTransferCompleted, ID: t.ID, SinkURL: finalPath})
	m.sendAckSnapshot(ctx, t, now)
	t.signalStop()
}

func hashSinkContents(sink blob.Sink, size uint64) ([32]byte, error) {
	var zero [32]byte
	src, err := blob.OpenFileSource(sink.Path())
	if err != nil {
		return zero, err
	}
	defer src.Close()

	h := sha256.New()
	const window = 1 << 20
	var offset int64
	for uint64(offset) < size {
		n := window
		if remaining := int64(size) - offset; int64(n) > remaining {
			n = int(remaining)
		}
		buf, err := src.ReadRange(offset, n)
		if err != nil {
			return zero, err
		}
		if len(buf) == 0 {
			break
		}
		h.Write(buf)
		offset += int64(len(buf))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// sendAckSnapshot emits a fresh file_ack reflecting this transfer's current
// completed/missing bitset (spec §4.7 receiver step 2).
func (m *Manager) sendAckSnapshot(ctx context.Context, t *activeTransfer, now time.Time) {
	total := t.Manifest.TotalChunks
	var acked, missing []uint32
	var bitmap []byte
	if total > 0 {
		acked = t.completed.Present()
		missing = t.completed.Missing()
		bitmap = t.completed.Bytes()
	}
	ack := &wire.Ack{
		FileID:           t.Manifest.FileID,
		AckID:            uuid.New(),
		ReceiverID:       m.selfID(),
		Acked:            acked,
		Missing:          missing,
		Bitmap:           bitmap,
		TransferComplete: total == 0 || t.completed.Complete(),
		TotalReceived:    t.completed.Count(),
		TimestampMs:      uint64(now.UnixMilli()),
	}
	payload, err := ack.Encode()
	if err != nil {
		return
	}
	_ = m.outbound(ctx, t.PeerID, wire.TypeFileAck, payload)
}
