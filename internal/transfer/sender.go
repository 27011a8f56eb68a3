package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwire/meshcore/internal/wire"
)

// startSend emits the initial file_manifest and launches the paced chunk
// emission loop (spec §4.7 sender steps 1-3).
func (m *Manager) startSend(ctx context.Context, t *activeTransfer, now time.Time) {
	payload, err := t.Manifest.Encode()
	if err != nil {
		m.failTransfer(ctx, t, "manifest encode failed", false)
		return
	}
	_ = m.outbound(ctx, t.PeerID, wire.TypeFileManifest, payload)
	go m.runSender(ctx, t)
}

// runSender drives one outgoing transfer's state machine from Preparing
// through Transferring to a terminal state, honoring pause/resume and the
// outstanding-chunk backpressure window (spec §4.7, §5).
func (m *Manager) runSender(ctx context.Context, t *activeTransfer) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-t.stop:
		return
	}

	if st := t.Status(); st.Kind == StatusPreparing {
		t.setStatus(Status{Kind: StatusTransferring, Total: t.Manifest.TotalChunks, Received: t.acked.Count()})
		m.publish(Event{Kind: EventTransferStarted, ID: t.ID})
	}

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		st := t.Status()
		switch st.Kind {
		case StatusCancelled, StatusCompleted:
			return
		case StatusFailed:
			if !st.Retryable {
				return
			}
			t.cond.L.Lock()
			for t.status.Kind == StatusFailed {
				t.cond.Wait()
			}
			t.cond.L.Unlock()
			continue
		case StatusPaused:
			t.cond.L.Lock()
			for t.status.Kind == StatusPaused {
				t.cond.Wait()
			}
			t.cond.L.Unlock()
			continue
		}

		if t.acked.Complete() {
			m.completeSend(ctx, t)
			return
		}

		idx, ok, stillTransferring := t.waitForNextToSend()
		if !stillTransferring {
			continue // status moved on (Paused/Failed/Cancelled); let the top of the loop handle it
		}
		if !ok {
			m.completeSend(ctx, t)
			return
		}

		m.sendChunk(ctx, t, idx)

		if t.pacing > 0 {
			select {
			case <-time.After(t.pacing):
			case <-t.stop:
				return
			}
		}
	}
}

func (m *Manager) completeSend(ctx context.Context, t *activeTransfer) {
	t.setStatus(Status{Kind: StatusCompleted, Total: t.Manifest.TotalChunks, Received: t.Manifest.TotalChunks})
	m.publish(Event{Kind: EventTransferCompleted, ID: t.ID})
	if m.store != nil {
		_ = m.store.DeleteOutgoing(t.ID)
	}
	m.transferFinished(ctx, t)
}

// tryNextToSendLocked is nextToSend's body, callable only while cond.L is
// already held (used by waitForNextToSend to check-then-wait atomically).
func (t *activeTransfer) tryNextToSendLocked() (uint32, bool) {
	if len(t.retryQueue) > 0 {
		idx := t.retryQueue[0]
		t.retryQueue = t.retryQueue[1:]
		return idx, true
	}
	if t.outstanding >= MaxOutstandingChunks {
		return 0, false
	}
	if t.nextUnsent < t.Manifest.TotalChunks {
		idx := t.nextUnsent
		t.nextUnsent++
		t.sentOnce.Set(idx)
		t.outstanding++
		return idx, true
	}
	return 0, false
}

// waitForNextToSend blocks until there is a chunk to (re)transmit, the
// transfer's acked set goes complete, or the status moves off Transferring
// (Pause/Cancel/Fail). The check and the Wait() share cond.L throughout, so
// a Broadcast racing the decision to wait can never be missed (unlike a
// separate check-then-lock-then-wait sequence would allow).
func (t *activeTransfer) waitForNextToSend() (idx uint32, ok bool, stillTransferring bool) {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	for {
		if t.status.Kind != StatusTransferring {
			return 0, false, false
		}
		if t.acked.Complete() {
			return 0, false, true
		}
		if i, got := t.tryNextToSendLocked(); got {
			return i, true, true
		}
		t.cond.Wait()
	}
}

func (t *activeTransfer) enqueueRetransmit(idx uint32) {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	if t.acked.Has(idx) {
		return
	}
	for _, q := range t.retryQueue {
		if q == idx {
			return
		}
	}
	t.retryQueue = append(t.retryQueue, idx)
}

func (t *activeTransfer) decrementOutstanding() {
	t.cond.L.Lock()
	if t.outstanding > 0 {
		t.outstanding--
	}
	t.cond.L.Unlock()
}

func (t *activeTransfer) cancelRetryTimer(idx uint32) {
	t.cond.L.Lock()
	if timer, ok := t.retryTimers[idx]; ok {
		timer.cancel()
		delete(t.retryTimers, idx)
	}
	t.cond.L.Unlock()
}

func (t *activeTransfer) cancelAllRetries() {
	t.cond.L.Lock()
	for idx, timer := range t.retryTimers {
		timer.cancel()
		delete(t.retryTimers, idx)
	}
	t.retryQueue = nil
	t.cond.L.Unlock()
}

// sendChunk reads, hashes, and transmits one chunk. The plaintext payload
// is also stored in the shared CAS; the cache is not consulted here, so
// every call reads the chunk from the source.
func (m *Manager) sendChunk(ctx context.Context, t *activeTransfer, idx uint32) {
	payload, hash, err := ReadChunk(t.src, idx, t.chunkBytes, t.Manifest.FileSize)
	if err != nil {
		m.failTransfer(ctx, t, fmt.Sprintf("chunk %d unreadable", idx), false)
		return
	}
	m.cas.Put(Key(payload), payload)

	c := &wire.Chunk{
		FileID:     t.Manifest.FileID,
		ChunkIndex: idx,
		ChunkHash:  hash,
		IsLast:     idx == t.Manifest.TotalChunks-1,
		Payload:    payload,
	}
	encoded, err := c.Encode()
	if err != nil {
		m.failTransfer(ctx, t, fmt.Sprintf("chunk %d encode failed", idx), false)
		return
	}
	_ = m.outbound(ctx, t.PeerID, wire.TypeFileChunk, encoded)

	if t.fecPolicy != nil {
		m.feedFECGroup(ctx, t, idx, payload)
	}
}

// failTransfer moves t to Failed. A retryable failure leaves the running
// slot occupied: runSender parks in a cond.Wait loop until Resume/Retry
// reactivates it (spec §4.7.5). A non-retryable failure is terminal: the
// slot is released immediately.
func (m *Manager) failTransfer(ctx context.Context, t *activeTransfer, reason string, retryable bool) {
	t.cancelAllRetries()
	st := t.Status()
	t.setStatus(Status{Kind: StatusFailed, Total: st.Total, Reason: reason, Retryable: retryable})
	if t.cond != nil {
		t.cond.Broadcast()
	}
	m.publish(Event{Kind: EventTransferFailed, ID: t.ID, Reason: reason, Retryable: retryable})
	if !retryable {
		if m.store != nil {
			_ = m.store.DeleteOutgoing(t.ID)
		}
		t.signalStop()
		if t.Direction == DirectionSend {
			m.transferFinished(ctx, t)
		}
	}
}

// scheduleRetransmit implements spec §4.7.3's per-chunk retry budget: on
// exhaustion (5 attempts) the whole transfer fails; otherwise the chunk is
// re-enqueued after an exponential-backoff-with-jitter delay. A chunk with
// a retry timer already pending is left alone — repeated ack snapshots
// naming the same still-in-flight chunk as missing must not each consume a
// retry attempt, only a genuine timeout does.
func (m *Manager) scheduleRetransmit(t *activeTransfer, idx uint32) {
	t.cond.L.Lock()
	if _, pending := t.retryTimers[idx]; pending {
		t.cond.L.Unlock()
		return
	}
	t.cond.L.Unlock()

	t.State.mu.Lock()
	attempts := t.retryAttempts[idx]
	if attempts >= MaxChunkAttempts {
		t.State.mu.Unlock()
		m.failTransfer(context.Background(), t, fmt.Sprintf("chunk %d exhausted", idx), true)
		return
	}
	t.retryAttempts[idx] = attempts + 1
	t.State.mu.Unlock()

	delay := BackoffDelay(attempts)
	timer := scheduleAfter(delay, func() {
		t.cond.L.Lock()
		delete(t.retryTimers, idx)
		t.cond.L.Unlock()
		t.enqueueRetransmit(idx)
		t.cond.Broadcast()
	})

	t.cond.L.Lock()
	t.retryTimers[idx] = timer
	t.cond.L.Unlock()
}

// handleAck applies an inbound ack to the outgoing transfer it names (spec
// §4.7 sender step 4). Completion is driven by the acked bitset reaching
// total, observed by runSender, not by the ack's transfer_complete flag —
// that flag only needs to wake a sender already parked waiting for work.
func (m *Manager) handleAck(ctx context.Context, ack *wire.Ack, now time.Time) error {
	var id ID
	copy(id[:], ack.FileID[:])
	t, err := m.lookup(id)
	if err != nil || t.Direction != DirectionSend {
		return nil // unknown file_id: ignored per spec §4.7.6
	}
	t.touch(now)

	for _, idx := range ack.Acked {
		if !t.acked.Has(idx) {
			t.acked.Set(idx)
			t.cancelRetryTimer(idx)
			t.decrementOutstanding()
		}
	}

	if st := t.Status(); st.Kind == StatusTransferring {
		total := t.Manifest.TotalChunks
		frac := 1.0
		if total > 0 {
			frac = float64(t.acked.Count()) / float64(total)
		}
		t.setStatus(Status{Kind: StatusTransferring, Total: total, Received: t.acked.Count()})
		m.publish(Event{Kind: EventTransferProgress, ID: id, Fraction: frac})
	}

	attemptedMissing := 0
	for _, idx := range ack.Missing {
		// Only a chunk already attempted at least once is a real loss to
		// retry; most "missing" entries in an early ack snapshot are simply
		// chunks the sender hasn't reached yet.
		if t.sentOnce.Has(idx) {
			m.scheduleRetransmit(t, idx)
			attemptedMissing++
		}
	}
	recordLossSample(m.fecPolicy, len(ack.Acked), attemptedMissing)

	if ack.Pause {
		_ = m.Pause(id)
	}
	if ack.Cancel {
		_ = m.Cancel(id)
	}

	t.cond.Broadcast()
	return nil
}
