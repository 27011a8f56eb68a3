package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/fec"
	"github.com/meshwire/meshcore/internal/wire"
)

// Outbound sends one protocol-level message (manifest, chunk, ack, or parity) to a
// peer. The caller (engine facade, C8) closes over session encryption and
// transport-dispatcher selection so this package never imports C3/C5
// directly — it only knows the wire shapes it must emit (see DESIGN.md).
type Outbound func(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error

// activeTransfer wraps the spec-mirroring State with the live orchestration
// handles a running transfer needs: its blob capability, pacing, in-flight
// bookkeeping, and FEC policy.
type activeTransfer struct {
	*State

	src  blob.Source // DirectionSend
	sink blob.Sink   // DirectionReceive

	fileName string // DirectionSend: for manifest re-emission on resume

	pacing time.Duration

	cond        *sync.Cond
	sentOnce    *Bitset  // send: chunks transmitted at least once
	outstanding uint32   // send: sent but not yet acked
	retryQueue  []uint32 // send: indices awaiting (re)transmission
	retryTimers map[uint32]*retryTimer

	fecPolicy *fec.AdaptivePolicy // send, high-bandwidth path only; nil otherwise
	fecGroup  *fecGroupState      // send: in-progress outgoing FEC group, if any

	nextUnsent uint32 // send: next never-yet-sent chunk index, ascending

	recvHash map[uint32][32]byte      // receive: hash of the first-accepted payload per index, for duplicate tie-break
	fecRecv  map[uint32]*recvFECGroup // receive: in-progress inbound FEC groups, by group index

	stop     chan struct{}
	stopOnce sync.Once
}

func (t *activeTransfer) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Manager is C7's engine: it owns every active transfer's state machine,
// the ≤3-concurrent admission queue (spec §4.7.4), and the plaintext chunk
// cache and resumable-metadata store shared across transfers.
type Manager struct {
	mu sync.Mutex

	selfMu sync.RWMutex
	self   wire.PeerID

	sink     Sink
	outbound Outbound

	incomingDir string
	store       *Store // optional; nil disables resumable persistence

	cas *CAS

	fecPolicy *fec.AdaptivePolicy // shared across transfers: learns mesh-wide loss history

	transfers map[ID]*activeTransfer
	pending   []*activeTransfer // admission queue: priority desc, then FIFO
	seq       uint64            // monotonic insertion counter for FIFO tie-break
	seqOf     map[ID]uint64
	running   int
}

func NewManager(self wire.PeerID, outbound Outbound, sink Sink, incomingDir string, store *Store) *Manager {
	return &Manager{
		self:        self,
		sink:        sink,
		outbound:    outbound,
		incomingDir: incomingDir,
		store:       store,
		cas:         NewCAS(),
		fecPolicy:   fec.NewAdaptivePolicy(fec.DefaultPolicyConfig()),
		transfers:   make(map[ID]*activeTransfer),
		seqOf:       make(map[ID]uint64),
	}
}

// SetSelf updates the peer_id QueueSend stamps new manifests with, so a
// rotation (spec §4.2) is picked up by the next outgoing transfer.
func (m *Manager) SetSelf(id wire.PeerID) {
	m.selfMu.Lock()
	m.self = id
	m.selfMu.Unlock()
}

func (m *Manager) selfID() wire.PeerID {
	m.selfMu.RLock()
	defer m.selfMu.RUnlock()
	return m.self
}

func (m *Manager) publish(e Event) {
	if m.sink != nil {
		m.sink.Publish(e)
	}
}

// QueueSend implements spec §4.8's queue_send: builds the manifest for src,
// admits the transfer immediately if the running set has room, otherwise
// queues it by priority then FIFO (spec §4.7.4). chunkBytes and pacing are
// supplied by the caller, which has already resolved the transport (C5)
// this peer will use.
func (m *Manager) QueueSend(ctx context.Context, src blob.Source, fileName string, peerID wire.PeerID, priority Priority, chunkBytes int, pacing time.Duration, now time.Time) (ID, error) {
	id, manifest, err := BuildManifest(src, fileName, chunkBytes, priority, m.selfID(), uint64(now.UnixMilli()))
	if err != nil {
		return ID{}, err
	}
	m.attachFECProfile(manifest, chunkBytes)

	t := &activeTransfer{
		State: &State{
			ID:            id,
			Manifest:      manifest,
			Direction:     DirectionSend,
			PeerID:        peerID,
			Priority:      priority,
			chunkBytes:    chunkBytes,
			acked:         NewBitset(manifest.TotalChunks),
			retryAttempts: make(map[uint32]uint8),
			failed:        make(map[uint32]bool),
			status:        Status{Kind: StatusPreparing, Total: manifest.TotalChunks},
			StartedAt:     now,
			LastActivity:  now,
		},
		src:         src,
		fileName:    fileName,
		pacing:      pacing,
		sentOnce:    NewBitset(manifest.TotalChunks),
		retryTimers: make(map[uint32]*retryTimer),
		stop:        make(chan struct{}),
	}
	// cond shares State's own mutex so a status check and a subsequent
	// Wait() are atomic with respect to any setStatus+Broadcast elsewhere
	// (see runSender's wait loops, which rely on this).
	t.cond = sync.NewCond(&t.mu)
	if manifest.FECProfile != nil {
		t.fecPolicy = m.fecPolicy
	}

	m.mu.Lock()
	m.transfers[id] = t
	m.seq++
	m.seqOf[id] = m.seq
	m.mu.Unlock()

	m.publish(Event{Kind: EventTransferEnqueued, ID: id})

	if m.store != nil {
		_ = m.store.SaveOutgoing(id, peerID, priority, manifest, NewBitset(manifest.TotalChunks).Bytes(), StatusPreparing, fileName, now)
	}

	m.admit(ctx, t, now)
	return id, nil
}

// admit either starts t immediately (room in the running set) or appends
// it to the priority-ordered pending queue.
func (m *Manager) admit(ctx context.Context, t *activeTransfer, now time.Time) {
	m.mu.Lock()
	if m.running >= MaxConcurrentTransfers {
		m.pending = append(m.pending, t)
		m.sortPendingLocked()
		m.mu.Unlock()
		return
	}
	m.running++
	m.mu.Unlock()

	m.startSend(ctx, t, now)
}

func (m *Manager) sortPendingLocked() {
	sort.SliceStable(m.pending, func(i, j int) bool {
		pi, pj := m.pending[i].Priority, m.pending[j].Priority
		if pi != pj {
			return pi > pj
		}
		return m.seqOf[m.pending[i].ID] < m.seqOf[m.pending[j].ID]
	})
}

// admitNextPending pops the highest-priority, oldest pending transfer, if
// any, and starts it when a running slot is free. It takes m.mu itself;
// callers must not hold it.
func (m *Manager) admitNextPending(ctx context.Context, now time.Time) {
	m.mu.Lock()
	if len(m.pending) == 0 || m.running >= MaxConcurrentTransfers {
		m.mu.Unlock()
		return
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	m.running++
	m.mu.Unlock()

	m.startSend(ctx, next, now)
}

// transferFinished releases a running slot and admits the next queued
// transfer, if terminal. Called when a transfer reaches Completed,
// Cancelled, or a non-retryable Failed.
func (m *Manager) transferFinished(ctx context.Context, t *activeTransfer) {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	m.admitNextPending(ctx, time.Now())
}

// Get returns a snapshot of a transfer's current status.
func (m *Manager) Get(id ID) (Status, bool) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return t.Status(), true
}

func (m *Manager) lookup(id ID) (*activeTransfer, error) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTransfer
	}
	return t, nil
}

// Pause implements spec §4.8's pause(transfer_id): suspends chunk emission
// without tearing down the state machine (spec §4.7.4).
func (m *Manager) Pause(id ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	st := t.Status()
	if st.Kind != StatusTransferring && st.Kind != StatusPreparing {
		return ErrAlreadyTerminal
	}
	var pausedAt uint32
	if t.Direction == DirectionSend {
		pausedAt = t.acked.Count()
	} else if t.completed != nil {
		pausedAt = t.completed.Count()
	}
	t.setStatus(Status{Kind: StatusPaused, Total: st.Total, PausedAt: pausedAt})
	if t.cond != nil {
		t.cond.Broadcast()
	}
	m.publish(Event{Kind: EventTransferPaused, ID: id})
	return nil
}

// Resume implements spec §4.8's resume(transfer_id): re-enumerates
// missing = {0..total} \ acked and re-emits those chunks only (spec
// §4.7.4). Also the mechanism spec §4.7.5 uses to recover a transfer from
// Failed{retryable=true} on peer reconnection.
func (m *Manager) Resume(id ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	st := t.Status()
	if st.Kind != StatusPaused && !(st.Kind == StatusFailed && st.Retryable) {
		return ErrAlreadyTerminal
	}
	if t.Direction == DirectionSend {
		t.setStatus(Status{Kind: StatusTransferring, Total: st.Total, Received: t.acked.Count()})
		for _, idx := range t.acked.Missing() {
			t.enqueueRetransmit(idx)
		}
		t.cond.Broadcast()
	} else {
		t.setStatus(Status{Kind: StatusTransferring, Total: st.Total, Received: t.completed.Count()})
	}
	m.publish(Event{Kind: EventTransferResumed, ID: id})
	return nil
}

// Cancel implements spec §4.8's cancel(transfer_id): flushes pending sends,
// cancels retry timers, frees chunk buffers synchronously (spec §5).
func (m *Manager) Cancel(id ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	st := t.Status()
	if st.Kind == StatusCompleted || st.Kind == StatusCancelled {
		return ErrAlreadyTerminal
	}
	t.cancelAllRetries()
	if t.sink != nil {
		_ = t.sink.Abort()
	}
	t.setStatus(Status{Kind: StatusCancelled, Total: st.Total})
	t.signalStop()
	t.cond.Broadcast()
	if m.store != nil {
		_ = m.store.DeleteOutgoing(id)
	}
	if t.Direction == DirectionSend {
		m.transferFinished(context.Background(), t)
	}
	return nil
}

// Retry implements spec §4.8's retry(transfer_id): clears a
// Failed{retryable=true} transfer's per-chunk retry state and resumes its
// existing state machine — the transfer never left the running set while
// Failed, so no re-admission through the queue is needed.
func (m *Manager) Retry(id ID) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	st := t.Status()
	if st.Kind != StatusFailed || !st.Retryable {
		return ErrAlreadyTerminal
	}
	t.State.mu.Lock()
	for idx := range t.retryAttempts {
		delete(t.retryAttempts, idx)
	}
	t.failed = make(map[uint32]bool)
	t.State.mu.Unlock()
	return m.Resume(id)
}

// PeerConnected resumes any transfer with peer p in Paused or
// Failed{retryable} (spec §4.7.5).
func (m *Manager) PeerConnected(ctx context.Context, p wire.PeerID, now time.Time) {
	m.mu.Lock()
	var toResume []ID
	for id, t := range m.transfers {
		if t.PeerID != p {
			continue
		}
		st := t.Status()
		if st.Kind == StatusPaused || (st.Kind == StatusFailed && st.Retryable) {
			toResume = append(toResume, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toResume {
		t, _ := m.lookup(id)
		if t == nil {
			continue
		}
		t.State.mu.Lock()
		t.failed = make(map[uint32]bool)
		for idx := range t.retryAttempts {
			delete(t.retryAttempts, idx)
		}
		t.State.mu.Unlock()
		_ = m.Resume(id)
	}
}

// PeerDisconnected pauses any active transfer with peer p and cancels its
// pending retransmit timers (spec §4.7.5).
func (m *Manager) PeerDisconnected(p wire.PeerID, now time.Time) {
	m.mu.Lock()
	var ids []ID
	for id, t := range m.transfers {
		if t.PeerID != p {
			continue
		}
		st := t.Status()
		if st.Kind == StatusTransferring || st.Kind == StatusPreparing {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		t, _ := m.lookup(id)
		if t == nil {
			continue
		}
		t.cancelAllRetries()
		st := t.Status()
		var pausedAt uint32
		if t.Direction == DirectionSend {
			pausedAt = t.acked.Count()
		} else if t.completed != nil {
			pausedAt = t.completed.Count()
		}
		t.setStatus(Status{Kind: StatusPaused, Total: st.Total, PausedAt: pausedAt})
		t.cond.Broadcast()
		m.publish(Event{Kind: EventTransferPaused, ID: id})
	}
}

// HandleInbound dispatches a decrypted, decoded protocol message to the
// receive-side handler (manifest, chunk) or send-side handler (ack),
// depending on which direction this node plays for the file_id involved.
func (m *Manager) HandleInbound(ctx context.Context, senderPeerID wire.PeerID, msgType wire.MessageType, payload []byte, now time.Time) error {
	switch msgType {
	case wire.TypeFileManifest:
		manifest, err := wire.DecodeManifest(payload)
		if err != nil {
			return fmt.Errorf("transfer: decoding inbound manifest: %w", err)
		}
		return m.handleManifest(ctx, senderPeerID, manifest, now)
	case wire.TypeFileChunk:
		chunk, err := wire.DecodeChunk(payload)
		if err != nil {
			return fmt.Errorf("transfer: decoding inbound chunk: %w", err)
		}
		return m.handleChunk(ctx, chunk, now)
	case wire.TypeFileAck:
		ack, err := wire.DecodeAck(payload)
		if err != nil {
			return fmt.Errorf("transfer: decoding inbound ack: %w", err)
		}
		return m.handleAck(ctx, ack, now)
	case wire.TypeFileParity:
		parity, err := wire.DecodeParity(payload)
		if err != nil {
			return fmt.Errorf("transfer: decoding inbound parity: %w", err)
		}
		return m.handleParity(ctx, parity, now)
	default:
		return nil
	}
}
