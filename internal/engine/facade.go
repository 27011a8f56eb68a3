package engine

import (
	"context"
	"time"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

// constrainedPacing is spec §5's 100ms-per-frame backpressure on the
// low-bandwidth path; the high-bandwidth path paces itself via
// MaxOutstandingChunks instead (internal/transfer).
const constrainedPacing = 100 * time.Millisecond

// QueueSend implements spec §4.8's queue_send(blob, peer_id, priority):
// it resolves the transport this peer will use (spec §4.5) before handing
// the manifest build off to the transfer engine, so C7 never has to know
// about C5's selection policy.
func (e *Engine) QueueSend(ctx context.Context, src blob.Source, fileName string, peerID wire.PeerID, priority wire.Priority, now time.Time) (transfer.ID, error) {
	size, err := src.Size()
	if err != nil {
		return transfer.ID{}, err
	}

	kind, err := e.dispatcher.SelectTransport(peerID, int(size))
	if err != nil {
		return transfer.ID{}, err
	}

	chunkBytes := e.cfg.ConstrainedChunkBytes
	pacing := constrainedPacing
	if kind == transport.HighBW {
		chunkBytes = e.cfg.HighBandwidthChunkBytes
		pacing = 0
	}

	if _, ok := e.sessions.Get(peerID); !ok {
		e.initiateHandshake(ctx, peerID, now)
	}

	return e.transfers.QueueSend(ctx, src, fileName, peerID, priority, chunkBytes, pacing, now)
}

func (e *Engine) Pause(id transfer.ID) error  { return e.transfers.Pause(id) }
func (e *Engine) Resume(id transfer.ID) error { return e.transfers.Resume(id) }
func (e *Engine) Cancel(id transfer.ID) error { return e.transfers.Cancel(id) }
func (e *Engine) Retry(id transfer.ID) error  { return e.transfers.Retry(id) }

// Status returns a transfer's current state, for a synchronous poll
// alongside the observe() stream.
func (e *Engine) Status(id transfer.ID) (transfer.Status, bool) {
	return e.transfers.Get(id)
}

// Observe implements spec §4.8's observe() -> event_stream. The returned
// cancel func must be called once the caller is done reading, to release
// the subscription's channel.
func (e *Engine) Observe() (<-chan Event, func()) {
	return e.bus.Subscribe(e.cfg.EventBufferSize)
}

// Peers implements spec §4.8's peers() -> snapshot.
func (e *Engine) Peers() []PeerSnapshot {
	return e.peers.Snapshot()
}

// DispatcherStats exposes the per-transport statistics spec §6's
// snapshot() recommendation asks for, alongside Peers and active transfers.
func (e *Engine) DispatcherStats(kind transport.Kind) transport.Stats {
	return e.dispatcher.StatsFor(kind)
}

// EmergencyWipe implements spec §4.3.4's emergency_wipe: every session and
// its symmetric key are destroyed immediately.
func (e *Engine) EmergencyWipe() {
	e.sessions.EmergencyWipe()
}

// EmergencyRotate implements spec §4.2's emergency_rotate: it collapses the
// peer-id rotation window to [1min,5min] for every subsequent scheduled
// rotation and triggers one immediately.
func (e *Engine) EmergencyRotate(ctx context.Context, now time.Time) {
	e.selfMu.Lock()
	e.emergencyRotation = true
	e.selfMu.Unlock()
	e.rotateIdentity(ctx, now)
}
