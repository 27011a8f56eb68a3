// Package engine is C8, the facade: it owns no protocol logic of its own
// and instead wires identity (C2), the session layer (C3), the radio
// abstraction (C4), the transport dispatcher (C5), the mesh router (C6),
// and the transfer engine (C7) into the single `queue_send` / `pause` /
// `resume` / `cancel` / `retry` / `observe` / `peers` surface of spec
// §4.8. Grounded on the teacher's daemon/service package for the
// orchestration-layer shape (one struct gluing managers together, plain
// methods rather than an actor framework) and on daemon/service/events.go
// for the publish/subscribe event plumbing (see events.go).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/config"
	"github.com/meshwire/meshcore/internal/identity"
	"github.com/meshwire/meshcore/internal/meshrouter"
	"github.com/meshwire/meshcore/internal/observability"
	"github.com/meshwire/meshcore/internal/radio"
	"github.com/meshwire/meshcore/internal/session"
	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

// Engine is the long-lived object cmd/meshd constructs once at startup.
type Engine struct {
	cfg *config.Config
	log *observability.Logger

	selfMu            sync.RWMutex
	self              wire.PeerID
	emergencyRotation bool

	identity   *identity.Manager
	sessions   *session.Manager
	dispatcher *transport.Dispatcher
	router     *meshrouter.Router
	transfers  *transfer.Manager

	bus   *Bus
	peers *peerTable

	backends map[transport.Kind]radio.Backend

	workers chan struct{}
	stop    chan struct{}
}

// Self returns the peer_id this node currently identifies as, safe to call
// concurrently with a background rotation (spec §4.2).
func (e *Engine) Self() wire.PeerID {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	return e.self
}

func (e *Engine) setSelf(id wire.PeerID) {
	e.selfMu.Lock()
	e.self = id
	e.selfMu.Unlock()
}

// New assembles the engine from its already-constructed capabilities.
// Radio backends are registered separately via RegisterBackend before
// Start, since their concrete wiring (QUIC certs, constrained-radio
// device handles) is a deployment concern, not the facade's.
func New(cfg *config.Config, idMgr *identity.Manager, log *observability.Logger, fwdQueue *meshrouter.StoreForwardQueue, store *transfer.Store) (*Engine, error) {
	self := idMgr.CurrentPeerID()
	dispatcher := transport.NewDispatcher()
	peers := newPeerTable()

	e := &Engine{
		cfg:        cfg,
		log:        log,
		self:       self,
		identity:   idMgr,
		sessions:   session.NewManager(),
		dispatcher: dispatcher,
		bus:        NewBus(),
		peers:      peers,
		backends:   make(map[transport.Kind]radio.Backend),
		workers:    make(chan struct{}, cfg.WorkerCount),
		stop:       make(chan struct{}),
	}

	e.router = meshrouter.NewRouter(self, dispatcher, fwdQueue, idMgr.LookupFingerprint, peers.reachableIDs)
	e.transfers = transfer.NewManager(self, e.outbound, &transferSink{bus: e.bus}, cfg.IncomingDir, store)

	return e, nil
}

// RegisterBackend attaches a radio backend the dispatcher will consider
// for outbound sends and the engine will drain inbound events from.
func (e *Engine) RegisterBackend(kind transport.Kind, b radio.Backend) {
	e.dispatcher.RegisterBackend(kind, b)
	e.backends[kind] = b
}

// Start launches the three mandatory long-running tasks of spec §5: one
// inbound-frame loop per registered backend (feeding the dispatcher/router
// path), and the session-housekeeping loop. The transfer engine's own
// per-transfer goroutines (started by QueueSend/handleManifest) are C7's
// loop (b); there is no separate dispatch loop to start for it here.
func (e *Engine) Start(ctx context.Context) {
	for kind, backend := range e.backends {
		go e.runBackendLoop(ctx, kind, backend)
	}
	go e.runHousekeeping(ctx)
}

// Stop signals every loop to exit. It does not tear down in-flight
// transfers; callers that want a clean shutdown should Cancel them first.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
}

func (e *Engine) runBackendLoop(ctx context.Context, kind transport.Kind, backend radio.Backend) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case ev, ok := <-backend.Events():
			if !ok {
				return
			}
			e.handleRadioEvent(ctx, kind, ev)
		}
	}
}

// handleRadioEvent dispatches one of the four backend event kinds (spec
// §4.4). FrameReceived work is handed to the bounded worker pool so a slow
// decrypt/route/transfer-handle never stalls the backend's own read loop.
func (e *Engine) handleRadioEvent(ctx context.Context, kind transport.Kind, ev radio.Event) {
	now := time.Now()
	switch ev.Kind {
	case radio.EventPeerDiscovered:
		e.dispatcher.MarkReachable(ev.PeerID, kind)
		e.peers.discovered(ev.PeerID, kind, ev.LinkQuality, now)
		e.dispatcher.SetPeerCapabilities(ev.PeerID, e.peers.transportsOf(ev.PeerID))
		e.bus.Publish(Event{Kind: EventPeerDiscovered, PeerID: ev.PeerID})
		if _, ok := e.sessions.Get(ev.PeerID); !ok {
			e.initiateHandshake(ctx, ev.PeerID, now)
		}
		e.transfers.PeerConnected(ctx, ev.PeerID, now)
		if n, err := e.router.DrainForPeer(ctx, ev.PeerID, now); err == nil && n > 0 {
			e.log.Info(fmt.Sprintf("drained %d store-and-forward frame(s) for reappeared peer", n))
		}
	case radio.EventPeerLost:
		e.dispatcher.MarkUnreachable(ev.PeerID, kind)
		e.peers.lost(ev.PeerID, kind)
		e.bus.Publish(Event{Kind: EventPeerLost, PeerID: ev.PeerID})
		e.transfers.PeerDisconnected(ev.PeerID, now)
	case radio.EventFrameReceived:
		e.dispatcher.RecordReceived(kind, len(ev.Frame))
		frameBytes := ev.Frame
		e.submit(func() { e.handleInboundFrame(ctx, frameBytes, now) })
	case radio.EventAvailabilityChanged:
		e.log.Debug(fmt.Sprintf("transport %s availability changed to %v", kind, ev.Available))
	}
}

// submit runs task on the bounded worker pool (spec §5's shared worker
// pool), blocking the caller only if every slot is busy.
func (e *Engine) submit(task func()) {
	select {
	case e.workers <- struct{}{}:
	case <-e.stop:
		return
	}
	go func() {
		defer func() { <-e.workers }()
		task()
	}()
}

// runHousekeeping drives spec §5's mandatory per-session and per-node
// timers: the 5s sweep retires expired handshakes and idle sessions and
// initiates any session's due timed rekey, while a separately-scheduled
// timer fires peer-id rotation at a randomized interval (spec §4.2).
// Store-and-forward drain is event-driven off peer reappearance
// (handleRadioEvent's EventPeerDiscovered case), not ticked here.
func (e *Engine) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	rotateTimer := time.NewTimer(identity.NextRotationInterval(e.isEmergencyRotation()))
	defer rotateTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.sessions.SweepExpiredHandshakes(now)
			e.sessions.SweepIdleSessions(now)
			e.tickRekeys(ctx, now)
		case now := <-rotateTimer.C:
			e.rotateIdentity(ctx, now)
			rotateTimer.Reset(identity.NextRotationInterval(e.isEmergencyRotation()))
		}
	}
}

// tickRekeys initiates spec §4.3.1's 60s timed rekey for every session due
// for one, emitting the rekey_request frame the peer's responder side
// completes (handleRekeyRequest/handleRekeyResponse).
func (e *Engine) tickRekeys(ctx context.Context, now time.Time) {
	for _, peerID := range e.sessions.DueForRekey(now) {
		ephPub, err := e.sessions.BeginRekey(peerID, now)
		if err != nil {
			continue
		}
		e.sendRekeyRequest(ctx, peerID, ephPub)
	}
}

// rotateIdentity performs one peer-id rotation (spec §4.2): it re-keys the
// identity layer, propagates the new self atomically to the router and
// transfer engine, publishes the rotation as a facade event, and announces
// the new identity to every currently-reachable peer so their {peer_id ->
// long_term_public} map stays current (scenario S6).
func (e *Engine) rotateIdentity(ctx context.Context, now time.Time) {
	rotated, err := e.identity.RotatePeerID()
	if err != nil {
		e.log.Debug(fmt.Sprintf("identity rotation failed: %v", err))
		return
	}
	e.setSelf(rotated.New)
	e.router.SetSelf(rotated.New)
	e.transfers.SetSelf(rotated.New)
	e.bus.Publish(Event{Kind: EventPeerIdRotated, PeerID: rotated.New, OldPeerID: rotated.Old})
	for _, peerID := range e.peers.reachableIDs() {
		e.sendIdentityAnnounce(ctx, peerID)
	}
}

func (e *Engine) isEmergencyRotation() bool {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	return e.emergencyRotation
}
