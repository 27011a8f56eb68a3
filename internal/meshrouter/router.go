package meshrouter

import (
	"context"
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/transport"
	"github.com/meshwire/meshcore/internal/wire"
)

const (
	BroadcastInitialTTL = 7
	DirectedInitialTTL  = 2
)

// Persistable reports whether a message type is eligible for the
// store-and-forward queue when no peer is currently reachable (spec §4.6
// step 3): manifest, chunk, and ack frames.
func Persistable(t wire.MessageType) bool {
	switch t {
	case wire.TypeFileManifest, wire.TypeFileChunk, wire.TypeFileAck:
		return true
	default:
		return false
	}
}

// Decision is what Router.Route decided to do with an inbound frame.
type Decision uint8

const (
	DecisionDrop Decision = iota
	DecisionDeliverLocal
	DecisionForwarded
	DecisionQueued
)

// FingerprintLookup resolves a peer_id to the long-term fingerprint used
// to key the store-and-forward queue (spec §4.6), satisfied by
// identity.Manager.LookupFingerprint.
type FingerprintLookup func(peerID wire.PeerID) (string, bool)

// Router is C6: it applies dedup, local-delivery, TTL forwarding, and
// store-and-forward queuing to every inbound frame.
type Router struct {
	selfMu sync.RWMutex
	self   wire.PeerID

	dedup      *Dedup
	dispatcher *transport.Dispatcher
	queue      *StoreForwardQueue
	fingerprint FingerprintLookup

	knownPeers func() []wire.PeerID
}

func NewRouter(self wire.PeerID, dispatcher *transport.Dispatcher, queue *StoreForwardQueue, fp FingerprintLookup, knownPeers func() []wire.PeerID) *Router {
	return &Router{
		self:        self,
		dedup:       NewDedup(),
		dispatcher:  dispatcher,
		queue:       queue,
		fingerprint: fp,
		knownPeers:  knownPeers,
	}
}

// SetSelf updates the peer_id Route treats as "us", so a rotation (spec
// §4.2) is reflected without racing an in-flight Route call.
func (r *Router) SetSelf(id wire.PeerID) {
	r.selfMu.Lock()
	r.self = id
	r.selfMu.Unlock()
}

func (r *Router) selfID() wire.PeerID {
	r.selfMu.RLock()
	defer r.selfMu.RUnlock()
	return r.self
}

// Route applies spec §4.6 to one inbound frame, already decoded from the
// wire. The frame's SenderID is excluded from re-emission.
func (r *Router) Route(ctx context.Context, f *wire.Frame, now time.Time) (Decision, error) {
	if r.dedup.Seen(f.SenderID, f.TimestampMs, now) {
		return DecisionDrop, nil
	}

	if !f.Type.Directed() || f.RecipientID.IsBroadcast() || f.RecipientID == r.selfID() {
		return DecisionDeliverLocal, nil
	}

	if f.TTL <= 1 {
		return DecisionDrop, nil
	}

	forwarded := &wire.Frame{
		Version:     f.Version,
		Type:        f.Type,
		TTL:         f.TTL - 1,
		SenderID:    f.SenderID,
		RecipientID: f.RecipientID,
		TimestampMs: f.TimestampMs,
		Payload:     f.Payload,
	}
	encoded, err := forwarded.Encode()
	if err != nil {
		return DecisionDrop, err
	}

	reachedAny := false
	for _, peerID := range r.knownPeers() {
		if peerID == f.SenderID {
			continue
		}
		if _, sendErr := r.dispatcher.Send(ctx, peerID, encoded); sendErr == nil {
			reachedAny = true
		}
	}
	if reachedAny {
		return DecisionForwarded, nil
	}

	if !Persistable(f.Type) {
		return DecisionDrop, nil
	}
	fp, ok := r.fingerprint(f.RecipientID)
	if !ok {
		return DecisionDrop, nil
	}
	if _, err := r.queue.Enqueue(fp, encoded, now); err != nil {
		return DecisionDrop, err
	}
	return DecisionQueued, nil
}

// DrainForPeer pushes any store-and-forward backlog for a peer that just
// reappeared (spec §4.6: drained when the target peer reappears within
// 24h).
func (r *Router) DrainForPeer(ctx context.Context, peerID wire.PeerID, now time.Time) (int, error) {
	fp, ok := r.fingerprint(peerID)
	if !ok {
		return 0, nil
	}
	frames, err := r.queue.DrainDue(fp, queueCapacityPerPeer, now)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, frameBytes := range frames {
		if _, err := r.dispatcher.Send(ctx, peerID, frameBytes); err == nil {
			sent++
		}
	}
	return sent, nil
}
