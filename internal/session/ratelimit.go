package session

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/meshwire/meshcore/internal/wire"
)

// Per peer, handshakes and encrypted messages each pass a token bucket
// holding a full burst of 10 / 100 that refills at 10 / 100 per 60s. Excess
// is rejected outright, not queued. A bucket is not a sliding window: after
// a full burst, the refill lets up to 19 handshakes (199 messages) through
// within one 60-second span. Grounded on the teacher's
// bootstrap.BootstrapService per-IP rate.Limiter map, keyed here by peer_id
// instead of client IP.
const (
	handshakeLimit = 10.0 / 60.0
	handshakeBurst = 10

	messageLimit = 100.0 / 60.0
	messageBurst = 100
)

type peerLimiters struct {
	handshakes *rate.Limiter
	messages   *rate.Limiter
}

type limiterRegistry struct {
	mu       sync.Mutex
	byPeer   map[wire.PeerID]*peerLimiters
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{byPeer: make(map[wire.PeerID]*peerLimiters)}
}

func (r *limiterRegistry) get(peerID wire.PeerID) *peerLimiters {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byPeer[peerID]
	if !ok {
		l = &peerLimiters{
			handshakes: rate.NewLimiter(rate.Limit(handshakeLimit), handshakeBurst),
			messages:   rate.NewLimiter(rate.Limit(messageLimit), messageBurst),
		}
		r.byPeer[peerID] = l
	}
	return l
}

func (r *limiterRegistry) allowHandshake(peerID wire.PeerID) bool {
	return r.get(peerID).handshakes.Allow()
}

func (r *limiterRegistry) allowMessage(peerID wire.PeerID) bool {
	return r.get(peerID).messages.Allow()
}

func (r *limiterRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPeer = make(map[wire.PeerID]*peerLimiters)
}
