// Package meshrouter is C6: TTL-based frame forwarding, seen-frame
// deduplication, and the store-and-forward queue of spec §4.6, grounded on
// the teacher's daemon/service DTN queue/worker pair and
// daemon/manager.BoltCAS for the bolt-backed persistence style.
package meshrouter

import (
	"sync"
	"time"

	"github.com/meshwire/meshcore/internal/wire"
)

const dedupWindow = 10 * time.Minute

type dedupKey struct {
	sender      wire.PeerID
	timestampMs uint64
}

// Dedup tracks (sender_id, timestamp_ms) pairs seen in the last 10 minutes
// (spec §4.6 step 1). A real bloom filter would be more memory-efficient at
// scale; a time-bounded map is the direct, auditable equivalent for a
// single-node mesh daemon and is what the teacher's own caches favor over
// probabilistic structures.
type Dedup struct {
	mu   sync.Mutex
	seen map[dedupKey]time.Time
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[dedupKey]time.Time)}
}

// Seen reports whether (sender, timestampMs) was already observed within
// the window, and records it if not.
func (d *Dedup) Seen(sender wire.PeerID, timestampMs uint64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := dedupKey{sender, timestampMs}
	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < dedupWindow {
		return true
	}
	d.seen[key] = now
	if len(d.seen)%256 == 0 {
		d.evictLocked(now)
	}
	return false
}

func (d *Dedup) evictLocked(now time.Time) {
	for k, t := range d.seen {
		if now.Sub(t) >= dedupWindow {
			delete(d.seen, k)
		}
	}
}
