package meshrouter

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

const (
	queueCapacityPerPeer = 50
	queueDrainWindow     = 24 * time.Hour
)

var bucketStoreForward = []byte("store_forward")

// StoreForwardQueue is the bounded, FIFO, bolt-backed queue of spec §4.6:
// frames destined for a peer that is not currently reachable wait here,
// keyed by the peer's fingerprint, until the peer reappears or 24h elapse
// — grounded on the teacher's service.DTNQueue, generalized from a
// chunk-index key to an opaque encoded-frame payload per entry.
type StoreForwardQueue struct {
	db *bolt.DB
}

func OpenStoreForwardQueue(path string) (*StoreForwardQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("meshrouter: opening store-and-forward queue: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketStoreForward)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &StoreForwardQueue{db: db}, nil
}

func (q *StoreForwardQueue) Close() error { return q.db.Close() }

// entry key layout: fingerprint(64 hex ascii) | ':' | enqueued_at_unix_nano(8 BE) | ':' | seq(4 BE)
// bolt iterates keys lexicographically, so this keeps FIFO order per peer
// without needing a separate sequence bucket.
func entryKey(fingerprint string, enqueuedAt time.Time, seq uint32) []byte {
	key := make([]byte, 0, len(fingerprint)+1+8+1+4)
	key = append(key, fingerprint...)
	key = append(key, ':')
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(enqueuedAt.UnixNano()))
	key = append(key, tsBuf[:]...)
	key = append(key, ':')
	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], seq)
	key = append(key, seqBuf[:]...)
	return key
}

func fingerprintPrefix(fingerprint string) []byte {
	return append([]byte(fingerprint), ':')
}

// Enqueue stores frameBytes for delivery once fingerprint's peer reappears.
// If the peer's queue is already at capacity, the oldest entry is dropped
// to make room (bounded FIFO, spec §4.6).
func (q *StoreForwardQueue) Enqueue(fingerprint string, frameBytes []byte, now time.Time) (dropped bool, err error) {
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreForward)
		c := b.Cursor()
		prefix := fingerprintPrefix(fingerprint)

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) >= queueCapacityPerPeer {
			if err := b.Delete(keys[0]); err != nil {
				return err
			}
			dropped = true
		}

		seq := uint32(len(keys))
		return b.Put(entryKey(fingerprint, now, seq), frameBytes)
	})
	return dropped, err
}

// DrainDue returns up to n frames queued for fingerprint that have not
// exceeded the 24h drain window, oldest first, removing them from the
// queue. Expired entries encountered along the way are dropped silently.
func (q *StoreForwardQueue) DrainDue(fingerprint string, n int, now time.Time) ([][]byte, error) {
	var out [][]byte
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreForward)
		c := b.Cursor()
		prefix := fingerprintPrefix(fingerprint)

		var toDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			enqueuedAt, ok := parseEnqueuedAt(k, prefix)
			if !ok || now.Sub(enqueuedAt) > queueDrainWindow {
				toDelete = append(toDelete, append([]byte(nil), k...))
				continue
			}
			if len(out) < n {
				out = append(out, append([]byte(nil), v...))
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Depth returns the total number of queued frames across all peers.
func (q *StoreForwardQueue) Depth() (int, error) {
	count := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStoreForward)
		stats := b.Stats()
		count = stats.KeyN
		return nil
	})
	return count, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func parseEnqueuedAt(k, prefix []byte) (time.Time, bool) {
	rest := k[len(prefix):]
	if len(rest) < 8 {
		return time.Time{}, false
	}
	nanos := binary.BigEndian.Uint64(rest[:8])
	return time.Unix(0, int64(nanos)), true
}
