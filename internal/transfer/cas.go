package transfer

import (
	"sync"

	"github.com/zeebo/blake3"
)

// casCapacity bounds the number of distinct chunk payloads the cache keeps
// resident before evicting the oldest insertion (simple FIFO, same
// trade-off as meshrouter.Dedup: bounded and auditable over a generational
// LRU).
const casCapacity = 4096

// CAS is the content-addressable chunk cache (transfer/cas.go in
// SPEC_FULL.md's domain stack): plaintext chunk payloads are keyed by their
// BLAKE3 digest. sendChunk stores every payload it reads here; nothing in
// this package reads the cache back, so every transmission, including a
// retransmission or a transfer re-queued after Failed{retryable=true},
// reads its chunk from the blob.Source again. BLAKE3 is purely an internal
// cache key: the wire-level per-chunk integrity hash
// stays SHA-256 (chunker.go's ChunkHash), since peers never see or
// negotiate BLAKE3.
type CAS struct {
	mu    sync.Mutex
	order [][32]byte
	data  map[[32]byte][]byte
}

func NewCAS() *CAS {
	return &CAS{data: make(map[[32]byte][]byte)}
}

// Key returns the cache key for a plaintext chunk payload.
func Key(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}

// Get returns the cached payload for key, if present.
func (c *CAS) Get(key [32]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// Put inserts a plaintext payload under its BLAKE3 key, evicting the oldest
// entry once casCapacity is reached. A key already present is left as it is.
func (c *CAS) Put(key [32]byte, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[key]; exists {
		return
	}
	if len(c.order) >= casCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	c.data[key] = stored
	c.order = append(c.order, key)
}
