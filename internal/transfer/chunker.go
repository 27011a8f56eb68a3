package transfer

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/wire"
)

// ChunkCount returns ceil(fileSize / chunkBytes), spec §3's
// total_chunks formula. A zero-byte file still produces zero chunks (spec
// §4.7.6: a manifest declaring file_size=0 produces zero chunks).
func ChunkCount(fileSize int64, chunkBytes int) uint32 {
	if fileSize == 0 {
		return 0
	}
	n := fileSize / int64(chunkBytes)
	if fileSize%int64(chunkBytes) != 0 {
		n++
	}
	return uint32(n)
}

// ChunkHash is the wire-level, per-chunk integrity hash: plain SHA-256 of
// the chunk payload (spec §3/§6). This is distinct from the BLAKE3 key
// cas.go uses to dedupe identical plaintext chunks in the local cache —
// that hash never appears on the wire.
func ChunkHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// BuildManifest reads src once, start to finish, to compute the whole-file
// SHA-256 and chunk count, and returns the transfer ID / wire.Manifest pair
// for a new outgoing transfer (spec §4.7 sender step 1). The transfer ID's
// raw bytes double as the manifest's file_id.
func BuildManifest(src blob.Source, fileName string, chunkBytes int, priority Priority, senderID wire.PeerID, nowMs uint64) (ID, *wire.Manifest, error) {
	size, err := src.Size()
	if err != nil {
		return ID{}, nil, fmt.Errorf("transfer: stat source: %w", err)
	}
	if size > RecommendedMaxBytes {
		return ID{}, nil, ErrFileTooLarge
	}

	h := sha256.New()
	var offset int64
	for offset < size {
		n := chunkBytes
		if remaining := size - offset; int64(n) > remaining {
			n = int(remaining)
		}
		buf, err := src.ReadRange(offset, n)
		if err != nil {
			return ID{}, nil, fmt.Errorf("transfer: hashing source at %d: %w", offset, err)
		}
		h.Write(buf)
		offset += int64(len(buf))
		if len(buf) == 0 {
			break
		}
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	id := ID(uuid.New())
	m := &wire.Manifest{
		FileID:      id.FileID(),
		FileName:    filepath.Base(fileName),
		FileSize:    uint64(size),
		TotalChunks: ChunkCount(size, chunkBytes),
		SHA256:      digest,
		SenderID:    senderID,
		TimestampMs: nowMs,
		Priority:    priority,
	}
	return id, m, nil
}

// ReadChunk reads chunk index from src using chunkBytes as the nominal
// chunk size, returning the payload and its wire-level hash.
func ReadChunk(src blob.Source, index uint32, chunkBytes int, fileSize uint64) ([]byte, [32]byte, error) {
	offset := int64(index) * int64(chunkBytes)
	n := chunkBytes
	if remaining := int64(fileSize) - offset; int64(n) > remaining {
		n = int(remaining)
	}
	if n <= 0 {
		return nil, [32]byte{}, fmt.Errorf("transfer: chunk %d out of range", index)
	}
	payload, err := src.ReadRange(offset, n)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return payload, ChunkHash(payload), nil
}
