package transfer

import (
	"crypto/sha256"
	"testing"

	"github.com/meshwire/meshcore/internal/wire"
)

// memSource is an in-memory blob.Source for tests that don't need a real
// file on disk.
type memSource struct {
	data []byte
}

func (s *memSource) ReadRange(offset int64, length int) ([]byte, error) {
	if offset >= int64(len(s.data)) {
		return nil, nil
	}
	end := offset + int64(length)
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return s.data[offset:end], nil
}
func (s *memSource) Size() (int64, error) { return int64(len(s.data)), nil }
func (s *memSource) Close() error         { return nil }

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size, chunkBytes int64
		want             uint32
	}{
		{0, 480, 0},
		{1, 480, 1},
		{480, 480, 1},
		{481, 480, 2},
		{960, 480, 2},
	}
	for _, c := range cases {
		got := ChunkCount(c.size, int(c.chunkBytes))
		if got != c.want {
			t.Errorf("ChunkCount(%d,%d) = %d, want %d", c.size, c.chunkBytes, got, c.want)
		}
	}
}

func TestBuildManifestComputesWholeFileHash(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	src := &memSource{data: data}
	peer := wire.PeerID{1, 2, 3}

	id, manifest, err := BuildManifest(src, "report.pdf", 480, wire.PriorityNormal, peer, 1234)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if manifest.FileID != id.FileID() {
		t.Error("manifest.FileID must match the transfer ID's raw bytes")
	}
	if manifest.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", manifest.TotalChunks)
	}
	want := sha256.Sum256(data)
	if manifest.SHA256 != want {
		t.Error("manifest SHA256 does not match the source's whole-file digest")
	}
	if manifest.FileName != "report.pdf" {
		t.Errorf("FileName = %q, want report.pdf", manifest.FileName)
	}
}

func TestBuildManifestRejectsOversizeSource(t *testing.T) {
	src := &oversizeSource{}
	_, _, err := BuildManifest(src, "huge.bin", 65536, wire.PriorityNormal, wire.PeerID{}, 0)
	if err != ErrFileTooLarge {
		t.Errorf("err = %v, want ErrFileTooLarge", err)
	}
}

type oversizeSource struct{}

func (oversizeSource) ReadRange(int64, int) ([]byte, error) { return nil, nil }
func (oversizeSource) Size() (int64, error)                 { return RecommendedMaxBytes + 1, nil }
func (oversizeSource) Close() error                          { return nil }

func TestReadChunkLastChunkShorter(t *testing.T) {
	data := make([]byte, 1000)
	src := &memSource{data: data}

	payload, hash, err := ReadChunk(src, 2, 480, 1000)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(payload) != 40 { // 1000 - 2*480
		t.Errorf("last chunk length = %d, want 40", len(payload))
	}
	if hash != ChunkHash(payload) {
		t.Error("hash mismatch")
	}
}
