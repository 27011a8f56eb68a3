package transfer

import (
	"context"
	"time"

	"github.com/meshwire/meshcore/internal/blob"
	"github.com/meshwire/meshcore/internal/fec"
	"github.com/meshwire/meshcore/internal/wire"
)

// fecEligibleMinChunks is the smallest transfer (in chunks) worth grouping
// into FEC-protected runs: for anything shorter, the ack/retry path alone
// settles the transfer in a round trip or two and parity overhead buys
// nothing.
const fecEligibleMinChunks = 32

// attachFECProfile decides, once at manifest-build time, whether a transfer
// gets FEC protection: a high-bandwidth chunk size above the eligibility
// floor, plus whatever K/R the manager's loss-adaptive policy currently
// recommends. A transfer that starts before the policy has seen enough loss
// history gets no FECProfile and falls back to plain ack-driven retry —
// that path (spec §4.7.3) still runs unconditionally either way.
func (m *Manager) attachFECProfile(manifest *wire.Manifest, chunkBytes int) {
	if chunkBytes != ChunkBytesHighBW || manifest.TotalChunks < fecEligibleMinChunks {
		return
	}
	enabled, k, r := m.fecPolicy.GetParameters()
	if !enabled {
		return
	}
	manifest.FECProfile = &wire.FECProfile{K: uint8(k), R: uint8(r)}
}

// recordLossSample feeds one ack's observed loss rate into the shared
// adaptive policy, so later QueueSend calls can decide whether a
// high-bandwidth transfer to this mesh warrants FEC protection.
func recordLossSample(policy *fec.AdaptivePolicy, acked, missing int) {
	total := acked + missing
	if total == 0 {
		return
	}
	policy.Update(100 * float64(missing) / float64(total))
}

// fecGroupState buffers one outgoing FEC group's data shards, in position
// order, until the group fills or the file ends mid-group. Only sendChunk's
// single goroutine touches it, so it carries no lock of its own.
type fecGroupState struct {
	groupIndex uint32
	shards     [][]byte
	filled     int
}

// feedFECGroup records one just-sent chunk's payload toward its FEC group
// and, once the group is complete, encodes and transmits its R parity
// shards as file_parity frames (wire.TypeFileParity) — additive to, and
// independent of, the chunk's own file_ack-driven retransmission.
func (m *Manager) feedFECGroup(ctx context.Context, t *activeTransfer, idx uint32, payload []byte) {
	profile := t.Manifest.FECProfile
	if profile == nil {
		return
	}
	k := int(profile.K)
	group := idx / uint32(k)

	if t.fecGroup == nil || t.fecGroup.groupIndex != group {
		t.fecGroup = &fecGroupState{groupIndex: group, shards: make([][]byte, k)}
	}
	pos := int(idx % uint32(k))
	if t.fecGroup.shards[pos] == nil {
		t.fecGroup.filled++
	}
	t.fecGroup.shards[pos] = payload

	groupSize := groupSizeAt(group, uint32(k), t.Manifest.TotalChunks)
	if t.fecGroup.filled < groupSize {
		return
	}

	m.emitParity(ctx, t, t.fecGroup, groupSize, int(profile.R))
	t.fecGroup = nil
}

func groupSizeAt(group, k, totalChunks uint32) int {
	start := group * k
	if start+k > totalChunks {
		return int(totalChunks - start)
	}
	return int(k)
}

// chunkLength mirrors ReadChunk's last-chunk sizing so reconstructed shards
// are trimmed back to the exact byte count the sender originally read.
func chunkLength(chunkBytes int, fileSize uint64, idx uint32) int {
	offset := int64(idx) * int64(chunkBytes)
	n := chunkBytes
	if remaining := int64(fileSize) - offset; int64(n) > remaining {
		n = int(remaining)
	}
	return n
}

// emitParity pads a completed group's data shards to equal length (Reed-
// Solomon requires it; the receiver trims each reconstructed shard back to
// its chunk's real length) and sends the resulting parity shards.
func (m *Manager) emitParity(ctx context.Context, t *activeTransfer, g *fecGroupState, groupSize, r int) {
	shardLen := 0
	for _, s := range g.shards[:groupSize] {
		if len(s) > shardLen {
			shardLen = len(s)
		}
	}
	dataShards := make([][]byte, groupSize)
	for i, s := range g.shards[:groupSize] {
		padded := make([]byte, shardLen)
		copy(padded, s)
		dataShards[i] = padded
	}

	enc, err := fec.NewEncoder(groupSize, r)
	if err != nil {
		return // group too small for this R; ack-driven retry still covers it
	}
	parityShards, err := enc.Encode(dataShards)
	if err != nil {
		return
	}

	for i, shard := range parityShards {
		p := &wire.Parity{
			FileID:     t.Manifest.FileID,
			GroupIndex: g.groupIndex,
			ShardIndex: uint8(i),
			ChunkHash:  ChunkHash(shard),
			Payload:    shard,
		}
		encoded, err := p.Encode()
		if err != nil {
			continue
		}
		_ = m.outbound(ctx, t.PeerID, wire.TypeFileParity, encoded)
	}
}

// recvFECGroup buffers inbound parity shards for one FEC group on the
// receive side until enough of its K+R shards are accounted for to attempt
// reconstruction of whatever data chunks are still missing.
type recvFECGroup struct {
	shardLen int
	parity   [][]byte // index by shard_index; nil = not yet received
}

// handleParity applies one inbound parity shard toward its FEC group and,
// once enough of the group's K+R shards are present, reconstructs any
// still-missing data chunks and feeds them through the normal chunk-accept
// path (handleChunk) exactly as if they had arrived over the wire — the
// bitset and ack logic never learn the difference.
func (m *Manager) handleParity(ctx context.Context, p *wire.Parity, now time.Time) error {
	var id ID
	copy(id[:], p.FileID[:])
	t, err := m.lookup(id)
	if err != nil || t.Direction != DirectionReceive || t.Manifest.FECProfile == nil {
		return nil
	}
	profile := t.Manifest.FECProfile
	k, r := int(profile.K), int(profile.R)

	groupStart := p.GroupIndex * uint32(k)
	groupSize := groupSizeAt(p.GroupIndex, uint32(k), t.Manifest.TotalChunks)
	if groupSize <= 0 || int(p.ShardIndex) >= r {
		return nil
	}

	t.State.mu.Lock()
	if t.fecRecv == nil {
		t.fecRecv = make(map[uint32]*recvFECGroup)
	}
	rg, ok := t.fecRecv[p.GroupIndex]
	if !ok {
		rg = &recvFECGroup{shardLen: len(p.Payload), parity: make([][]byte, r)}
		t.fecRecv[p.GroupIndex] = rg
	}
	if rg.parity[p.ShardIndex] == nil {
		rg.parity[p.ShardIndex] = append([]byte(nil), p.Payload...)
	}

	missingData := 0
	for i := 0; i < groupSize; i++ {
		if !t.completed.Has(groupStart + uint32(i)) {
			missingData++
		}
	}
	haveParity := 0
	for _, s := range rg.parity {
		if s != nil {
			haveParity++
		}
	}
	ready := missingData > 0 && missingData <= haveParity
	t.State.mu.Unlock()

	if !ready {
		return nil
	}
	m.reconstructGroup(ctx, t, p.GroupIndex, groupStart, groupSize, rg, now)
	return nil
}

// reconstructGroup re-reads whatever data shards this node already wrote
// for the group straight back out of the partial sink file, assembles the
// K+R shard slice Reed-Solomon expects, and runs the decoder. Recovered
// data shards are trimmed back to each chunk's declared length (padding
// added at encode time) and handed to handleChunk's normal acceptance path.
func (m *Manager) reconstructGroup(ctx context.Context, t *activeTransfer, groupIndex, groupStart uint32, groupSize int, rg *recvFECGroup, now time.Time) {
	if rg.shardLen == 0 || t.sink == nil {
		return
	}
	src, err := blob.OpenFileSource(t.sink.Path())
	if err != nil {
		return
	}
	defer src.Close()

	shards := make([][]byte, groupSize+len(rg.parity))
	for i := 0; i < groupSize; i++ {
		idx := groupStart + uint32(i)
		if !t.completed.Has(idx) {
			continue
		}
		data, err := src.ReadRange(int64(idx)*int64(t.chunkBytes), rg.shardLen)
		if err != nil {
			continue
		}
		padded := make([]byte, rg.shardLen)
		copy(padded, data)
		shards[i] = padded
	}
	copy(shards[groupSize:], rg.parity)

	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing == 0 || missing > len(rg.parity) {
		return
	}

	dec, err := fec.NewDecoder(groupSize, len(rg.parity))
	if err != nil {
		return
	}
	if err := dec.Reconstruct(shards); err != nil {
		return
	}

	for i := 0; i < groupSize; i++ {
		idx := groupStart + uint32(i)
		if t.completed.Has(idx) || shards[i] == nil {
			continue
		}
		payload := shards[i][:chunkLength(t.chunkBytes, t.Manifest.FileSize, idx)]
		chunk := &wire.Chunk{
			FileID:     t.Manifest.FileID,
			ChunkIndex: idx,
			ChunkHash:  ChunkHash(payload),
			IsLast:     idx == t.Manifest.TotalChunks-1,
			Payload:    payload,
		}
		_ = m.handleChunk(ctx, chunk, now)
	}

	t.State.mu.Lock()
	delete(t.fecRecv, groupIndex)
	t.State.mu.Unlock()
}
