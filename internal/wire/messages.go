package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errShortBuffer = errors.New("wire: buffer too short for message")

// --- handshake / rekey: raw 32-byte ephemeral public key ---------------

func EncodeEphemeral(pub [32]byte) []byte { return append([]byte(nil), pub[:]...) }

func DecodeEphemeral(b []byte) ([32]byte, error) {
	var pub [32]byte
	if len(b) != 32 {
		return pub, fmt.Errorf("wire: ephemeral key must be 32 bytes, got %d", len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

// --- version negotiation: major, minor, patch ---------------------------

type Version struct {
	Major, Minor, Patch uint8
}

func (v Version) Encode() []byte { return []byte{v.Major, v.Minor, v.Patch} }

func DecodeVersion(b []byte) (Version, error) {
	if len(b) != 3 {
		return Version{}, fmt.Errorf("wire: version payload must be 3 bytes, got %d", len(b))
	}
	return Version{b[0], b[1], b[2]}, nil
}

// CompatibleWith implements the negotiation rule of spec §4.3.3: same
// major, and the peer's minor is at least our floor.
func (v Version) CompatibleWith(ours Version, minMinor uint8) bool {
	return v.Major == ours.Major && v.Minor >= minMinor
}

// --- FILE_MANIFEST --------------------------------------------------------

type ChunkHashes [][32]byte

// FECProfile advertises the forward-error-correction grouping a sender is
// using for this transfer: every K data chunks (in index order) are
// shielded by R parity shards sent as separate file_parity frames. A
// manifest with no FECProfile means the transfer relies solely on
// file_ack-driven retransmission.
type FECProfile struct {
	K uint8
	R uint8
}

type Manifest struct {
	FileID      [16]byte
	FileName    string
	FileSize    uint64
	TotalChunks uint32
	SHA256      [32]byte
	SenderID    PeerID
	TimestampMs uint64
	Priority    Priority

	Compression *Compression
	ChunkHashes ChunkHashes
	FECProfile  *FECProfile
}

func (m *Manifest) Encode() ([]byte, error) {
	if len(m.FileName) > 0xFFFF {
		return nil, errors.New("wire: file_name too long")
	}
	var flags uint8
	if m.Compression != nil {
		flags |= 1 << 0
	}
	if m.ChunkHashes != nil {
		flags |= 1 << 1
	}
	if m.FECProfile != nil {
		flags |= 1 << 2
	}

	size := 16 + 2 + len(m.FileName) + 8 + 4 + 32 + 12 + 8 + 1 + 1
	if m.Compression != nil {
		size++
	}
	if m.ChunkHashes != nil {
		size += 4 + 32*len(m.ChunkHashes)
	}
	if m.FECProfile != nil {
		size += 2
	}

	buf := make([]byte, size)
	off := 0
	copy(buf[off:], m.FileID[:])
	off += 16
	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.FileName)))
	off += 2
	off += copy(buf[off:], m.FileName)
	binary.BigEndian.PutUint64(buf[off:], m.FileSize)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], m.TotalChunks)
	off += 4
	copy(buf[off:], m.SHA256[:])
	off += 32
	copy(buf[off:], m.SenderID[:])
	off += 12
	binary.BigEndian.PutUint64(buf[off:], m.TimestampMs)
	off += 8
	buf[off] = uint8(m.Priority)
	off++
	buf[off] = flags
	off++
	if m.Compression != nil {
		buf[off] = uint8(*m.Compression)
		off++
	}
	if m.ChunkHashes != nil {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(m.ChunkHashes)))
		off += 4
		for _, h := range m.ChunkHashes {
			copy(buf[off:], h[:])
			off += 32
		}
	}
	if m.FECProfile != nil {
		buf[off] = m.FECProfile.K
		off++
		buf[off] = m.FECProfile.R
		off++
	}
	return buf, nil
}

func DecodeManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	off := 0
	need := func(n int) error {
		if len(b)-off < n {
			return errShortBuffer
		}
		return nil
	}

	if err := need(16 + 2); err != nil {
		return nil, err
	}
	copy(m.FileID[:], b[off:off+16])
	off += 16
	nameLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2

	if err := need(nameLen + 8 + 4 + 32 + 12 + 8 + 1 + 1); err != nil {
		return nil, err
	}
	m.FileName = string(b[off : off+nameLen])
	off += nameLen
	m.FileSize = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.TotalChunks = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.SHA256[:], b[off:off+32])
	off += 32
	copy(m.SenderID[:], b[off:off+12])
	off += 12
	m.TimestampMs = binary.BigEndian.Uint64(b[off:])
	off += 8
	m.Priority = Priority(b[off])
	off++
	flags := b[off]
	off++

	if flags&(1<<0) != 0 {
		if err := need(1); err != nil {
			return nil, err
		}
		c := Compression(b[off])
		m.Compression = &c
		off++
	}
	if flags&(1<<1) != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		count := int(binary.BigEndian.Uint32(b[off:]))
		off += 4
		if err := need(32 * count); err != nil {
			return nil, err
		}
		hashes := make(ChunkHashes, count)
		for i := 0; i < count; i++ {
			copy(hashes[i][:], b[off:off+32])
			off += 32
		}
		m.ChunkHashes = hashes
	}
	if flags&(1<<2) != 0 {
		if err := need(2); err != nil {
			return nil, err
		}
		m.FECProfile = &FECProfile{K: b[off], R: b[off+1]}
		off += 2
	}

	return m, nil
}

// --- FILE_PARITY -------------------------------------------------------

// Parity carries one Reed-Solomon parity shard for a FEC group (spec §3's
// FECProfile extension): group_index selects the run of K data chunks this
// shard protects, shard_index distinguishes the R parity shards within
// that group from one another.
type Parity struct {
	FileID     [16]byte
	GroupIndex uint32
	ShardIndex uint8
	ChunkHash  [32]byte
	Payload    []byte
}

func (p *Parity) Encode() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, errors.New("wire: parity payload exceeds u16 length field")
	}
	buf := make([]byte, 16+4+1+32+2+len(p.Payload))
	off := 0
	copy(buf[off:], p.FileID[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], p.GroupIndex)
	off += 4
	buf[off] = p.ShardIndex
	off++
	copy(buf[off:], p.ChunkHash[:])
	off += 32
	binary.BigEndian.PutUint16(buf[off:], uint16(len(p.Payload)))
	off += 2
	copy(buf[off:], p.Payload)
	return buf, nil
}

func DecodeParity(b []byte) (*Parity, error) {
	if len(b) < 16+4+1+32+2 {
		return nil, errShortBuffer
	}
	p := &Parity{}
	off := 0
	copy(p.FileID[:], b[off:off+16])
	off += 16
	p.GroupIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	p.ShardIndex = b[off]
	off++
	copy(p.ChunkHash[:], b[off:off+32])
	off += 32
	payloadLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b)-off != payloadLen {
		return nil, ErrPayloadLenMismatch
	}
	p.Payload = append([]byte(nil), b[off:]...)
	return p, nil
}

// --- FILE_CHUNK ------------------------------------------------------------

type Chunk struct {
	FileID     [16]byte
	ChunkIndex uint32
	ChunkHash  [32]byte
	IsLast     bool
	Payload    []byte
}

func (c *Chunk) Encode() ([]byte, error) {
	if len(c.Payload) > 0xFFFF {
		return nil, errors.New("wire: chunk payload exceeds u16 length field")
	}
	buf := make([]byte, 16+4+32+1+2+len(c.Payload))
	off := 0
	copy(buf[off:], c.FileID[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], c.ChunkIndex)
	off += 4
	copy(buf[off:], c.ChunkHash[:])
	off += 32
	var flags uint8
	if c.IsLast {
		flags |= 1 << 0
	}
	buf[off] = flags
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(c.Payload)))
	off += 2
	copy(buf[off:], c.Payload)
	return buf, nil
}

func DecodeChunk(b []byte) (*Chunk, error) {
	if len(b) < 16+4+32+1+2 {
		return nil, errShortBuffer
	}
	c := &Chunk{}
	off := 0
	copy(c.FileID[:], b[off:off+16])
	off += 16
	c.ChunkIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(c.ChunkHash[:], b[off:off+32])
	off += 32
	flags := b[off]
	off++
	c.IsLast = flags&(1<<0) != 0
	payloadLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b)-off != payloadLen {
		return nil, ErrPayloadLenMismatch
	}
	c.Payload = append([]byte(nil), b[off:]...)
	return c, nil
}

// --- FILE_ACK ---------------------------------------------------------------

type Ack struct {
	FileID            [16]byte
	AckID             [16]byte
	ReceiverID        PeerID
	Acked             []uint32
	Missing           []uint32
	Bitmap            []byte
	Pause             bool
	Cancel            bool
	TransferComplete  bool
	TotalReceived     uint32
	TimestampMs       uint64
}

func (a *Ack) Encode() ([]byte, error) {
	if len(a.Bitmap) > 0xFFFF {
		return nil, errors.New("wire: ack bitmap exceeds u16 length field")
	}
	size := 16 + 16 + 12 + 4 + 4*len(a.Acked) + 4 + 4*len(a.Missing) + 2 + len(a.Bitmap) + 1 + 4 + 8
	buf := make([]byte, size)
	off := 0
	copy(buf[off:], a.FileID[:])
	off += 16
	copy(buf[off:], a.AckID[:])
	off += 16
	copy(buf[off:], a.ReceiverID[:])
	off += 12

	binary.BigEndian.PutUint32(buf[off:], uint32(len(a.Acked)))
	off += 4
	for _, v := range a.Acked {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}

	binary.BigEndian.PutUint32(buf[off:], uint32(len(a.Missing)))
	off += 4
	for _, v := range a.Missing {
		binary.BigEndian.PutUint32(buf[off:], v)
		off += 4
	}

	binary.BigEndian.PutUint16(buf[off:], uint16(len(a.Bitmap)))
	off += 2
	off += copy(buf[off:], a.Bitmap)

	var flags uint8
	if a.Pause {
		flags |= 1 << 0
	}
	if a.Cancel {
		flags |= 1 << 1
	}
	if a.TransferComplete {
		flags |= 1 << 2
	}
	buf[off] = flags
	off++

	binary.BigEndian.PutUint32(buf[off:], a.TotalReceived)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], a.TimestampMs)
	off += 8

	return buf, nil
}

func DecodeAck(b []byte) (*Ack, error) {
	a := &Ack{}
	off := 0
	need := func(n int) error {
		if len(b)-off < n {
			return errShortBuffer
		}
		return nil
	}

	if err := need(16 + 16 + 12 + 4); err != nil {
		return nil, err
	}
	copy(a.FileID[:], b[off:off+16])
	off += 16
	copy(a.AckID[:], b[off:off+16])
	off += 16
	copy(a.ReceiverID[:], b[off:off+12])
	off += 12

	ackedCount := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if err := need(4 * ackedCount); err != nil {
		return nil, err
	}
	a.Acked = make([]uint32, ackedCount)
	for i := range a.Acked {
		a.Acked[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}

	if err := need(4); err != nil {
		return nil, err
	}
	missingCount := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if err := need(4 * missingCount); err != nil {
		return nil, err
	}
	a.Missing = make([]uint32, missingCount)
	for i := range a.Missing {
		a.Missing[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}

	if err := need(2); err != nil {
		return nil, err
	}
	bitmapLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if err := need(bitmapLen + 1 + 4 + 8); err != nil {
		return nil, err
	}
	a.Bitmap = append([]byte(nil), b[off:off+bitmapLen]...)
	off += bitmapLen

	flags := b[off]
	off++
	a.Pause = flags&(1<<0) != 0
	a.Cancel = flags&(1<<1) != 0
	a.TransferComplete = flags&(1<<2) != 0

	a.TotalReceived = binary.BigEndian.Uint32(b[off:])
	off += 4
	a.TimestampMs = binary.BigEndian.Uint64(b[off:])
	off += 8

	return a, nil
}
