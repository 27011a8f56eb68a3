package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame is the header every byte exchanged on any transport is wrapped in
// (spec §3 Frame, §6 wire format). Encode/Decode are byte-exact: no field
// is ever reordered or widened across a release.
type Frame struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	SenderID    PeerID
	RecipientID PeerID // meaningful only when Type.Directed()
	TimestampMs uint64
	Payload     []byte
}

var (
	ErrFrameTooShort    = errors.New("wire: frame shorter than its fixed header")
	ErrUnknownType      = errors.New("wire: unknown frame type")
	ErrPayloadLenMismatch = errors.New("wire: declared payload_len does not match buffer")
	ErrPayloadTooLarge  = errors.New("wire: payload exceeds u16 length field")
)

const fixedHeaderMin = 1 + 1 + 1 + 12 + 2 + 8 // version,type,ttl,sender_id,payload_len,timestamp_ms

// Encode serializes f per the §6 layout. Receivers MUST reject unknown type
// codes and mismatched payload_len; Encode refuses to produce either.
func (f *Frame) Encode() ([]byte, error) {
	if !f.Type.Known() {
		return nil, ErrUnknownType
	}
	if len(f.Payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}

	size := fixedHeaderMin + len(f.Payload)
	if f.Type.Directed() {
		size += 12
	}

	buf := make([]byte, size)
	buf[0] = f.Version
	buf[1] = byte(f.Type)
	buf[2] = f.TTL
	copy(buf[3:15], f.SenderID[:])

	off := 15
	if f.Type.Directed() {
		copy(buf[off:off+12], f.RecipientID[:])
		off += 12
	}

	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(f.Payload)))
	off += 2
	binary.BigEndian.PutUint64(buf[off:off+8], f.TimestampMs)
	off += 8
	copy(buf[off:], f.Payload)

	return buf, nil
}

// Decode parses a frame from buf. Malformed input is dropped, never
// answered (spec §4.1): callers should count the error and move on.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < 3+12+2+8 {
		return nil, ErrFrameTooShort
	}

	f := &Frame{
		Version: buf[0],
		Type:    MessageType(buf[1]),
		TTL:     buf[2],
	}
	if !f.Type.Known() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, buf[1])
	}
	copy(f.SenderID[:], buf[3:15])

	off := 15
	if f.Type.Directed() {
		if len(buf) < off+12+2+8 {
			return nil, ErrFrameTooShort
		}
		copy(f.RecipientID[:], buf[off:off+12])
		off += 12
	}

	if len(buf) < off+2+8 {
		return nil, ErrFrameTooShort
	}
	payloadLen := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	f.TimestampMs = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8

	if len(buf)-off != int(payloadLen) {
		return nil, ErrPayloadLenMismatch
	}
	f.Payload = append([]byte(nil), buf[off:]...)

	return f, nil
}
