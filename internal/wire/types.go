// Package wire implements the byte-exact frame and message codec shared by
// every transport the mesh engine speaks over.
package wire

import (
	"encoding/hex"
	"errors"
)

// MessageType is the frame's type byte (spec §4.1).
type MessageType uint8

const (
	TypeHandshake          MessageType = 0x00
	TypeEncrypted          MessageType = 0x01
	TypeIdentityAnnounce   MessageType = 0x02
	TypeVersionNegotiation MessageType = 0x04
	TypeRekeyRequest       MessageType = 0x05
	TypeRekeyResponse      MessageType = 0x06
	TypeFileManifest       MessageType = 0x0D
	TypeFileChunk          MessageType = 0x0E
	TypeFileAck            MessageType = 0x0F
	TypeProtocolAck        MessageType = 0x10
	TypeFileParity         MessageType = 0x11
)

// Directed reports whether frames of this type carry a recipient_id field.
// identity_announce is the one broadcast-only message type in the core.
func (t MessageType) Directed() bool {
	return t != TypeIdentityAnnounce
}

func (t MessageType) Known() bool {
	switch t {
	case TypeHandshake, TypeEncrypted, TypeIdentityAnnounce, TypeVersionNegotiation,
		TypeRekeyRequest, TypeRekeyResponse, TypeFileManifest, TypeFileChunk,
		TypeFileAck, TypeProtocolAck, TypeFileParity:
		return true
	}
	return false
}

// PeerID is the 12-hex-character rotating peer identifier, carried on the
// wire as its own ASCII-hex bytes (spec §3, §6).
type PeerID [12]byte

// Broadcast is the all-zero sentinel recipient meaning "deliver to everyone".
var Broadcast = PeerID{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'}

func (p PeerID) String() string { return string(p[:]) }

func (p PeerID) IsBroadcast() bool { return p == Broadcast }

func (p PeerID) IsZero() bool {
	var z PeerID
	return p == z
}

var ErrInvalidPeerID = errors.New("wire: peer id must be 12 lowercase hex characters")

// ParsePeerID validates and wraps a 12-character hex peer-id string.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	if len(s) != 12 {
		return p, ErrInvalidPeerID
	}
	if _, err := hex.DecodeString(s); err != nil {
		return p, ErrInvalidPeerID
	}
	copy(p[:], s)
	return p, nil
}

// PeerIDFromDigest derives a rotating peer id from the first 6
// bytes (12 hex chars) of SHA-256(long_term_public || ephemeral_public),
// per spec §3.
func PeerIDFromDigest(digest []byte) PeerID {
	var p PeerID
	hex.Encode(p[:], digest[:6])
	return p
}

// Priority is the transfer-manifest priority class (spec §3).
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityUrgent:
		return "Urgent"
	default:
		return "Unknown"
	}
}

// Compression identifies the manifest's optional payload compression.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLz4
	CompressionGzip
)
