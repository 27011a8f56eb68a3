package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/meshwire/meshcore/internal/meshrouter"
	"github.com/meshwire/meshcore/internal/session"
	"github.com/meshwire/meshcore/internal/wire"
)

// protocolVersion is the frame header's version byte this build emits.
const protocolVersion = 1

// outbound is the transfer engine's Outbound closure: it tags the
// plaintext with its wire.MessageType, encrypts under the peer's session,
// and hands the resulting frame to the dispatcher. Keeping the tag+payload
// convention for the encrypted envelope mirrors the outer Frame's own
// type-then-payload shape (internal/wire/frame.go) rather than inventing a
// second framing scheme.
func (e *Engine) outbound(ctx context.Context, peerID wire.PeerID, msgType wire.MessageType, payload []byte) error {
	inner := make([]byte, 1+len(payload))
	inner[0] = byte(msgType)
	copy(inner[1:], payload)

	ciphertext, err := e.sessions.EncryptFor(peerID, inner)
	if err != nil {
		return fmt.Errorf("engine: encrypting %v for %s: %w", msgType, peerID, err)
	}

	f := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeEncrypted,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: peerID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     ciphertext,
	}
	encoded, err := f.Encode()
	if err != nil {
		return fmt.Errorf("engine: encoding frame for %s: %w", peerID, err)
	}
	_, err = e.dispatcher.Send(ctx, peerID, encoded)
	return err
}

// handleInboundFrame implements the CodecError/AuthError handling of spec
// §7: malformed frames are dropped and counted, never answered.
func (e *Engine) handleInboundFrame(ctx context.Context, raw []byte, now time.Time) {
	f, err := wire.Decode(raw)
	if err != nil {
		e.log.Debug(fmt.Sprintf("dropping malformed frame: %v", err))
		return
	}

	decision, err := e.router.Route(ctx, f, now)
	if err != nil {
		e.log.Debug(fmt.Sprintf("router error: %v", err))
		return
	}
	switch decision {
	case meshrouter.DecisionDrop:
		return
	case meshrouter.DecisionForwarded:
		e.log.FrameForwarded(f.SenderID.String(), f.TTL, "")
		return
	case meshrouter.DecisionQueued:
		return
	case meshrouter.DecisionDeliverLocal:
		e.deliverLocal(ctx, f, now)
	}
}

func (e *Engine) deliverLocal(ctx context.Context, f *wire.Frame, now time.Time) {
	switch f.Type {
	case wire.TypeHandshake:
		e.handleHandshakeFrame(ctx, f, now)
	case wire.TypeVersionNegotiation:
		e.handleVersionFrame(ctx, f, now)
	case wire.TypeRekeyRequest:
		e.handleRekeyRequest(ctx, f, now)
	case wire.TypeRekeyResponse:
		e.handleRekeyResponse(f, now)
	case wire.TypeEncrypted:
		e.handleEncryptedFrame(ctx, f, now)
	case wire.TypeIdentityAnnounce:
		e.handleIdentityAnnounce(f)
	default:
		// protocol_ack and any other directed-only control types carry no
		// payload this build acts on.
	}
}

// initiateHandshake starts a session as initiator toward a newly
// discovered peer and emits the handshake frame (spec §4.3 step 1).
func (e *Engine) initiateHandshake(ctx context.Context, peerID wire.PeerID, now time.Time) {
	_, ephPub, err := e.sessions.StartHandshake(peerID, now)
	if err != nil {
		return // rate-limited or already in flight; silently dropped per spec §7
	}
	e.sendHandshake(ctx, peerID, ephPub)
}

func (e *Engine) sendHandshake(ctx context.Context, peerID wire.PeerID, ephPub [32]byte) {
	f := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeHandshake,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: peerID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     wire.EncodeEphemeral(ephPub),
	}
	if encoded, err := f.Encode(); err == nil {
		_, _ = e.dispatcher.Send(ctx, peerID, encoded)
	}
}

func (e *Engine) sendVersion(ctx context.Context, peerID wire.PeerID) {
	f := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeVersionNegotiation,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: peerID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     session.OurVersion.Encode(),
	}
	if encoded, err := f.Encode(); err == nil {
		_, _ = e.dispatcher.Send(ctx, peerID, encoded)
	}
}

// sendRekeyRequest emits the initiator side of a timed rekey (spec §4.3.1),
// driven by the housekeeping loop's DueForRekey tick.
func (e *Engine) sendRekeyRequest(ctx context.Context, peerID wire.PeerID, ephPub [32]byte) {
	f := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeRekeyRequest,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: peerID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     wire.EncodeEphemeral(ephPub),
	}
	if encoded, err := f.Encode(); err == nil {
		_, _ = e.dispatcher.Send(ctx, peerID, encoded)
	}
}

// sendIdentityAnnounce broadcasts our long-term public key to peerID (spec
// §4.2), either on rotation or once a session reaches Ready, so the peer's
// {peer_id -> long_term_public} map and LookupFingerprint stay current.
func (e *Engine) sendIdentityAnnounce(ctx context.Context, peerID wire.PeerID) {
	f := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeIdentityAnnounce,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: peerID,
		TimestampMs: uint64(time.Now().UnixMilli()),
		Payload:     append([]byte(nil), e.identity.LongTermPublic()...),
	}
	if encoded, err := f.Encode(); err == nil {
		_, _ = e.dispatcher.Send(ctx, peerID, encoded)
	}
}

func (e *Engine) handleHandshakeFrame(ctx context.Context, f *wire.Frame, now time.Time) {
	ephPub, err := wire.DecodeEphemeral(f.Payload)
	if err != nil {
		return
	}

	if s, ok := e.sessions.Get(f.SenderID); ok && s.Role == session.RoleInitiator {
		if err := e.sessions.CompleteHandshake(f.SenderID, ephPub, now); err == nil {
			e.sendVersion(ctx, f.SenderID)
		}
		return
	}

	_, ourEphPub, err := e.sessions.HandleHandshake(f.SenderID, ephPub, now)
	if err != nil {
		return
	}
	e.sendHandshake(ctx, f.SenderID, ourEphPub)
	e.sendVersion(ctx, f.SenderID)
}

func (e *Engine) handleVersionFrame(ctx context.Context, f *wire.Frame, now time.Time) {
	v, err := wire.DecodeVersion(f.Payload)
	if err != nil {
		return
	}
	if err := e.sessions.NegotiateVersion(f.SenderID, v); err != nil {
		return
	}
	if s, ok := e.sessions.Get(f.SenderID); ok && s.IsReady() {
		fp, _ := e.identity.LookupFingerprint(f.SenderID)
		e.peers.authenticated(f.SenderID, fp)
		e.bus.Publish(Event{Kind: EventSessionEstablished, PeerID: f.SenderID})
		if fp != "" {
			e.bus.Publish(Event{Kind: EventPeerAuthenticated, PeerID: f.SenderID, Fingerprint: fp})
		}
		// Announce our own long-term identity now that the session is
		// Ready (spec §4.2: "updated on every announce or successful
		// handshake"); the peer's handleIdentityAnnounce maps us in turn.
		e.sendIdentityAnnounce(ctx, f.SenderID)
	}
}

func (e *Engine) handleRekeyRequest(ctx context.Context, f *wire.Frame, now time.Time) {
	ephPub, err := wire.DecodeEphemeral(f.Payload)
	if err != nil {
		return
	}
	ourEphPub, err := e.sessions.HandleRekeyRequest(f.SenderID, ephPub, now)
	if err != nil {
		return
	}
	resp := &wire.Frame{
		Version:     protocolVersion,
		Type:        wire.TypeRekeyResponse,
		TTL:         meshrouter.DirectedInitialTTL,
		SenderID:    e.Self(),
		RecipientID: f.SenderID,
		TimestampMs: uint64(now.UnixMilli()),
		Payload:     wire.EncodeEphemeral(ourEphPub),
	}
	if encoded, err := resp.Encode(); err == nil {
		_, _ = e.dispatcher.Send(ctx, f.SenderID, encoded)
	}
}

func (e *Engine) handleRekeyResponse(f *wire.Frame, now time.Time) {
	ephPub, err := wire.DecodeEphemeral(f.Payload)
	if err != nil {
		return
	}
	if err := e.sessions.CompleteRekey(f.SenderID, ephPub, now); err == nil {
		if s, ok := e.sessions.Get(f.SenderID); ok {
			e.bus.Publish(Event{Kind: EventRekeyComplete, PeerID: f.SenderID, Reason: fmt.Sprintf("rotation %d", s.RekeyRotation())})
		}
	}
}

// handleEncryptedFrame unwraps the AEAD envelope and routes the
// tag-prefixed plaintext to the transfer engine (spec §4.7's HandleInbound).
func (e *Engine) handleEncryptedFrame(ctx context.Context, f *wire.Frame, now time.Time) {
	plaintext, err := e.sessions.DecryptFrom(f.SenderID, f.Payload)
	if err != nil {
		if _, ok := e.sessions.Get(f.SenderID); !ok {
			e.bus.Publish(Event{Kind: EventSessionExpired, PeerID: f.SenderID})
			e.peers.sessionDown(f.SenderID)
		}
		return
	}
	if len(plaintext) < 1 {
		return
	}
	msgType := wire.MessageType(plaintext[0])
	if err := e.transfers.HandleInbound(ctx, f.SenderID, msgType, plaintext[1:], now); err != nil {
		e.log.Debug(fmt.Sprintf("transfer inbound handling failed: %v", err))
	}
}

// handleIdentityAnnounce learns the {peer_id -> long_term_public} mapping
// a peer broadcasts (spec §4.2), which LookupFingerprint and the mesh
// router's store-and-forward keying depend on.
func (e *Engine) handleIdentityAnnounce(f *wire.Frame) {
	if len(f.Payload) != 32 {
		return
	}
	e.identity.MapPeer(f.SenderID, append([]byte(nil), f.Payload...))
}
