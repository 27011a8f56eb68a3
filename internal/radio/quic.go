package radio

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/meshwire/meshcore/internal/quicutil"
	"github.com/meshwire/meshcore/internal/wire"
)

const (
	quicMaxFrameBytes = 4 << 20 // 4 MiB, comfortably above spec's 1MB floor
	lengthPrefixBytes = 4
)

var (
	ErrPeerAddressUnknown = errors.New("radio: no known address for peer")
	ErrNotListening       = errors.New("radio: backend is not listening")
)

// QUIC is the high-bandwidth radio backend (spec §4.4: max_frame_bytes ≥
// 1_000_000, power_class = High), built on quic-go the way the teacher's
// daemon/transport.QUICConnection wraps it — generalized from the
// teacher's single chunk-transfer connection to a multi-peer frame relay
// where every QUIC stream carries one length-prefixed wire.Frame.
type QUIC struct {
	mu        sync.Mutex
	self      wire.PeerID
	listener  *quic.Listener
	tlsConfig *quicConfig
	conns     map[wire.PeerID]*quic.Conn
	addrs     map[wire.PeerID]string
	available bool
	events    chan Event
	cancel    context.CancelFunc
}

type quicConfig struct {
	server *tls.Config
	client *tls.Config
}

func NewQUIC(self wire.PeerID) (*QUIC, error) {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("radio: generating quic tls material: %w", err)
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("radio: building quic server tls config: %w", err)
	}
	clientTLS := quicutil.MakeClientTLSConfig()

	q := &QUIC{
		self:      self,
		tlsConfig: &quicConfig{server: serverTLS, client: clientTLS},
		conns:     make(map[wire.PeerID]*quic.Conn),
		addrs:     make(map[wire.PeerID]string),
		events:    make(chan Event, 256),
	}
	return q, nil
}

var _ Backend = (*QUIC)(nil)

// RegisterPeerAddress records the UDP address a peer_id is reachable at.
// Discovery of these addresses (mDNS, WiFi-Direct GO negotiation, etc.) is
// out of scope for this backend; callers feed it the result.
func (q *QUIC) RegisterPeerAddress(peerID wire.PeerID, addr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addrs[peerID] = addr
}

func (q *QUIC) Listen(addr string) (string, error) {
	listener, err := quic.ListenAddr(addr, q.tlsConfig.server, &quic.Config{
		KeepAlivePeriod:                10e9,
		MaxIdleTimeout:                 60e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	q.listener = listener
	q.available = true
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.acceptLoop(ctx)

	return listener.Addr().String(), nil
}

func (q *QUIC) acceptLoop(ctx context.Context) {
	for {
		conn, err := q.listener.Accept(ctx)
		if err != nil {
			return
		}
		go q.serveConn(ctx, conn)
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go q.readFrames(stream)
	}
}

func (q *QUIC) readFrames(r io.Reader) {
	for {
		var lenBuf [lengthPrefixBytes]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || int(n) > quicMaxFrameBytes {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		q.emit(Event{Kind: EventFrameReceived, Frame: buf, LinkQuality: 1.0})
	}
}

func (q *QUIC) StartDiscovery(ctx context.Context) error {
	// Passive discovery over QUIC is driven by RegisterPeerAddress from an
	// out-of-band advertisement channel; there is nothing to start here
	// beyond marking the backend available once it is listening.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return ErrNotListening
	}
	q.available = true
	return nil
}

func (q *QUIC) StopDiscovery() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.available = false
	return nil
}

func (q *QUIC) dial(ctx context.Context, peerID wire.PeerID) (*quic.Conn, error) {
	q.mu.Lock()
	if conn, ok := q.conns[peerID]; ok {
		q.mu.Unlock()
		return conn, nil
	}
	addr, ok := q.addrs[peerID]
	q.mu.Unlock()
	if !ok {
		return nil, ErrPeerAddressUnknown
	}

	conn, err := quic.DialAddr(ctx, addr, q.tlsConfig.client, &quic.Config{
		KeepAlivePeriod:                10e9,
		MaxIdleTimeout:                 60e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.conns[peerID] = conn
	q.mu.Unlock()
	return conn, nil
}

func (q *QUIC) Send(ctx context.Context, frameBytes []byte, recipient wire.PeerID) error {
	if len(frameBytes) > quicMaxFrameBytes {
		return ErrFrameTooLarge
	}
	if recipient.IsBroadcast() {
		return q.broadcast(ctx, frameBytes)
	}

	conn, err := q.dial(ctx, recipient)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	var lenBuf [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frameBytes)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = stream.Write(frameBytes)
	return err
}

func (q *QUIC) broadcast(ctx context.Context, frameBytes []byte) error {
	q.mu.Lock()
	targets := make([]wire.PeerID, 0, len(q.addrs))
	for id := range q.addrs {
		targets = append(targets, id)
	}
	q.mu.Unlock()

	var firstErr error
	for _, id := range targets {
		if err := q.Send(ctx, frameBytes, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (q *QUIC) IsAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.available
}

func (q *QUIC) Descriptor() Descriptor {
	return Descriptor{
		Kind:                 "wifi-direct-quic",
		MaxFrameBytes:        quicMaxFrameBytes,
		TypicalThroughputBps: 250_000_000, // WiFi-Direct class, approx.
		TypicalLatencyMs:     15,
		PowerClass:           PowerHigh,
		RangeM:               70,
	}
}

func (q *QUIC) Events() <-chan Event { return q.events }

func (q *QUIC) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

func (q *QUIC) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	for _, c := range q.conns {
		_ = c.CloseWithError(0, "closing")
	}
	if q.listener != nil {
		return q.listener.Close()
	}
	return nil
}
