// Package transport binds a UDP port and runs a TLS 1.3 multiplexed
// streaming transport (quic-go) using raw-public-key style verification:
// any presented certificate is accepted, and its public key fingerprint
// is extracted for the Session Manager to gate (§4.2). Congestion
// control, loss recovery, and MTU handling are delegated entirely to
// quic-go, the library the rest of this retrieval pack's LAN/P2P
// repositories converge on for exactly this role.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/op/go-logging"
	"github.com/quic-go/quic-go"

	"github.com/paterkleomenis/connected/identity"
)

const (
	dialTimeout  = 5 * time.Second
	idleTimeout  = 90 * time.Second
	alpnProtocol = "connected/1"
)

// Reason strings surfaced when a stream or endpoint is closed (§7 Transport taxonomy).
const (
	ReasonPeerUnavailable = "peer-unavailable"
	ReasonPeerClosed      = "peer-closed"
	ReasonTransportError  = "transport-error"
	ReasonIdleClosed      = "idle-closed"
)

// Endpoint is one accepted or dialed QUIC connection to a peer, prior to
// (and across) session authentication.
type Endpoint struct {
	IP                string
	Port              int
	conn              quic.Connection
	RemoteFingerprint string

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func (e *Endpoint) touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *Endpoint) idleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastActivity)
}

// Direction of a StreamContext relative to the side that opened it.
type Direction int

const (
	DirectionClient Direction = iota
	DirectionServer
)

// StreamContext wraps one bidirectional QUIC stream with envelope
// framing convenience.
type StreamContext struct {
	Stream    quic.Stream
	Direction Direction
	Endpoint  *Endpoint
}

// Transport is the local side's UDP-bound QUIC listener plus dialer.
type Transport struct {
	log      *logging.Logger
	identity *identity.LocalIdentity
	listener *quic.Listener
	conn     net.PacketConn

	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// New constructs a Transport bound to the given identity's self-signed
// certificate. Listen must be called before AcceptEndpoint.
func New(id *identity.LocalIdentity, log *logging.Logger) *Transport {
	if log == nil {
		log = logging.MustGetLogger("transport")
	}
	return &Transport{
		log:       log,
		identity:  id,
		endpoints: map[*Endpoint]struct{}{},
	}
}

// Listen binds a UDP port (0 = OS-chosen) and starts accepting QUIC
// connections. The bound port is returned so the caller can advertise
// it via discovery.
func (t *Transport) Listen(ctx context.Context, port int) (boundPort int, err error) {
	cert, err := t.identity.TLSCertificate()
	if err != nil {
		return 0, fmt.Errorf("bind-failed: %w", err)
	}
	udpAddr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return 0, fmt.Errorf("bind-failed: %w", err)
	}
	t.conn = conn

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{alpnProtocol},
		// Raw-public-key style verification: any certificate is
		// accepted here; the Session Manager is the actual trust gate
		// (§4.2/§4.5). VerifyPeerCertificate fails only when no
		// certificate is presented at all.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: acceptAnyCertificate,
	}
	listener, err := quic.Listen(conn, tlsConf, defaultQUICConfig())
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("bind-failed: %w", err)
	}
	t.listener = listener
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: idleTimeout / 3,
	}
}

// acceptAnyCertificate is the VerifyPeerCertificate hook: it never
// rejects a certificate at the TLS layer, deferring all authorization
// to trust-store lookups by fingerprint after the handshake completes.
func acceptAnyCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("tls-failed: no certificate presented")
	}
	return nil
}

// FingerprintFromConnection extracts the hex SHA-256 fingerprint of the
// remote's presented leaf certificate's public key.
func FingerprintFromConnection(conn quic.Connection) (string, error) {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("tls-failed: no peer certificate")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("tls-failed: unexpected public key type")
	}
	return identity.Fingerprint(pub)
}

// AcceptEndpoint blocks until a new inbound connection arrives.
func (t *Transport) AcceptEndpoint(ctx context.Context) (*Endpoint, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport-error: accept: %w", err)
	}
	return t.wrap(conn)
}

// Dial opens a new QUIC connection to ip:port with a 5 s connect timeout.
// Dial failures are retryable by the caller (§4.2).
func (t *Transport) Dial(ctx context.Context, ip string, port int) (*Endpoint, error) {
	cert, err := t.identity.TLSCertificate()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	tlsConf := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{alpnProtocol},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: acceptAnyCertificate,
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("dial-timeout: %w", err)
	}
	return t.wrap(conn)
}

func (t *Transport) wrap(conn quic.Connection) (*Endpoint, error) {
	fp, err := FingerprintFromConnection(conn)
	if err != nil {
		conn.CloseWithError(0, err.Error())
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	ep := &Endpoint{
		IP:                host,
		Port:              port,
		conn:              conn,
		RemoteFingerprint: fp,
		lastActivity:      time.Now(),
	}
	t.mu.Lock()
	t.endpoints[ep] = struct{}{}
	t.mu.Unlock()
	go t.watchIdle(ep)
	return ep, nil
}

func (t *Transport) watchIdle(ep *Endpoint) {
	ticker := time.NewTicker(idleTimeout / 3)
	defer ticker.Stop()
	for range ticker.C {
		ep.mu.Lock()
		closed := ep.closed
		idle := time.Since(ep.lastActivity)
		ep.mu.Unlock()
		if closed {
			return
		}
		if idle >= idleTimeout {
			// quic-go has no direct "active stream count" query, so
			// idleness is tracked via touch() on every
			// OpenStream/AcceptStream/envelope I/O instead.
			t.Close(ep, ReasonIdleClosed)
			return
		}
	}
}

// OpenStream opens a new bidirectional stream on ep.
func (t *Transport) OpenStream(ctx context.Context, ep *Endpoint) (*StreamContext, error) {
	stream, err := ep.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream-aborted: %w", err)
	}
	ep.touch()
	return &StreamContext{Stream: stream, Direction: DirectionClient, Endpoint: ep}, nil
}

// AcceptStream blocks until the peer opens a new bidirectional stream on ep.
func (t *Transport) AcceptStream(ctx context.Context, ep *Endpoint) (*StreamContext, error) {
	stream, err := ep.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream-aborted: %w", err)
	}
	ep.touch()
	return &StreamContext{Stream: stream, Direction: DirectionServer, Endpoint: ep}, nil
}

// Close tears down ep with the given reason.
func (t *Transport) Close(ep *Endpoint, reason string) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	t.mu.Lock()
	delete(t.endpoints, ep)
	t.mu.Unlock()

	return ep.conn.CloseWithError(0, reason)
}

// Shutdown closes every open endpoint in turn, then the listener and the
// UDP socket. No time bound is applied to the closes.
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(t.endpoints))
	for ep := range t.endpoints {
		endpoints = append(endpoints, ep)
	}
	t.mu.Unlock()

	for _, ep := range endpoints {
		t.Close(ep, "shutdown")
	}
	if t.listener != nil {
		t.listener.Close()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}
