package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/groupcache/lru"
	quic "github.com/quic-go/quic-go"

	"github.com/paterkleomenis/connected/identity"
	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

// fakeStream adapts a plain io.Reader/io.Writer pair to the quic.Stream
// interface *transport.StreamContext embeds, so handshake/respondToHandshake/
// awaitAck can be driven in-process without a live QUIC connection.
type fakeStream struct {
	r io.Reader
	w io.Writer
}

func (f *fakeStream) StreamID() quic.StreamID          { return 0 }
func (f *fakeStream) Read(p []byte) (int, error)       { return f.r.Read(p) }
func (f *fakeStream) CancelRead(quic.StreamErrorCode)  {}
func (f *fakeStream) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeStream) Write(p []byte) (int, error)      { return f.w.Write(p) }
func (f *fakeStream) Close() error                     { return nil }
func (f *fakeStream) CancelWrite(quic.StreamErrorCode) {}
func (f *fakeStream) Context() context.Context         { return context.Background() }
func (f *fakeStream) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeStream) SetDeadline(time.Time) error      { return nil }

// syncBuffer is a mutex-guarded FIFO used as a single-sided loopback
// stream: writes queue bytes a later Read on the same stream can drain,
// without ever blocking the writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// newLoopbackStreamContext returns a StreamContext whose writes and reads
// share one unbounded buffer: enough to exercise one side of the
// handshake (write an ack, decode an ack) without a live peer.
func newLoopbackStreamContext(ep *transport.Endpoint) *transport.StreamContext {
	buf := &syncBuffer{}
	return &transport.StreamContext{Stream: &fakeStream{r: buf, w: buf}, Endpoint: ep}
}

// newStreamPair returns two StreamContexts backed by a genuine duplex
// pipe, so a dialer and an acceptor can run concurrently and actually
// exchange frames, exercising the full two-sided handshake.
func newStreamPair(epA, epB *transport.Endpoint) (*transport.StreamContext, *transport.StreamContext) {
	aToB := newPipe()
	bToA := newPipe()
	a := &transport.StreamContext{Stream: &fakeStream{r: bToA.r, w: aToB.w}, Endpoint: epA}
	b := &transport.StreamContext{Stream: &fakeStream{r: aToB.r, w: bToA.w}, Endpoint: epB}
	return a, b
}

type pipeEnds struct {
	r io.Reader
	w io.Writer
}

func newPipe() pipeEnds {
	r, w := io.Pipe()
	return pipeEnds{r: r, w: w}
}

// newTestManager builds a Manager around a freshly generated local
// identity and an empty on-disk trust store, wired to a no-op
// fakeTransport so handshake/respondToHandshake/awaitAck can be called
// directly without a live QUIC endpoint.
func newTestManager(t *testing.T) (*Manager, *identity.LocalIdentity, *identity.Store) {
	t.Helper()
	dir := t.TempDir()
	local, err := identity.Initialize(dir, "Local", "desktop")
	if err != nil {
		t.Fatal(err)
	}
	trust, err := identity.NewStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := &Manager{
		sessions:  map[string]*Session{},
		pending:   map[string]*pendingPairing{},
		trust:     trust,
		local:     local,
		transport: &fakeTransport{},
		handlers:  map[wire.Kind]Handler{},
		acks:      lru.New(128),
	}
	return m, local, trust
}

func TestRespondToHandshakeRejectsFingerprintMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &transport.Endpoint{RemoteFingerprint: "fp-tls-presented"}
	stream := newLoopbackStreamContext(ep)
	in := wire.Handshake{DeviceID: "dev-x", Name: "X", Type: "phone", Fingerprint: "fp-claimed", Nonce: []byte("n1"), Version: "1.0.0"}
	local := wire.Handshake{DeviceID: m.local.DeviceID.String(), Name: m.local.Name, Type: m.local.DeviceType, Fingerprint: m.local.Fingerprint, Version: "1.0.0"}

	sess, err := m.respondToHandshake(context.Background(), ep, stream, in, local)
	if sess != nil {
		t.Fatal("expected nil session on fingerprint mismatch")
	}
	if err == nil || !strings.Contains(err.Error(), "fingerprint-mismatch") {
		t.Fatalf("expected fingerprint-mismatch error, got %v", err)
	}
}

func TestRespondToHandshakeRejectsBlockedPeer(t *testing.T) {
	m, _, trust := newTestManager(t)
	fp := "fp-blocked"
	if err := trust.Block(fp); err != nil {
		t.Fatal(err)
	}
	ep := &transport.Endpoint{RemoteFingerprint: fp}
	stream := newLoopbackStreamContext(ep)
	in := wire.Handshake{DeviceID: "dev-b", Name: "B", Type: "phone", Fingerprint: fp, Nonce: []byte("n2"), Version: "1.0.0"}
	local := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}

	sess, err := m.respondToHandshake(context.Background(), ep, stream, in, local)
	if sess != nil {
		t.Fatal("expected nil session for a blocked peer")
	}
	if err == nil || !strings.Contains(err.Error(), "peer-blocked") {
		t.Fatalf("expected peer-blocked error, got %v", err)
	}
}

func TestRespondToHandshakeRejectsIncompatibleVersion(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &transport.Endpoint{RemoteFingerprint: "fp-v2"}
	stream := newLoopbackStreamContext(ep)
	in := wire.Handshake{DeviceID: "dev-v", Fingerprint: "fp-v2", Nonce: []byte("n3"), Version: "2.0.0"}
	local := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}

	sess, err := m.respondToHandshake(context.Background(), ep, stream, in, local)
	if sess != nil {
		t.Fatal("expected nil session on version mismatch")
	}
	if err == nil || !strings.Contains(err.Error(), "version-incompatible") {
		t.Fatalf("expected version-incompatible error, got %v", err)
	}
}

func TestRespondToHandshakeRejectsReplayedNonce(t *testing.T) {
	m, _, trust := newTestManager(t)
	fp := "fp-trusted"
	if err := trust.Trust(fp, "dev-t", "Trusted"); err != nil {
		t.Fatal(err)
	}
	nonce := []byte("reused-nonce")
	local := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}
	in := wire.Handshake{DeviceID: "dev-t", Name: "Trusted", Type: "phone", Fingerprint: fp, Nonce: nonce, Version: "1.0.0"}
	ep := &transport.Endpoint{RemoteFingerprint: fp}

	first := newLoopbackStreamContext(ep)
	if _, err := m.respondToHandshake(context.Background(), ep, first, in, local); err != nil {
		t.Fatalf("first handshake with a fresh nonce should succeed, got %v", err)
	}

	second := newLoopbackStreamContext(ep)
	sess, err := m.respondToHandshake(context.Background(), ep, second, in, local)
	if sess != nil {
		t.Fatal("expected nil session on nonce replay")
	}
	if err == nil || !strings.Contains(err.Error(), "replayed-nonce") {
		t.Fatalf("expected replayed-nonce error, got %v", err)
	}
}

func TestRespondToHandshakeUnknownPeerGoesPending(t *testing.T) {
	m, _, _ := newTestManager(t)
	var gotName, gotFP, gotID string
	m.host.OnPairingRequest = func(deviceName, fingerprint, deviceID string) {
		gotName, gotFP, gotID = deviceName, fingerprint, deviceID
	}
	fp := "fp-unknown"
	ep := &transport.Endpoint{RemoteFingerprint: fp}
	stream := newLoopbackStreamContext(ep)
	in := wire.Handshake{DeviceID: "dev-u", Name: "Unknown", Type: "phone", Fingerprint: fp, Nonce: []byte("n5"), Version: "1.0.0"}
	local := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}

	sess, err := m.respondToHandshake(context.Background(), ep, stream, in, local)
	if sess == nil {
		t.Fatal("expected a pending session, not nil")
	}
	if err == nil || !strings.Contains(err.Error(), "pairing-timeout") {
		t.Fatalf("expected pairing-timeout error, got %v", err)
	}
	if sess.State() != StateHandshaking {
		t.Fatalf("expected pending session to stay handshaking, got %s", sess.State())
	}
	if gotFP != fp || gotID != "dev-u" || gotName != "Unknown" {
		t.Fatalf("OnPairingRequest not invoked with expected args: name=%s fp=%s id=%s", gotName, gotFP, gotID)
	}
	m.mu.Lock()
	p, ok := m.pending[fp]
	if ok {
		p.timer.Stop()
	}
	m.mu.Unlock()
	if !ok {
		t.Fatal("expected a pending-pairing entry")
	}
}

func TestAwaitAckRejectsFingerprintMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &transport.Endpoint{RemoteFingerprint: "fp-real"}
	stream := newLoopbackStreamContext(ep)
	ack := wire.HandshakeAck{DeviceID: "dev-z", Fingerprint: "fp-claimed", Decision: wire.DecisionAccept, Version: "1.0.0"}
	env, err := wire.Encode(wire.KindHandshakeAck, 0, ack)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.Write(stream.Stream, env); err != nil {
		t.Fatal(err)
	}

	sent := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}
	sess, err := m.awaitAck(context.Background(), ep, stream, sent)
	if sess != nil {
		t.Fatal("expected nil session on ack fingerprint mismatch")
	}
	if err == nil || !strings.Contains(err.Error(), "fingerprint-mismatch") {
		t.Fatalf("expected fingerprint-mismatch error, got %v", err)
	}
}

func TestAwaitAckRejectsIncompatibleVersion(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &transport.Endpoint{RemoteFingerprint: "fp-real"}
	stream := newLoopbackStreamContext(ep)
	ack := wire.HandshakeAck{DeviceID: "dev-z", Fingerprint: "fp-real", Decision: wire.DecisionAccept, Version: "9.9.9"}
	env, err := wire.Encode(wire.KindHandshakeAck, 0, ack)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.Write(stream.Stream, env); err != nil {
		t.Fatal(err)
	}

	sent := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}
	sess, err := m.awaitAck(context.Background(), ep, stream, sent)
	if sess != nil {
		t.Fatal("expected nil session on version mismatch")
	}
	if err == nil || !strings.Contains(err.Error(), "version-incompatible") {
		t.Fatalf("expected version-incompatible error, got %v", err)
	}
}

func TestAwaitAckHandlesRejectDecision(t *testing.T) {
	m, _, _ := newTestManager(t)
	ep := &transport.Endpoint{RemoteFingerprint: "fp-real"}
	stream := newLoopbackStreamContext(ep)
	ack := wire.HandshakeAck{DeviceID: "dev-z", Fingerprint: "fp-real", Decision: wire.DecisionReject, Version: "1.0.0"}
	env, err := wire.Encode(wire.KindHandshakeAck, 0, ack)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.Write(stream.Stream, env); err != nil {
		t.Fatal(err)
	}

	sent := wire.Handshake{DeviceID: m.local.DeviceID.String(), Fingerprint: m.local.Fingerprint, Version: "1.0.0"}
	sess, err := m.awaitAck(context.Background(), ep, stream, sent)
	if sess != nil {
		t.Fatal("expected nil session on a rejected pairing")
	}
	if err == nil || !strings.Contains(err.Error(), "pairing-rejected") {
		t.Fatalf("expected pairing-rejected error, got %v", err)
	}
}

// TestHandshakeFullRoundTripAuthenticatesTrustedPeer drives handshake()
// on both the dialing and accepting side concurrently over a real duplex
// pipe, the way Dial and AcceptEndpointLoop do over a live QUIC stream.
func TestHandshakeFullRoundTripAuthenticatesTrustedPeer(t *testing.T) {
	mgrA, idA, _ := newTestManager(t)
	mgrB, idB, trustB := newTestManager(t)
	if err := trustB.Trust(idA.Fingerprint, idA.DeviceID.String(), idA.Name); err != nil {
		t.Fatal(err)
	}

	epA := &transport.Endpoint{IP: "10.0.0.2", Port: 9000, RemoteFingerprint: idB.Fingerprint}
	epB := &transport.Endpoint{IP: "10.0.0.1", Port: 9001, RemoteFingerprint: idA.Fingerprint}
	sA, sB := newStreamPair(epA, epB)

	type result struct {
		sess *Session
		err  error
	}
	dialCh := make(chan result, 1)
	go func() {
		sess, err := mgrA.handshake(context.Background(), epA, sA, true)
		dialCh <- result{sess, err}
	}()

	acceptSess, acceptErr := mgrB.handshake(context.Background(), epB, sB, false)
	dialResult := <-dialCh

	if acceptErr != nil {
		t.Fatalf("acceptor handshake failed: %v", acceptErr)
	}
	if dialResult.err != nil {
		t.Fatalf("dialer handshake failed: %v", dialResult.err)
	}
	if acceptSess.State() != StateAuthenticated || dialResult.sess.State() != StateAuthenticated {
		t.Fatal("expected both sides authenticated")
	}
	if acceptSess.Fingerprint != idA.Fingerprint {
		t.Fatalf("acceptor session fingerprint = %s, want %s", acceptSess.Fingerprint, idA.Fingerprint)
	}
	if dialResult.sess.Fingerprint != idB.Fingerprint {
		t.Fatalf("dialer session fingerprint = %s, want %s", dialResult.sess.Fingerprint, idB.Fingerprint)
	}
}

// TestHandshakeFullRoundTripUnknownPeerPends mirrors the above but with
// an acceptor that has never seen the dialer's fingerprint: both sides
// must come back with pairing-timeout rather than an authenticated
// session.
func TestHandshakeFullRoundTripUnknownPeerPends(t *testing.T) {
	mgrA, idA, _ := newTestManager(t)
	mgrB, idB, _ := newTestManager(t)

	epA := &transport.Endpoint{RemoteFingerprint: idB.Fingerprint}
	epB := &transport.Endpoint{RemoteFingerprint: idA.Fingerprint}
	sA, sB := newStreamPair(epA, epB)

	type result struct {
		sess *Session
		err  error
	}
	dialCh := make(chan result, 1)
	go func() {
		sess, err := mgrA.handshake(context.Background(), epA, sA, true)
		dialCh <- result{sess, err}
	}()

	_, acceptErr := mgrB.handshake(context.Background(), epB, sB, false)
	dialResult := <-dialCh

	if acceptErr == nil || !strings.Contains(acceptErr.Error(), "pairing-timeout") {
		t.Fatalf("expected acceptor pairing-timeout, got %v", acceptErr)
	}
	if dialResult.err == nil || !strings.Contains(dialResult.err.Error(), "pairing-timeout") {
		t.Fatalf("expected dialer pairing-timeout, got %v", dialResult.err)
	}
	if dialResult.sess == nil || dialResult.sess.State() != StateHandshaking {
		t.Fatal("expected dialer session left in handshaking state")
	}

	mgrB.mu.Lock()
	if p, ok := mgrB.pending[idA.Fingerprint]; ok {
		p.timer.Stop()
	}
	mgrB.mu.Unlock()
}
