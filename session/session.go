// Package session implements the Session Manager (§4.5): the
// end-to-end trust gate and router sitting on top of Transport. It
// performs the handshake, gates all non-handshake traffic by trust
// state, routes inbound envelopes to feature handlers, and tracks peer
// addresses for outbound notifications.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"github.com/paterkleomenis/connected/identity"
	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

// protocolVersion is advertised in every Handshake/HandshakeAck. A peer
// whose major version differs is rejected outright rather than risking
// a frame it cannot decode (§4.5, §9 Design Note on forward
// compatibility).
var protocolVersion = semver.MustParse("1.0.0")

// versionCompatible reports whether remote, a peer's advertised
// protocol version, shares our major version.
func versionCompatible(remote string) bool {
	v, err := semver.Parse(remote)
	if err != nil {
		return false
	}
	return v.Major == protocolVersion.Major
}

// State is a Session's position in the §4.5 state machine.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	pendingTimeout   = 120 * time.Second
)

// Session is one endpoint's lifecycle, from handshake through close. At
// most one Authenticated session exists per peer-id at any instant.
type Session struct {
	PeerID      string
	Fingerprint string
	Name        string
	DeviceType  string
	Endpoint    *transport.Endpoint

	mu      sync.Mutex
	state   State
	streams map[string]*transport.StreamContext
}

func newSession(peerID, fingerprint, name, deviceType string, ep *transport.Endpoint) *Session {
	return &Session{
		PeerID:      peerID,
		Fingerprint: fingerprint,
		Name:        name,
		DeviceType:  deviceType,
		Endpoint:    ep,
		state:       StateHandshaking,
		streams:     map[string]*transport.StreamContext{},
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// BindFeatureStream associates a stream with a feature name so causally
// ordered exchanges (e.g. MediaState followed by MediaCommand) can reuse
// it, per §4.5 Ordering.
func (s *Session) BindFeatureStream(feature string, stream *transport.StreamContext) {
	s.mu.Lock()
	s.streams[feature] = stream
	s.mu.Unlock()
}

// FeatureStream returns a previously bound stream for feature, if any.
func (s *Session) FeatureStream(feature string) (*transport.StreamContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[feature]
	return st, ok
}

// Handler processes the first envelope of a newly accepted stream.
type Handler func(ctx context.Context, sess *Session, stream *transport.StreamContext, first wire.Envelope)

// HostEvents mirrors the pairing-related callbacks from §6.
type HostEvents struct {
	OnPairingRequest func(deviceName, fingerprint, deviceID string)
	OnDeviceUnpaired func(deviceID, deviceName string, reason wire.UnpairReason)
	OnHandshakeError func(deviceID string, err error)
}

type pendingPairing struct {
	session *Session
	timer   *time.Timer
}

// transportPort is the slice of *transport.Transport the Manager
// depends on. Accepting it as an interface (rather than the concrete
// type) lets tests exercise the replacement and close paths without a
// live QUIC endpoint.
type transportPort interface {
	Dial(ctx context.Context, ip string, port int) (*transport.Endpoint, error)
	OpenStream(ctx context.Context, ep *transport.Endpoint) (*transport.StreamContext, error)
	AcceptStream(ctx context.Context, ep *transport.Endpoint) (*transport.StreamContext, error)
	Close(ep *transport.Endpoint, reason string) error
}

// Manager owns every live Session and the single live handshake per
// peer-id invariant.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // by peer-id (device-id)
	pending  map[string]*pendingPairing

	trust     *identity.Store
	local     *identity.LocalIdentity
	transport transportPort
	handlers  map[wire.Kind]Handler
	host      HostEvents
	log       *logging.Logger

	acksMu sync.Mutex
	acks   *lru.Cache // recently seen handshake nonces, keyed "fingerprint:nonce-hex", guards against replay
}

// New constructs a Manager. host may be the zero value if the embedding
// program has not wired pairing-request callbacks yet.
func New(local *identity.LocalIdentity, trust *identity.Store, t *transport.Transport, host HostEvents, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.MustGetLogger("session")
	}
	return &Manager{
		sessions:  map[string]*Session{},
		pending:   map[string]*pendingPairing{},
		trust:     trust,
		local:     local,
		transport: t,
		handlers:  map[wire.Kind]Handler{},
		host:      host,
		log:       log,
		acks:      lru.New(128),
	}
}

// nonceReplayed reports whether fingerprint has already presented nonce
// in a prior handshake attempt still within the LRU's retention, and
// records it for next time.
func (m *Manager) nonceReplayed(fingerprint string, nonce []byte) bool {
	key := fingerprint + ":" + hex.EncodeToString(nonce)
	m.acksMu.Lock()
	defer m.acksMu.Unlock()
	if _, seen := m.acks.Get(key); seen {
		return true
	}
	m.acks.Add(key, struct{}{})
	return false
}

// RegisterHandler wires kind to the handler invoked when a new stream's
// first envelope carries it.
func (m *Manager) RegisterHandler(kind wire.Kind, h Handler) {
	m.mu.Lock()
	m.handlers[kind] = h
	m.mu.Unlock()
}

// Authenticated returns the current Authenticated session for peerID, if any.
func (m *Manager) Authenticated(peerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	if !ok || s.State() != StateAuthenticated {
		return nil, false
	}
	return s, true
}

// ByAddress returns the live Authenticated session whose endpoint is
// reachable at ip:port, used to route host operations that take a raw
// address rather than a peer-id (§6's ip/port-keyed operations).
func (m *Manager) ByAddress(ip string, port int) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.State() == StateAuthenticated && s.Endpoint.IP == ip && s.Endpoint.Port == port {
			return s, true
		}
	}
	return nil, false
}

// ByFingerprint returns the live Authenticated session bound to
// fingerprint, if any.
func (m *Manager) ByFingerprint(fingerprint string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.State() == StateAuthenticated && s.Fingerprint == fingerprint {
			return s, true
		}
	}
	return nil, false
}

// CloseByFingerprint forcibly closes a live session identified by its
// fingerprint rather than its peer-id, used when a block targets a
// fingerprint the host has not yet resolved to a device-id.
func (m *Manager) CloseByFingerprint(fingerprint, reason string) {
	m.mu.RLock()
	var target *Session
	for _, s := range m.sessions {
		if s.Fingerprint == fingerprint {
			target = s
			break
		}
	}
	m.mu.RUnlock()
	if target != nil {
		m.closeSession(target, reason)
	}
}

// Sessions returns a snapshot of all live sessions (any state).
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func nonce() ([]byte, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	return b, err
}

// Dial opens a connection to ip:port and performs the handshake as the
// dialing side.
func (m *Manager) Dial(ctx context.Context, ip string, port int) (*Session, error) {
	ep, err := m.transport.Dial(ctx, ip, port)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	stream, err := m.transport.OpenStream(hctx, ep)
	if err != nil {
		m.transport.Close(ep, transport.ReasonTransportError)
		return nil, err
	}
	return m.handshake(hctx, ep, stream, true)
}

// AcceptEndpointLoop is the per-endpoint accept_stream loop (§5): it
// performs the handshake as the accepting side on the endpoint's first
// stream, then routes every subsequent stream until the session closes.
func (m *Manager) AcceptEndpointLoop(ctx context.Context, ep *transport.Endpoint) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	stream, err := m.transport.AcceptStream(hctx, ep)
	cancel()
	if err != nil {
		m.transport.Close(ep, transport.ReasonTransportError)
		return
	}
	sess, err := m.handshake(ctx, ep, stream, false)
	if err != nil || sess == nil {
		return
	}
	for {
		s, err := m.transport.AcceptStream(ctx, ep)
		if err != nil {
			m.closeSession(sess, "transport-dropped")
			return
		}
		go m.routeStream(ctx, sess, s)
	}
}

// handshake performs both sides of §4.5's Handshake/HandshakeAck
// exchange on stream. It returns the Authenticated Session; a Session
// still Handshaking together with a pairing-timeout error while the
// pairing awaits a decision; or nil and an error if the peer is blocked,
// the fingerprint or protocol version mismatches, the nonce is replayed,
// or the stream fails. The error is only returned to the caller;
// HostEvents.OnHandshakeError is not invoked.
func (m *Manager) handshake(ctx context.Context, ep *transport.Endpoint, stream *transport.StreamContext, isDialer bool) (*Session, error) {
	n, err := nonce()
	if err != nil {
		return nil, err
	}
	outbound := wire.Handshake{
		DeviceID:    m.local.DeviceID.String(),
		Name:        m.local.Name,
		Type:        m.local.DeviceType,
		Fingerprint: m.local.Fingerprint,
		Nonce:       n,
		Version:     protocolVersion.String(),
	}

	if isDialer {
		if err := stream.WriteEnvelope(wire.KindHandshake, 0, outbound); err != nil {
			return nil, err
		}
		return m.awaitAck(ctx, ep, stream, outbound)
	}

	env, err := stream.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindHandshake {
		m.transport.Close(ep, transport.ReasonTransportError)
		return nil, fmt.Errorf("bad-frame: expected Handshake, got %s", env.Kind)
	}
	var inbound wire.Handshake
	if err := env.Decode(&inbound); err != nil {
		return nil, err
	}
	return m.respondToHandshake(ctx, ep, stream, inbound, outbound)
}

// awaitAck is the dialing side's half of the handshake: send already
// done by the caller, now wait for HandshakeAck and verify it.
func (m *Manager) awaitAck(ctx context.Context, ep *transport.Endpoint, stream *transport.StreamContext, sent wire.Handshake) (*Session, error) {
	env, err := stream.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	if env.Kind != wire.KindHandshakeAck {
		m.transport.Close(ep, transport.ReasonTransportError)
		return nil, fmt.Errorf("bad-frame: expected HandshakeAck, got %s", env.Kind)
	}
	var ack wire.HandshakeAck
	if err := env.Decode(&ack); err != nil {
		return nil, err
	}
	if ack.Fingerprint != ep.RemoteFingerprint {
		m.transport.Close(ep, "fingerprint-mismatch")
		return nil, fmt.Errorf("fingerprint-mismatch: handshake payload does not match TLS-presented key")
	}
	if !versionCompatible(ack.Version) {
		m.transport.Close(ep, "version-incompatible")
		return nil, fmt.Errorf("version-incompatible: peer advertised %q, local is %s", ack.Version, protocolVersion)
	}
	switch ack.Decision {
	case wire.DecisionReject:
		m.transport.Close(ep, "peer-blocked")
		return nil, fmt.Errorf("pairing-rejected")
	case wire.DecisionAccept:
		sess := newSession(ack.DeviceID, ack.Fingerprint, ack.Name, ack.Type, ep)
		m.activate(sess)
		m.trust.UpdateLastSeen(ack.Fingerprint, ep.IP, ep.Port)
		sess.BindFeatureStream("handshake", stream)
		return sess, nil
	default: // pending
		sess := newSession(ack.DeviceID, ack.Fingerprint, ack.Name, ack.Type, ep)
		sess.setState(StateHandshaking)
		m.mu.Lock()
		m.sessions[sess.PeerID] = sess
		m.mu.Unlock()
		return sess, fmt.Errorf("pairing-timeout: awaiting remote approval")
	}
}

// respondToHandshake is the accepting side's half: decide accept,
// pending, or reject based on the trust store, and reply.
func (m *Manager) respondToHandshake(ctx context.Context, ep *transport.Endpoint, stream *transport.StreamContext, in wire.Handshake, local wire.Handshake) (*Session, error) {
	if in.Fingerprint != ep.RemoteFingerprint {
		stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
			DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
			Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionReject, Version: protocolVersion.String(),
		})
		m.transport.Close(ep, "fingerprint-mismatch")
		return nil, fmt.Errorf("fingerprint-mismatch: claimed fingerprint does not match TLS-presented key")
	}

	if !versionCompatible(in.Version) {
		stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
			DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
			Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionReject, Version: protocolVersion.String(),
		})
		m.transport.Close(ep, "version-incompatible")
		return nil, fmt.Errorf("version-incompatible: peer advertised %q, local is %s", in.Version, protocolVersion)
	}

	if m.nonceReplayed(in.Fingerprint, in.Nonce) {
		stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
			DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
			Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionReject, Version: protocolVersion.String(),
		})
		m.transport.Close(ep, "replayed-nonce")
		return nil, fmt.Errorf("replayed-nonce: fingerprint %s reused a prior handshake nonce", in.Fingerprint)
	}

	status, known := m.trust.StatusByFingerprint(in.Fingerprint)
	if known && status == identity.StatusBlocked {
		stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
			DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
			Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionReject, Version: protocolVersion.String(),
		})
		m.transport.Close(ep, "peer-blocked")
		return nil, fmt.Errorf("peer-blocked")
	}

	if known && status == identity.StatusTrusted {
		if err := stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
			DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
			Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionAccept, Version: protocolVersion.String(),
		}); err != nil {
			return nil, err
		}
		sess := newSession(in.DeviceID, in.Fingerprint, in.Name, in.Type, ep)
		m.activate(sess)
		m.trust.UpdateLastSeen(in.Fingerprint, ep.IP, ep.Port)
		sess.BindFeatureStream("handshake", stream)
		return sess, nil
	}

	// Unknown fingerprint: reply pending and ask the host to decide.
	if err := stream.WriteEnvelope(wire.KindHandshakeAck, 0, wire.HandshakeAck{
		DeviceID: local.DeviceID, Name: local.Name, Type: local.Type,
		Fingerprint: local.Fingerprint, NonceEcho: in.Nonce, Decision: wire.DecisionPending, Version: protocolVersion.String(),
	}); err != nil {
		return nil, err
	}
	sess := newSession(in.DeviceID, in.Fingerprint, in.Name, in.Type, ep)
	m.mu.Lock()
	m.sessions[sess.PeerID] = sess
	timer := time.AfterFunc(pendingTimeout, func() { m.expirePending(in.Fingerprint) })
	m.pending[in.Fingerprint] = &pendingPairing{session: sess, timer: timer}
	m.mu.Unlock()

	if m.host.OnPairingRequest != nil {
		m.host.OnPairingRequest(in.Name, in.Fingerprint, in.DeviceID)
	}
	return sess, fmt.Errorf("pairing-timeout: awaiting host decision")
}

func (m *Manager) expirePending(fingerprint string) {
	m.mu.Lock()
	p, ok := m.pending[fingerprint]
	if ok {
		delete(m.pending, fingerprint)
	}
	m.mu.Unlock()
	if ok {
		m.closeSession(p.session, "pairing-timeout")
	}
}

// ResolvePending is invoked once the host calls trust_device or
// block_device for a fingerprint with a pending handshake: it either
// authenticates the waiting session or tears it down.
func (m *Manager) ResolvePending(fingerprint string, trusted bool) {
	m.mu.Lock()
	p, ok := m.pending[fingerprint]
	if ok {
		delete(m.pending, fingerprint)
		p.timer.Stop()
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if trusted {
		m.activate(p.session)
	} else {
		m.closeSession(p.session, "peer-blocked")
	}
}

// activate marks sess Authenticated, replacing (and closing) any
// previous Authenticated session for the same peer-id. Replacement is
// linearized: the old session is marked Closing before the new one
// becomes Authenticated (§5 Ordering).
func (m *Manager) activate(sess *Session) {
	m.mu.Lock()
	old, existed := m.sessions[sess.PeerID]
	if existed && old != sess {
		old.setState(StateClosing)
	}
	m.sessions[sess.PeerID] = sess
	m.mu.Unlock()

	sess.setState(StateAuthenticated)

	if existed && old != sess {
		m.transport.Close(old.Endpoint, "session-superseded")
		old.setState(StateClosed)
	}
}

func (m *Manager) closeSession(sess *Session, reason string) {
	sess.setState(StateClosing)
	m.transport.Close(sess.Endpoint, reason)
	sess.setState(StateClosed)
	m.mu.Lock()
	if cur, ok := m.sessions[sess.PeerID]; ok && cur == sess {
		delete(m.sessions, sess.PeerID)
	}
	m.mu.Unlock()
}

// CloseByPeerID forcibly closes a live session, used when a peer's
// UnpairNotification reports that it has blocked this device (§4.5:
// "blocked causes immediate session termination if a session is live").
func (m *Manager) CloseByPeerID(peerID, reason string) {
	m.mu.RLock()
	sess, ok := m.sessions[peerID]
	m.mu.RUnlock()
	if ok {
		m.closeSession(sess, reason)
	}
}

// routeStream reads the first envelope of a newly accepted stream and
// dispatches to the registered handler for its Kind. A Handshake
// envelope arriving here (not on the dedicated handshake stream) is
// bad-frame and closes only this stream, per the boundary test in §8.
func (m *Manager) routeStream(ctx context.Context, sess *Session, stream *transport.StreamContext) {
	env, err := stream.ReadEnvelope()
	if err != nil {
		return
	}
	if env.Kind == wire.KindHandshake || env.Kind == wire.KindHandshakeAck {
		m.log.Warning("bad-frame: handshake kind on non-handshake stream from", sess.PeerID)
		stream.Close()
		return
	}
	m.mu.RLock()
	h, ok := m.handlers[env.Kind]
	m.mu.RUnlock()
	if !ok {
		m.log.Debug("unknown-required-kind:", env.Kind, "from", sess.PeerID)
		return
	}
	h(ctx, sess, stream, env)
}

// OpenFeatureStream opens a new stream on sess's endpoint for a feature
// handler to use (e.g. a file transfer job).
func (m *Manager) OpenFeatureStream(ctx context.Context, sess *Session) (*transport.StreamContext, error) {
	return m.transport.OpenStream(ctx, sess.Endpoint)
}
