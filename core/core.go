// Package core assembles the seven components into the single
// instanceable value the host embeds (§9 Design Note: "the core itself
// is instanceable and testable" — no process-wide globals).
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/op/go-logging"

	"github.com/paterkleomenis/connected/discovery"
	"github.com/paterkleomenis/connected/dispatch"
	"github.com/paterkleomenis/connected/identity"
	"github.com/paterkleomenis/connected/internal/taskpool"
	"github.com/paterkleomenis/connected/session"
	"github.com/paterkleomenis/connected/transfer"
	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

// DefaultPort is the well-known advertised port (§6).
const DefaultPort = 44444

// Config is every knob initialize(...) needs; no hidden globals back it.
type Config struct {
	DeviceName  string
	DeviceType  string
	BindPort    int
	StoragePath string
	AdvertiseIP string

	// Bluetooth is the host-provided BLE advisory beacon driver (§4.3).
	// Nil defaults to discovery.NoopBluetoothDriver{}, which advertises
	// and observes nothing.
	Bluetooth discovery.BluetoothDriver
}

// DefaultConfig returns a Config with sensible defaults for storagePath.
func DefaultConfig(storagePath string) Config {
	return Config{
		DeviceName:  "connected-device",
		DeviceType:  "desktop",
		BindPort:    DefaultPort,
		StoragePath: storagePath,
	}
}

// Events is the full host-subscribed callback surface (§6, and §9
// Design Note "callback fan-out": one outbound channel per feature,
// modeled here as one struct of callbacks the host supplies up front).
type Events struct {
	OnPairingRequest func(deviceName, fingerprint, deviceID string)
	OnDeviceUnpaired func(deviceID, deviceName string, reason wire.UnpairReason)

	Discovery discovery.Callback
	Transfer  transfer.Callbacks
	Clipboard dispatch.ClipboardCallbacks
	Media     dispatch.MediaCallbacks
	Telephony dispatch.TelephonyCallbacks
}

// Core is the host-owned façade over every component.
type Core struct {
	cfg    Config
	events Events
	log    *logging.Logger

	identity  *identity.LocalIdentity
	trust     *identity.Store
	transport *transport.Transport
	registry  *discovery.Registry
	sessions  *session.Manager
	transfers *transfer.Manager
	dispatch  *dispatch.Dispatcher
	bluetooth discovery.BluetoothDriver

	boundPort int

	mu               sync.Mutex
	started          bool
	discoveryRunning bool
	announcer        *discovery.Announcer
	stopDiscovery    context.CancelFunc
	stopBLEScan      context.CancelFunc
}

// Initialize wires every component and starts listening. Idempotency of
// the underlying identity is handled by identity.Initialize; calling
// Initialize a second time for the same storage_path yields a Core
// bound to the same device identity.
func Initialize(cfg Config, events Events, log *logging.Logger) (*Core, error) {
	return initialize(cfg, events, log)
}

// InitializeWithIP forces the advertised discovery IP rather than
// letting mDNS pick the local interface address (§6).
func InitializeWithIP(cfg Config, ip string, events Events, log *logging.Logger) (*Core, error) {
	cfg.AdvertiseIP = ip
	return initialize(cfg, events, log)
}

func initialize(cfg Config, events Events, log *logging.Logger) (*Core, error) {
	if log == nil {
		log = logging.MustGetLogger("core")
	}

	id, err := identity.Initialize(cfg.StoragePath, cfg.DeviceName, cfg.DeviceType)
	if err != nil {
		return nil, err
	}
	trustStore, err := identity.NewStore(cfg.StoragePath, log)
	if err != nil {
		return nil, err
	}

	t := transport.New(id, log)
	boundPort, err := t.Listen(context.Background(), cfg.BindPort)
	if err != nil {
		return nil, err
	}

	bluetooth := cfg.Bluetooth
	if bluetooth == nil {
		bluetooth = discovery.NoopBluetoothDriver{}
	}

	c := &Core{
		cfg:       cfg,
		events:    events,
		log:       log,
		identity:  id,
		trust:     trustStore,
		transport: t,
		bluetooth: bluetooth,
		boundPort: boundPort,
	}

	hostEvents := session.HostEvents{
		OnPairingRequest: events.OnPairingRequest,
		OnDeviceUnpaired: events.OnDeviceUnpaired,
	}
	c.sessions = session.New(id, trustStore, t, hostEvents, log)
	c.sessions.RegisterHandler(wire.KindUnpairNotification, c.handleUnpairNotification)
	c.sessions.RegisterHandler(wire.KindTrustConfirmation, c.handleTrustConfirmation)
	c.sessions.RegisterHandler(wire.KindPing, c.handlePing)

	downloadsDir := filepath.Join(cfg.StoragePath, "downloads")
	transfersDir := filepath.Join(cfg.StoragePath, "transfers")
	c.transfers = transfer.New(c.sessions, downloadsDir, transfersDir, events.Transfer, log)
	c.dispatch = dispatch.New(c.sessions, c.transfers, events.Clipboard, events.Media, events.Telephony, log)
	c.registry = discovery.NewRegistry(events.Discovery, log)

	c.started = true
	taskpool.Go(log, "endpoint-accept-loop", c.acceptLoop)

	return c, nil
}

func (c *Core) acceptLoop() {
	ctx := context.Background()
	for {
		ep, err := c.transport.AcceptEndpoint(ctx)
		if err != nil {
			c.log.Warning("endpoint accept loop stopped:", err)
			return
		}
		taskpool.Go(c.log, "session-handshake", func() {
			c.sessions.AcceptEndpointLoop(ctx, ep)
		})
	}
}

// Shutdown cancels discovery, closes every endpoint through
// transport.Shutdown (no time bound is applied), and marks the Core
// stopped.
func (c *Core) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.stopDiscoveryLocked()
	err := c.transport.Shutdown()
	c.started = false
	return err
}

// StartDiscovery announces the local device and begins browsing for
// peers (§4.3, §6). It also advertises the local device-id over the BLE
// beacon driver and folds its sightings into the same registry mDNS
// feeds — advisory only, never a substitute for the mDNS record itself.
// Calling it twice is a no-op.
func (c *Core) StartDiscovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoveryRunning {
		return nil
	}

	ann, err := discovery.Announce(c.identity.DeviceID.String(), c.cfg.DeviceName, c.cfg.DeviceType, c.boundPort, c.log)
	if err != nil {
		return err
	}
	c.announcer = ann
	c.registry.StartEviction()

	browseCtx, cancel := context.WithCancel(ctx)
	c.stopDiscovery = cancel
	taskpool.Go(c.log, "mdns-browse", func() {
		if err := discovery.Browse(browseCtx, c.registry, c.log); err != nil && browseCtx.Err() == nil {
			c.log.Warning("mdns browse stopped:", err)
		}
	})

	c.startBLEBeaconLocked()

	c.discoveryRunning = true
	return nil
}

// startBLEBeaconLocked advertises the local device-id over c.bluetooth
// and starts a goroutine folding its sightings into c.registry. A driver
// error here is only ever logged: BLE is an advisory bootstrap, never a
// requirement for discovery to function (§4.3).
func (c *Core) startBLEBeaconLocked() {
	beaconUUID, err := discovery.BeaconUUID(c.identity.DeviceID.String())
	if err != nil {
		c.log.Warning("ble beacon uuid derivation failed:", err)
		return
	}
	if err := c.bluetooth.AddService(beaconUUID); err != nil {
		c.log.Warning("ble beacon advertise failed:", err)
		return
	}
	readChan, err := c.bluetooth.ReadChan()
	if err != nil {
		c.log.Warning("ble beacon scan failed:", err)
		return
	}

	scanCtx, cancel := context.WithCancel(context.Background())
	c.stopBLEScan = cancel
	taskpool.Go(c.log, "ble-beacon-scan", func() {
		for {
			select {
			case <-scanCtx.Done():
				return
			case raw, ok := <-readChan:
				if !ok {
					return
				}
				deviceID, err := discovery.DeviceIDFromBeacon(raw)
				if err != nil {
					continue
				}
				c.registry.Observe(discovery.DiscoveredDevice{DeviceID: deviceID})
			}
		}
	})
}

// StopDiscovery halts announcement and browsing without clearing
// already-discovered devices (§6).
func (c *Core) StopDiscovery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDiscoveryLocked()
}

func (c *Core) stopDiscoveryLocked() {
	if !c.discoveryRunning {
		return
	}
	if c.stopDiscovery != nil {
		c.stopDiscovery()
	}
	if c.announcer != nil {
		c.announcer.Close()
	}
	if c.stopBLEScan != nil {
		c.stopBLEScan()
		c.stopBLEScan = nil
	}
	if beaconUUID, err := discovery.BeaconUUID(c.identity.DeviceID.String()); err == nil {
		if err := c.bluetooth.RemoveService(beaconUUID); err != nil {
			c.log.Warning("ble beacon remove failed:", err)
		}
	}
	c.bluetooth.Stop()
	c.registry.Stop()
	c.discoveryRunning = false
}

// GetDiscoveredDevices returns a snapshot of currently-known peers.
func (c *Core) GetDiscoveredDevices() []discovery.DiscoveredDevice {
	return c.registry.Devices()
}

// ClearDiscoveredDevices resets the registry without emitting Lost
// events (§6: a UI action, not a network event).
func (c *Core) ClearDiscoveredDevices() {
	c.registry.Clear()
}

// PairDevice dials ip:port and begins the handshake. The session's
// final trust decision — accept, pending, or reject — is resolved by
// the trust store during the handshake itself (§4.5); a pending result
// surfaces here as OnPairingRequest on the accepting side, resolved
// later via ResolvePending once the host calls TrustDevice.
func (c *Core) PairDevice(ctx context.Context, ip string, port int) (*session.Session, error) {
	return c.sessions.Dial(ctx, ip, port)
}

// TrustDevice records fingerprint as trusted under deviceID/name and,
// if a pairing for that fingerprint is presently pending, resolves it
// to Authenticated.
func (c *Core) TrustDevice(fingerprint, deviceID, name string) error {
	if err := c.trust.Trust(fingerprint, deviceID, name); err != nil {
		return err
	}
	c.sessions.ResolvePending(fingerprint, true)
	return nil
}

// BlockDevice marks fingerprint blocked and forcibly closes any live
// session bound to it.
func (c *Core) BlockDevice(fingerprint string) error {
	if err := c.trust.Block(fingerprint); err != nil {
		return err
	}
	c.sessions.ResolvePending(fingerprint, false)
	c.sessions.CloseByFingerprint(fingerprint, "blocked")
	return nil
}

// ForgetDevice removes deviceID from the trust store, letting a future
// pairing attempt start fresh. If the device's fingerprint is blocked,
// the entry is kept and stays blocked.
func (c *Core) ForgetDevice(deviceID string) error {
	return c.trust.Forget(deviceID)
}

// IsDeviceTrusted reports whether deviceID currently holds trusted
// status.
func (c *Core) IsDeviceTrusted(deviceID string) bool {
	return c.trust.IsTrusted(deviceID)
}

// UnpairDeviceByID forgets deviceID locally and, if a live session for
// it exists, notifies the peer before closing the connection (§6).
func (c *Core) UnpairDeviceByID(ctx context.Context, deviceID string) error {
	var fingerprint string
	for _, p := range c.trust.Peers() {
		if p.DeviceID == deviceID {
			fingerprint = p.Fingerprint
			break
		}
	}
	if err := c.trust.Forget(deviceID); err != nil {
		return err
	}
	if fingerprint == "" {
		return nil
	}
	if sess, ok := c.sessions.ByFingerprint(fingerprint); ok {
		_ = c.SendUnpairNotification(ctx, sess, wire.ReasonUnpaired)
		c.sessions.CloseByFingerprint(fingerprint, "unpaired")
	}
	return nil
}

// SendTrustConfirmation tells the peer on sess that the local trust
// store now considers it trusted. This is only ever true once the local
// trust store itself has reached trusted(fingerprint) — a confirmation
// sent any earlier (or after a later BlockDevice) would hand the peer an
// authoritative trust assertion the local side cannot back up.
func (c *Core) SendTrustConfirmation(ctx context.Context, sess *session.Session) error {
	if status, ok := c.trust.StatusByFingerprint(sess.Fingerprint); !ok || status != identity.StatusTrusted {
		return fmt.Errorf("not-trusted: local trust store does not hold %s as trusted", sess.Fingerprint)
	}
	stream, err := c.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindTrustConfirmation, 0, wire.TrustConfirmation{Fingerprint: sess.Fingerprint})
}

// SendUnpairNotification tells the peer on sess that the local side
// has unpaired it, for reason.
func (c *Core) SendUnpairNotification(ctx context.Context, sess *session.Session, reason wire.UnpairReason) error {
	stream, err := c.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindUnpairNotification, 0, wire.UnpairNotification{Reason: reason})
}

// SendFile offers localPath to sess (§4.6).
func (c *Core) SendFile(ctx context.Context, sess *session.Session, localPath string) (*transfer.Job, error) {
	return c.transfers.SendFile(ctx, sess, localPath)
}

// SendDirectory offers localDir to sess (§4.6).
func (c *Core) SendDirectory(ctx context.Context, sess *session.Session, localDir string) (*transfer.Job, error) {
	return c.transfers.SendDirectory(ctx, sess, localDir)
}

// AcceptFileTransfer accepts a pending incoming offer by job id.
func (c *Core) AcceptFileTransfer(ctx context.Context, jobID string) error {
	return c.transfers.AcceptTransfer(ctx, jobID)
}

// RejectFileTransfer declines a pending incoming offer by job id.
func (c *Core) RejectFileTransfer(jobID, reason string) error {
	return c.transfers.RejectTransfer(jobID, reason)
}

// CancelTransfer aborts an in-flight transfer.
func (c *Core) CancelTransfer(jobID string) error {
	return c.transfers.Cancel(jobID)
}

// TransferJob looks up a transfer job by id.
func (c *Core) TransferJob(jobID string) (*transfer.Job, bool) {
	return c.transfers.Job(jobID)
}

// SendClipboard pushes text to sess's clipboard feature (§4.7).
func (c *Core) SendClipboard(ctx context.Context, sess *session.Session, text string) error {
	return c.dispatch.SendClipboard(ctx, sess, text, c.identity.DeviceID.String())
}

// SendMediaCommand sends a transport control command to sess (§4.7).
func (c *Core) SendMediaCommand(ctx context.Context, sess *session.Session, command string) error {
	return c.dispatch.SendMediaCommand(ctx, sess, command)
}

// SendMediaState pushes now-playing state to sess (§4.7).
func (c *Core) SendMediaState(ctx context.Context, sess *session.Session, state wire.MediaState) error {
	return c.dispatch.SendMediaState(ctx, sess, state)
}

// SendTelephonyRequest issues a blocking request/response call to sess
// (§4.7).
func (c *Core) SendTelephonyRequest(ctx context.Context, sess *session.Session, req wire.TelephonyRequest) (wire.TelephonyResult, error) {
	return c.dispatch.SendTelephonyRequest(ctx, sess, req)
}

// SendTelephonyEvent fires a one-way telephony event at sess (§4.7).
func (c *Core) SendTelephonyEvent(ctx context.Context, sess *session.Session, event wire.TelephonyEvent) error {
	return c.dispatch.SendTelephonyEvent(ctx, sess, event)
}

// RegisterFilesystemProvider exposes root to remote ListDir/Thumbnail/
// Download requests via p (§4.7).
func (c *Core) RegisterFilesystemProvider(root string, p dispatch.FilesystemProvider) {
	c.dispatch.RegisterFilesystemProvider(root, p)
}

// RequestListDir asks sess to list path under its registered root.
func (c *Core) RequestListDir(ctx context.Context, sess *session.Session, path string) (wire.ListDirResult, error) {
	return c.dispatch.RequestListDir(ctx, sess, path)
}

// RequestGetThumbnail asks sess for a thumbnail of path.
func (c *Core) RequestGetThumbnail(ctx context.Context, sess *session.Session, path string) (wire.ThumbnailResult, error) {
	return c.dispatch.RequestGetThumbnail(ctx, sess, path)
}

// RequestDownloadFile asks sess to push path as a new file transfer
// into the local downloads directory.
func (c *Core) RequestDownloadFile(ctx context.Context, sess *session.Session, path string) error {
	return c.dispatch.RequestDownloadFile(ctx, sess, path)
}

// AuthenticatedSession looks up a live session by peer/device id.
func (c *Core) AuthenticatedSession(peerID string) (*session.Session, bool) {
	return c.sessions.Authenticated(peerID)
}

// Sessions returns every live session, regardless of state.
func (c *Core) Sessions() []*session.Session {
	return c.sessions.Sessions()
}

// LocalFingerprint returns this device's key-bound identity.
func (c *Core) LocalFingerprint() string {
	return c.identity.Fingerprint
}

// BoundPort returns the UDP port actually bound (may differ from
// Config.BindPort when 0 was requested).
func (c *Core) BoundPort() int {
	return c.boundPort
}

func (c *Core) handleUnpairNotification(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var n wire.UnpairNotification
	if err := first.Decode(&n); err != nil {
		return
	}
	if c.events.OnDeviceUnpaired != nil {
		c.events.OnDeviceUnpaired(sess.PeerID, sess.Name, n.Reason)
	}
	if n.Reason == wire.ReasonBlocked {
		c.sessions.CloseByPeerID(sess.PeerID, "peer-blocked")
	}
}

func (c *Core) handleTrustConfirmation(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var tc wire.TrustConfirmation
	if err := first.Decode(&tc); err != nil {
		return
	}
	c.log.Debug("received trust confirmation from", sess.PeerID, "for", tc.Fingerprint)
}

func (c *Core) handlePing(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var ping wire.Ping
	if err := first.Decode(&ping); err != nil {
		return
	}
	stream.WriteEnvelope(wire.KindPong, 0, wire.Pong{Token: ping.Token})
}
