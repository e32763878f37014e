// Package dispatch implements the Feature Dispatcher (§4.7): small,
// mostly stateless handlers wired onto the session manager's routing
// table. None of them hold networking state of their own — they read
// one envelope, consult or update a host-supplied provider, and reply.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/paterkleomenis/connected/session"
	"github.com/paterkleomenis/connected/transfer"
	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

// echoSuppressWindow is how long the last clipboard text sent to or
// received from a peer is remembered; the same text arriving from that
// peer again within the window is dropped (§4.7).
const echoSuppressWindow = 2 * time.Second

// ClipboardCallbacks mirrors the clipboard half of §6.
type ClipboardCallbacks struct {
	OnClipboardReceived func(text, from string)
}

// MediaCallbacks mirrors the media half of §6.
type MediaCallbacks struct {
	OnMediaCommand    func(from, command string)
	OnMediaStateUpdate func(from string, state wire.MediaState)
}

// TelephonyCallbacks mirrors the telephony half of §6.
type TelephonyCallbacks struct {
	OnTelephonyRequest func(from string, req wire.TelephonyRequest) (wire.TelephonyResult, error)
	OnTelephonyEvent   func(from string, event wire.TelephonyEvent)
}

// FilesystemProvider is the host-injected capability set backing the
// remote filesystem handler (§6 "host as provider", §9 Design Note on
// platform I/O: "all platform-specific I/O is expressed as capability-set
// interfaces... the host injects; the core never touches the OS directly").
// OpenRead backs DownloadFile: a peer-requested download is always served
// through this provider, never by opening the local OS filesystem directly.
type FilesystemProvider interface {
	ListDir(path string) ([]wire.DirEntry, error)
	GetThumbnail(path string) ([]byte, error)
	OpenRead(path string) (io.ReadSeekCloser, error)
}

// Dispatcher wires every feature handler onto a session.Manager.
type Dispatcher struct {
	sessions    *session.Manager
	transferMgr *transfer.Manager
	log         *logging.Logger

	clipboard ClipboardCallbacks
	media     MediaCallbacks
	telephony TelephonyCallbacks

	fsMu   sync.RWMutex
	fsRoot string
	fsProv FilesystemProvider

	lastMu   sync.Mutex
	lastSeen map[string]lastClip
}

type lastClip struct {
	text string
	at   time.Time
}

// New constructs a Dispatcher and registers its handlers with sessions.
// transferMgr answers DownloadFile requests by opening an outbound job;
// it may be nil if the host never registers a filesystem provider.
func New(sessions *session.Manager, transferMgr *transfer.Manager, clipboard ClipboardCallbacks, media MediaCallbacks, telephony TelephonyCallbacks, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.MustGetLogger("dispatch")
	}
	d := &Dispatcher{
		sessions:    sessions,
		transferMgr: transferMgr,
		log:         log,
		clipboard:   clipboard,
		media:       media,
		telephony:   telephony,
		lastSeen:    map[string]lastClip{},
	}
	sessions.RegisterHandler(wire.KindClipboardText, d.handleClipboard)
	sessions.RegisterHandler(wire.KindMediaCommand, d.handleMediaCommand)
	sessions.RegisterHandler(wire.KindMediaState, d.handleMediaState)
	sessions.RegisterHandler(wire.KindTelephonyRequest, d.handleTelephonyRequest)
	sessions.RegisterHandler(wire.KindTelephonyEvent, d.handleTelephonyEvent)
	sessions.RegisterHandler(wire.KindListDir, d.handleListDir)
	sessions.RegisterHandler(wire.KindGetThumbnail, d.handleGetThumbnail)
	sessions.RegisterHandler(wire.KindDownloadFile, d.handleDownloadFile)
	return d
}

// RegisterFilesystemProvider installs the provider answering ListDir,
// GetThumbnail, and DownloadFile requests, rooted at root.
func (d *Dispatcher) RegisterFilesystemProvider(root string, p FilesystemProvider) {
	d.fsMu.Lock()
	d.fsRoot = root
	d.fsProv = p
	d.fsMu.Unlock()
}

// SendClipboard pushes text to sess, recording it so an identical echo
// arriving back within the suppression window is dropped.
func (d *Dispatcher) SendClipboard(ctx context.Context, sess *session.Session, text string, localOrigin string) error {
	d.recordSeen(sess.PeerID, text)
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindClipboardText, 0, wire.ClipboardText{Text: text, From: localOrigin})
}

func (d *Dispatcher) recordSeen(origin, text string) {
	d.lastMu.Lock()
	d.lastSeen[origin] = lastClip{text: text, at: time.Now()}
	d.lastMu.Unlock()
}

func (d *Dispatcher) shouldSuppressEcho(origin, text string) bool {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	last, ok := d.lastSeen[origin]
	if !ok {
		return false
	}
	return last.text == text && time.Since(last.at) < echoSuppressWindow
}

func (d *Dispatcher) handleClipboard(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var ct wire.ClipboardText
	if err := first.Decode(&ct); err != nil {
		return
	}
	if d.shouldSuppressEcho(sess.PeerID, ct.Text) {
		return
	}
	d.recordSeen(sess.PeerID, ct.Text)
	if d.clipboard.OnClipboardReceived != nil {
		d.clipboard.OnClipboardReceived(ct.Text, ct.From)
	}
}

// SendMediaCommand pushes a playback control command to sess.
func (d *Dispatcher) SendMediaCommand(ctx context.Context, sess *session.Session, command string) error {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindMediaCommand, 0, wire.MediaCommand{Command: command})
}

// SendMediaState pushes the local playback state to sess, reusing a
// bound "media" stream when one already exists so MediaState and a
// subsequent MediaCommand observe causal order (§4.5 Ordering).
func (d *Dispatcher) SendMediaState(ctx context.Context, sess *session.Session, state wire.MediaState) error {
	stream, ok := sess.FeatureStream("media")
	if !ok {
		s, err := d.sessions.OpenFeatureStream(ctx, sess)
		if err != nil {
			return err
		}
		sess.BindFeatureStream("media", s)
		stream = s
	}
	return stream.WriteEnvelope(wire.KindMediaState, 0, state)
}

func (d *Dispatcher) handleMediaCommand(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var cmd wire.MediaCommand
	if err := first.Decode(&cmd); err != nil {
		return
	}
	if d.media.OnMediaCommand != nil {
		d.media.OnMediaCommand(sess.PeerID, cmd.Command)
	}
}

func (d *Dispatcher) handleMediaState(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var st wire.MediaState
	if err := first.Decode(&st); err != nil {
		return
	}
	sess.BindFeatureStream("media", stream)
	if d.media.OnMediaStateUpdate != nil {
		d.media.OnMediaStateUpdate(sess.PeerID, st)
	}
}

// SendTelephonyRequest forwards req to sess and waits for its matching
// TelephonyResult on the same stream.
func (d *Dispatcher) SendTelephonyRequest(ctx context.Context, sess *session.Session, req wire.TelephonyRequest) (wire.TelephonyResult, error) {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return wire.TelephonyResult{}, err
	}
	defer stream.Close()
	if err := stream.WriteEnvelope(wire.KindTelephonyRequest, 0, req); err != nil {
		return wire.TelephonyResult{}, err
	}
	env, err := stream.ReadEnvelope()
	if err != nil {
		return wire.TelephonyResult{}, err
	}
	if env.Kind != wire.KindTelephonyResult {
		return wire.TelephonyResult{}, fmt.Errorf("bad-frame: expected TelephonyResult, got %s", env.Kind)
	}
	var res wire.TelephonyResult
	if err := env.Decode(&res); err != nil {
		return wire.TelephonyResult{}, err
	}
	return res, nil
}

// SendTelephonyEvent pushes a fire-and-forget telephony event to sess.
func (d *Dispatcher) SendTelephonyEvent(ctx context.Context, sess *session.Session, event wire.TelephonyEvent) error {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindTelephonyEvent, 0, event)
}

func (d *Dispatcher) handleTelephonyRequest(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var req wire.TelephonyRequest
	if err := first.Decode(&req); err != nil {
		return
	}
	if d.telephony.OnTelephonyRequest == nil {
		stream.WriteEnvelope(wire.KindTelephonyResult, 0, wire.TelephonyResult{RequestID: req.RequestID, Error: "unsupported"})
		return
	}
	res, err := d.telephony.OnTelephonyRequest(sess.PeerID, req)
	if err != nil {
		res = wire.TelephonyResult{RequestID: req.RequestID, Error: err.Error()}
	} else {
		res.RequestID = req.RequestID
	}
	stream.WriteEnvelope(wire.KindTelephonyResult, 0, res)
}

func (d *Dispatcher) handleTelephonyEvent(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var ev wire.TelephonyEvent
	if err := first.Decode(&ev); err != nil {
		return
	}
	if d.telephony.OnTelephonyEvent != nil {
		d.telephony.OnTelephonyEvent(sess.PeerID, ev)
	}
}

// resolveUnderRoot joins root and a peer-supplied relative path,
// rejecting any path carrying a ".." component outright (§4.7:
// "traversal outside the root (..) returns forbidden"; symlink
// following is left to the provider, disabled by default per §9).
func resolveUnderRoot(root, reqPath string) (string, error) {
	cleanedSlash := filepath.ToSlash(reqPath)
	for _, part := range strings.Split(cleanedSlash, "/") {
		if part == ".." {
			return "", fmt.Errorf("forbidden: %q contains a parent-directory component", reqPath)
		}
	}
	joined := filepath.Join(root, filepath.FromSlash(cleanedSlash))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("forbidden: %q escapes registered root", reqPath)
	}
	return joined, nil
}

func (d *Dispatcher) handleListDir(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var req wire.ListDir
	if err := first.Decode(&req); err != nil {
		return
	}
	d.fsMu.RLock()
	root, prov := d.fsRoot, d.fsProv
	d.fsMu.RUnlock()

	if prov == nil {
		stream.WriteEnvelope(wire.KindListDirResult, 0, wire.ListDirResult{Error: "unsupported"})
		return
	}
	resolved, err := resolveUnderRoot(root, req.Path)
	if err != nil {
		stream.WriteEnvelope(wire.KindListDirResult, 0, wire.ListDirResult{Error: "forbidden"})
		return
	}
	entries, err := prov.ListDir(resolved)
	if err != nil {
		stream.WriteEnvelope(wire.KindListDirResult, 0, wire.ListDirResult{Error: err.Error()})
		return
	}
	stream.WriteEnvelope(wire.KindListDirResult, 0, wire.ListDirResult{Entries: entries})
}

func (d *Dispatcher) handleGetThumbnail(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var req wire.GetThumbnail
	if err := first.Decode(&req); err != nil {
		return
	}
	d.fsMu.RLock()
	root, prov := d.fsRoot, d.fsProv
	d.fsMu.RUnlock()

	if prov == nil {
		stream.WriteEnvelope(wire.KindThumbnailResult, 0, wire.ThumbnailResult{Error: "unsupported"})
		return
	}
	resolved, err := resolveUnderRoot(root, req.Path)
	if err != nil {
		stream.WriteEnvelope(wire.KindThumbnailResult, 0, wire.ThumbnailResult{Error: "forbidden"})
		return
	}
	bytes, err := prov.GetThumbnail(resolved)
	if err != nil {
		stream.WriteEnvelope(wire.KindThumbnailResult, 0, wire.ThumbnailResult{Error: err.Error()})
		return
	}
	stream.WriteEnvelope(wire.KindThumbnailResult, 0, wire.ThumbnailResult{Bytes: bytes})
}

// RequestListDir asks sess to list path under its registered root and
// waits for the matching result.
func (d *Dispatcher) RequestListDir(ctx context.Context, sess *session.Session, path string) (wire.ListDirResult, error) {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return wire.ListDirResult{}, err
	}
	defer stream.Close()
	if err := stream.WriteEnvelope(wire.KindListDir, 0, wire.ListDir{Path: path}); err != nil {
		return wire.ListDirResult{}, err
	}
	env, err := stream.ReadEnvelope()
	if err != nil {
		return wire.ListDirResult{}, err
	}
	if env.Kind != wire.KindListDirResult {
		return wire.ListDirResult{}, fmt.Errorf("bad-frame: expected ListDirResult, got %s", env.Kind)
	}
	var res wire.ListDirResult
	if err := env.Decode(&res); err != nil {
		return wire.ListDirResult{}, err
	}
	if res.Error != "" {
		return res, fmt.Errorf("%s", res.Error)
	}
	return res, nil
}

// RequestGetThumbnail asks sess for a thumbnail of path under its
// registered root and waits for the matching result.
func (d *Dispatcher) RequestGetThumbnail(ctx context.Context, sess *session.Session, path string) (wire.ThumbnailResult, error) {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return wire.ThumbnailResult{}, err
	}
	defer stream.Close()
	if err := stream.WriteEnvelope(wire.KindGetThumbnail, 0, wire.GetThumbnail{Path: path}); err != nil {
		return wire.ThumbnailResult{}, err
	}
	env, err := stream.ReadEnvelope()
	if err != nil {
		return wire.ThumbnailResult{}, err
	}
	if env.Kind != wire.KindThumbnailResult {
		return wire.ThumbnailResult{}, fmt.Errorf("bad-frame: expected ThumbnailResult, got %s", env.Kind)
	}
	var res wire.ThumbnailResult
	if err := env.Decode(&res); err != nil {
		return wire.ThumbnailResult{}, err
	}
	if res.Error != "" {
		return res, fmt.Errorf("%s", res.Error)
	}
	return res, nil
}

// RequestDownloadFile asks sess to push path back as a new File
// Transfer job; the transfer itself arrives asynchronously on its own
// stream (§4.6), so this call does not wait for completion.
func (d *Dispatcher) RequestDownloadFile(ctx context.Context, sess *session.Session, path string) error {
	stream, err := d.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return err
	}
	defer stream.Close()
	return stream.WriteEnvelope(wire.KindDownloadFile, 0, wire.DownloadFile{Path: path})
}

// handleDownloadFile answers a DownloadFile request by opening a new
// File Transfer job from this side back to the requester (§4.7:
// "DownloadFile{path} opens a File Transfer job from the responder to
// the requester"). The request stream itself carries no reply; the
// transfer runs on its own dedicated stream per §4.6. The file itself is
// read exclusively through the registered FilesystemProvider, never by
// opening the local OS filesystem directly (§9 Design Note).
func (d *Dispatcher) handleDownloadFile(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var req wire.DownloadFile
	if err := first.Decode(&req); err != nil {
		return
	}
	stream.Close()

	if d.transferMgr == nil {
		return
	}
	d.fsMu.RLock()
	root, prov := d.fsRoot, d.fsProv
	d.fsMu.RUnlock()
	if root == "" || prov == nil {
		return
	}
	resolved, err := resolveUnderRoot(root, req.Path)
	if err != nil {
		d.log.Warning("download-file forbidden path", req.Path, "from", sess.PeerID)
		return
	}
	src, err := prov.OpenRead(resolved)
	if err != nil {
		d.log.Warning("download-file open failed for", req.Path, ":", err)
		return
	}
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		src.Close()
		d.log.Warning("download-file size lookup failed for", req.Path, ":", err)
		return
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		src.Close()
		d.log.Warning("download-file rewind failed for", req.Path, ":", err)
		return
	}
	if _, err := d.transferMgr.SendFileFromReader(ctx, sess, filepath.Base(req.Path), size, src); err != nil {
		d.log.Warning("download-file failed for", req.Path, ":", err)
	}
}
