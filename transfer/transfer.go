// Package transfer implements the File Transfer Engine (§4.6): chunked,
// resumable file and directory transfers layered on a dedicated stream
// per job, with progress callbacks and cancellation.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/paterkleomenis/connected/session"
	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

const (
	acceptTimeout       = 60 * time.Second
	progressMinBytes    = 64 * 1024
	progressMinInterval = 100 * time.Millisecond
)

// Direction of a transfer job relative to the local side.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// State is a TransferJob's position in the §4.6 lifecycle.
type State string

const (
	StateOffered   State = "offered"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Job is one logical file or directory transfer.
type Job struct {
	ID           string
	PeerID       string
	Direction    Direction
	Name         string
	LocalPath    string
	Size         int64 // byte size for a file job; entry count for a directory job
	IsDirectory  bool
	ManifestHash string
	Checksum     string

	offset int64 // atomic; bytes transferred so far

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Offset returns bytes transferred so far; monotonically non-decreasing
// while the job is Active (§3 invariant).
func (j *Job) Offset() int64 {
	return atomic.LoadInt64(&j.offset)
}

func (j *Job) setOffset(v int64) {
	atomic.StoreInt64(&j.offset, v)
}

// Callbacks mirrors the host-facing transfer callback set from §6.
type Callbacks struct {
	OnTransferRequest   func(job *Job)
	OnTransferStarting  func(job *Job)
	OnTransferProgress  func(jobID string, transferred, total int64)
	OnTransferCompleted func(job *Job)
	OnTransferFailed    func(jobID string, reason string)
	OnTransferCancelled func(jobID string)
}

type pendingOffer struct {
	stream *transport.StreamContext
	job    *Job
}

// Manager owns every transfer Job and both halves of the §4.6
// sub-protocol. Incoming streams are routed to it by the session
// manager whenever the first envelope is a FileOffer.
type Manager struct {
	sessions     *session.Manager
	downloadsDir string
	transfersDir string
	callbacks    Callbacks
	log          *logging.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string]*pendingOffer
}

// New constructs a Manager and registers it as the session manager's
// FileOffer handler.
func New(sessions *session.Manager, downloadsDir, transfersDir string, cb Callbacks, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.MustGetLogger("transfer")
	}
	m := &Manager{
		sessions:     sessions,
		downloadsDir: downloadsDir,
		transfersDir: transfersDir,
		callbacks:    cb,
		log:          log,
		jobs:         map[string]*Job{},
		pending:      map[string]*pendingOffer{},
	}
	sessions.RegisterHandler(wire.KindFileOffer, m.handleIncomingOffer)
	return m
}

// Job looks up a job by id.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// Jobs returns a snapshot of every known job.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// Cancel requests cancellation of a running job; a no-op if the job has
// already reached a terminal state.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("not-found: no job %s", jobID)
	}
	job.mu.Lock()
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// readEnvelopeWithContext bounds a blocking ReadEnvelope by ctx: on
// expiry it closes the stream to unblock the read and returns ctx.Err().
func readEnvelopeWithContext(ctx context.Context, stream *transport.StreamContext) (wire.Envelope, error) {
	type result struct {
		env wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := stream.ReadEnvelope()
		ch <- result{env, err}
	}()
	select {
	case <-ctx.Done():
		stream.Close()
		return wire.Envelope{}, ctx.Err()
	case r := <-ch:
		return r.env, r.err
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SendFile offers localPath to sess and, once accepted, streams it.
// Errors before the job exists (stat, checksum, open, or opening the
// stream) return a nil Job. Once the offer is created the returned Job is
// tracked by the Manager, and later errors before streaming starts are
// also reflected in its State.
func (m *Manager) SendFile(ctx context.Context, sess *session.Session, localPath string) (*Job, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("io-error: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("unsupported: use SendDirectory for directory transfers")
	}
	checksum, err := fileChecksum(localPath)
	if err != nil {
		return nil, fmt.Errorf("io-error: %w", err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("io-error: %w", err)
	}
	return m.sendFile(ctx, sess, filepath.Base(localPath), localPath, info.Size(), checksum, f)
}

// SendFileFromReader offers name to sess, streaming from src rather than
// a path on the local OS filesystem. This is the path the remote
// filesystem DownloadFile handler uses so a peer-requested file is
// served through the host's FilesystemProvider instead of opening the
// local disk directly (§9 Design Note: "the core never touches the OS
// directly"). src is read once to compute its whole-file checksum, then
// rewound before the transfer begins; it is closed when the send
// completes, fails, or is cancelled.
func (m *Manager) SendFileFromReader(ctx context.Context, sess *session.Session, name string, size int64, src io.ReadSeekCloser) (*Job, error) {
	h := sha256.New()
	if _, err := io.Copy(h, src); err != nil {
		src.Close()
		return nil, fmt.Errorf("io-error: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		src.Close()
		return nil, fmt.Errorf("io-error: %w", err)
	}
	checksum := hex.EncodeToString(h.Sum(nil))
	return m.sendFile(ctx, sess, name, "", size, checksum, src)
}

// sendFile is the shared offer/accept/stream pipeline behind SendFile
// and SendFileFromReader; src is closed by runSender once streaming
// ends, or here directly if the pipeline never reaches runSender.
func (m *Manager) sendFile(ctx context.Context, sess *session.Session, name, localPath string, size int64, checksum string, src io.ReadSeekCloser) (*Job, error) {
	stream, err := m.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		src.Close()
		return nil, err
	}

	job := &Job{
		ID:        uuid.NewV4().String(),
		PeerID:    sess.PeerID,
		Direction: DirectionSend,
		Name:      name,
		LocalPath: localPath,
		Size:      size,
		Checksum:  checksum,
		state:     StateOffered,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if err := stream.WriteEnvelope(wire.KindFileOffer, 0, wire.FileOffer{
		JobID: job.ID, Name: job.Name, Size: job.Size, PathHint: job.Name,
	}); err != nil {
		job.setState(StateFailed)
		src.Close()
		return job, err
	}

	rctx, cancel := context.WithTimeout(ctx, acceptTimeout)
	env, err := readEnvelopeWithContext(rctx, stream)
	cancel()
	if err != nil {
		job.setState(StateFailed)
		src.Close()
		return job, fmt.Errorf("rejected: no FileAccept/FileReject within timeout: %w", err)
	}
	switch env.Kind {
	case wire.KindFileAccept:
		var acc wire.FileAccept
		if err := env.Decode(&acc); err != nil {
			job.setState(StateFailed)
			src.Close()
			return job, err
		}
		job.setOffset(acc.Offset)
		job.setState(StateAccepted)
	case wire.KindFileReject:
		var rej wire.FileReject
		env.Decode(&rej)
		job.setState(StateRejected)
		src.Close()
		return job, fmt.Errorf("rejected: %s", rej.Reason)
	default:
		job.setState(StateFailed)
		src.Close()
		return job, fmt.Errorf("bad-frame: expected FileAccept/FileReject, got %s", env.Kind)
	}

	jctx, jcancel := context.WithCancel(ctx)
	job.mu.Lock()
	job.cancel = jcancel
	job.mu.Unlock()
	if m.callbacks.OnTransferStarting != nil {
		m.callbacks.OnTransferStarting(job)
	}
	go m.runSender(jctx, job, stream, src)
	return job, nil
}

func (m *Manager) failSend(job *Job, stream *transport.StreamContext, reason string) {
	job.setState(StateFailed)
	stream.Close()
	if m.callbacks.OnTransferFailed != nil {
		m.callbacks.OnTransferFailed(job.ID, reason)
	}
}

// runSender streams src from its accepted offset to EOF, throttling
// progress callbacks to every >=64 KiB and >=100 ms (§4.6). src is
// closed unconditionally on return, whatever the outcome.
func (m *Manager) runSender(ctx context.Context, job *Job, stream *transport.StreamContext, src io.ReadSeekCloser) {
	job.setState(StateActive)
	defer src.Close()
	if _, err := src.Seek(job.Offset(), io.SeekStart); err != nil {
		m.failSend(job, stream, "io-error")
		return
	}

	buf := make([]byte, wire.MaxChunkBytes)
	var seq uint64
	sent := job.Offset()
	lastProgress := time.Now()
	lastProgressBytes := sent

	for {
		select {
		case <-ctx.Done():
			stream.WriteEnvelope(wire.KindFileCancel, 0, wire.FileCancel{JobID: job.ID, Reason: "cancelled"})
			job.setState(StateCancelled)
			if m.callbacks.OnTransferCancelled != nil {
				m.callbacks.OnTransferCancelled(job.ID)
			}
			return
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := stream.WriteEnvelope(wire.KindFileChunk, 0, wire.FileChunk{JobID: job.ID, Seq: seq, Bytes: chunk}); err != nil {
				m.failSend(job, stream, "transport-dropped")
				return
			}
			seq++
			sent += int64(n)
			job.setOffset(sent)
			if sent-lastProgressBytes >= progressMinBytes && time.Since(lastProgress) >= progressMinInterval {
				if m.callbacks.OnTransferProgress != nil {
					m.callbacks.OnTransferProgress(job.ID, sent, job.Size)
				}
				lastProgress = time.Now()
				lastProgressBytes = sent
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			m.failSend(job, stream, "io-error")
			return
		}
	}

	if m.callbacks.OnTransferProgress != nil {
		m.callbacks.OnTransferProgress(job.ID, sent, job.Size)
	}
	if err := stream.WriteEnvelope(wire.KindFileEnd, 0, wire.FileEnd{JobID: job.ID, FinalSize: job.Size, Checksum: job.Checksum}); err != nil {
		m.failSend(job, stream, "transport-dropped")
		return
	}
	job.setState(StateCompleted)
	if m.callbacks.OnTransferCompleted != nil {
		m.callbacks.OnTransferCompleted(job)
	}
}

// handleIncomingOffer is registered with the session manager for
// wire.KindFileOffer and fans out to the file or directory path.
func (m *Manager) handleIncomingOffer(ctx context.Context, sess *session.Session, stream *transport.StreamContext, first wire.Envelope) {
	var offer wire.FileOffer
	if err := first.Decode(&offer); err != nil {
		stream.Close()
		return
	}
	if offer.IsDirectory {
		m.handleIncomingDirectory(sess, stream, offer)
		return
	}

	job := &Job{
		ID:        offer.JobID,
		PeerID:    sess.PeerID,
		Direction: DirectionReceive,
		Name:      offer.Name,
		Size:      offer.Size,
		state:     StateOffered,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.pending[job.ID] = &pendingOffer{stream: stream, job: job}
	m.mu.Unlock()

	if m.callbacks.OnTransferRequest != nil {
		m.callbacks.OnTransferRequest(job)
	}
}

// AcceptTransfer grants a pending offer. For a file job, it computes the
// resume offset from any existing `<name>.part` under the transfers
// directory and replies with that offset (§4.6 resume semantics).
func (m *Manager) AcceptTransfer(ctx context.Context, jobID string) error {
	m.mu.Lock()
	p, ok := m.pending[jobID]
	if ok {
		delete(m.pending, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("not-found: no pending offer for job %s", jobID)
	}

	if p.job.IsDirectory {
		if err := p.stream.WriteEnvelope(wire.KindFileAccept, 0, wire.FileAccept{JobID: jobID}); err != nil {
			p.job.setState(StateFailed)
			return err
		}
		p.job.setState(StateAccepted)
		jctx, cancel := context.WithCancel(ctx)
		p.job.mu.Lock()
		p.job.cancel = cancel
		p.job.mu.Unlock()
		if m.callbacks.OnTransferStarting != nil {
			m.callbacks.OnTransferStarting(p.job)
		}
		go m.runDirectoryReceiver(jctx, p.job, p.stream)
		return nil
	}

	if err := os.MkdirAll(m.transfersDir, 0700); err != nil {
		p.job.setState(StateFailed)
		return fmt.Errorf("io-error: %w", err)
	}
	partial := filepath.Join(m.transfersDir, p.job.Name+".part")
	offset := int64(0)
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}
	p.job.setOffset(offset)

	if err := p.stream.WriteEnvelope(wire.KindFileAccept, 0, wire.FileAccept{JobID: jobID, Offset: offset}); err != nil {
		p.job.setState(StateFailed)
		return err
	}
	p.job.setState(StateAccepted)

	jctx, cancel := context.WithCancel(ctx)
	p.job.mu.Lock()
	p.job.cancel = cancel
	p.job.mu.Unlock()
	if m.callbacks.OnTransferStarting != nil {
		m.callbacks.OnTransferStarting(p.job)
	}
	go m.runReceiver(jctx, p.job, p.stream, offset)
	return nil
}

// RejectTransfer declines a pending offer with reason.
func (m *Manager) RejectTransfer(jobID, reason string) error {
	m.mu.Lock()
	p, ok := m.pending[jobID]
	if ok {
		delete(m.pending, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("not-found: no pending offer for job %s", jobID)
	}
	err := p.stream.WriteEnvelope(wire.KindFileReject, 0, wire.FileReject{JobID: jobID, Reason: reason})
	p.job.setState(StateRejected)
	p.stream.Close()
	return err
}

func (m *Manager) failReceive(job *Job, stream *transport.StreamContext, reason string) {
	job.setState(StateFailed)
	stream.Close()
	if m.callbacks.OnTransferFailed != nil {
		m.callbacks.OnTransferFailed(job.ID, reason)
	}
}

// runReceiver accumulates FileChunks into `<name>.part`, validating the
// streaming SHA-256 against FileEnd.checksum before the atomic rename
// into downloadsDir (§4.6, §8 byte-for-byte property).
func (m *Manager) runReceiver(ctx context.Context, job *Job, stream *transport.StreamContext, offset int64) {
	job.setState(StateActive)

	partial := filepath.Join(m.transfersDir, job.Name+".part")
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0600)
	if err != nil {
		m.failReceive(job, stream, "io-error")
		return
	}
	defer f.Close()

	hasher := sha256.New()
	if offset > 0 {
		// Re-hash the already-written prefix so the running digest covers
		// the whole file by the time FileEnd arrives, not just the resumed
		// tail.
		pf, err := os.Open(partial)
		if err != nil {
			m.failReceive(job, stream, "io-error")
			return
		}
		_, err = io.CopyN(hasher, pf, offset)
		pf.Close()
		if err != nil {
			m.failReceive(job, stream, "io-error")
			return
		}
	}

	received := offset
	lastProgress := time.Now()
	lastProgressBytes := received

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		env, err := stream.ReadEnvelope()
		if err != nil {
			m.failReceive(job, stream, "transport-dropped")
			return
		}
		switch env.Kind {
		case wire.KindFileChunk:
			var chunk wire.FileChunk
			if err := env.Decode(&chunk); err != nil {
				m.failReceive(job, stream, "io-error")
				return
			}
			if _, err := f.Write(chunk.Bytes); err != nil {
				m.failReceive(job, stream, "io-error")
				return
			}
			hasher.Write(chunk.Bytes)
			received += int64(len(chunk.Bytes))
			job.setOffset(received)
			if received-lastProgressBytes >= progressMinBytes && time.Since(lastProgress) >= progressMinInterval {
				if m.callbacks.OnTransferProgress != nil {
					m.callbacks.OnTransferProgress(job.ID, received, job.Size)
				}
				lastProgress = time.Now()
				lastProgressBytes = received
			}
		case wire.KindFileEnd:
			var end wire.FileEnd
			if err := env.Decode(&end); err != nil {
				m.failReceive(job, stream, "io-error")
				return
			}
			f.Sync()
			sum := hex.EncodeToString(hasher.Sum(nil))
			if sum != end.Checksum || received != end.FinalSize {
				f.Close()
				os.Remove(partial)
				job.setState(StateFailed)
				if m.callbacks.OnTransferFailed != nil {
					m.callbacks.OnTransferFailed(job.ID, "checksum-mismatch")
				}
				return
			}
			f.Close()
			finalPath := resolveConflict(m.downloadsDir, job.Name)
			if err := os.MkdirAll(m.downloadsDir, 0700); err != nil {
				job.setState(StateFailed)
				if m.callbacks.OnTransferFailed != nil {
					m.callbacks.OnTransferFailed(job.ID, "io-error")
				}
				return
			}
			if err := os.Rename(partial, finalPath); err != nil {
				job.setState(StateFailed)
				if m.callbacks.OnTransferFailed != nil {
					m.callbacks.OnTransferFailed(job.ID, "io-error")
				}
				return
			}
			job.setState(StateCompleted)
			if m.callbacks.OnTransferCompleted != nil {
				m.callbacks.OnTransferCompleted(job)
			}
			return
		case wire.KindFileCancel:
			f.Close()
			job.setState(StateCancelled)
			if m.callbacks.OnTransferCancelled != nil {
				m.callbacks.OnTransferCancelled(job.ID)
			}
			return
		default:
			// a stray envelope on a transfer stream; ignore, stay synced.
		}
	}
}

// resolveConflict appends " (2)", " (3)", ... before the extension of
// name until it no longer collides with an existing file under dir.
func resolveConflict(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// manifestEntry is one row of a directory transfer's deterministic
// manifest, covered by FileOffer.ManifestHash.
type manifestEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

func walkManifest(root string) ([]manifestEntry, error) {
	var entries []manifestEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, manifestEntry{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
			Mode: uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// hashManifest digests the sorted manifest with blake2b rather than the
// sha256 used for whole-file content checksums, keeping the two notions
// of integrity (directory shape vs. file bytes) on visibly distinct
// primitives.
func hashManifest(entries []manifestEntry) (string, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SendDirectory offers localDir as a single job whose Size field carries
// the manifest's entry count (not a byte size), then — once accepted —
// streams each entry as a nested FileOffer/FileChunk.../FileEnd sequence
// on the same stream (§4.6 "stream entries" directory path).
func (m *Manager) SendDirectory(ctx context.Context, sess *session.Session, localDir string) (*Job, error) {
	entries, err := walkManifest(localDir)
	if err != nil {
		return nil, fmt.Errorf("io-error: %w", err)
	}
	manifestHash, err := hashManifest(entries)
	if err != nil {
		return nil, err
	}

	stream, err := m.sessions.OpenFeatureStream(ctx, sess)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:           uuid.NewV4().String(),
		PeerID:       sess.PeerID,
		Direction:    DirectionSend,
		Name:         filepath.Base(localDir),
		LocalPath:    localDir,
		IsDirectory:  true,
		ManifestHash: manifestHash,
		Size:         int64(len(entries)),
		state:        StateOffered,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	if err := stream.WriteEnvelope(wire.KindFileOffer, 0, wire.FileOffer{
		JobID: job.ID, Name: job.Name, Size: job.Size, IsDirectory: true,
		ManifestHash: manifestHash, PathHint: job.Name,
	}); err != nil {
		job.setState(StateFailed)
		return job, err
	}

	rctx, cancel := context.WithTimeout(ctx, acceptTimeout)
	env, err := readEnvelopeWithContext(rctx, stream)
	cancel()
	if err != nil {
		job.setState(StateFailed)
		return job, fmt.Errorf("rejected: no FileAccept/FileReject within timeout: %w", err)
	}
	switch env.Kind {
	case wire.KindFileAccept:
		job.setState(StateAccepted)
	case wire.KindFileReject:
		job.setState(StateRejected)
		return job, fmt.Errorf("rejected")
	default:
		job.setState(StateFailed)
		return job, fmt.Errorf("bad-frame: expected FileAccept/FileReject, got %s", env.Kind)
	}

	jctx, jcancel := context.WithCancel(ctx)
	job.mu.Lock()
	job.cancel = jcancel
	job.mu.Unlock()
	if m.callbacks.OnTransferStarting != nil {
		m.callbacks.OnTransferStarting(job)
	}
	go m.runDirectorySender(jctx, job, stream, localDir, entries)
	return job, nil
}

func (m *Manager) runDirectorySender(ctx context.Context, job *Job, stream *transport.StreamContext, root string, entries []manifestEntry) {
	job.setState(StateActive)
	total := int64(len(entries))
	var done int64

	if total == 0 {
		job.setState(StateCompleted)
		if m.callbacks.OnTransferCompleted != nil {
			m.callbacks.OnTransferCompleted(job)
		}
		return
	}

	for _, e := range entries {
		select {
		case <-ctx.Done():
			stream.WriteEnvelope(wire.KindFileCancel, 0, wire.FileCancel{JobID: job.ID, Reason: "cancelled"})
			job.setState(StateCancelled)
			if m.callbacks.OnTransferCancelled != nil {
				m.callbacks.OnTransferCancelled(job.ID)
			}
			return
		default:
		}
		if err := m.sendDirectoryEntry(stream, job.ID, root, e); err != nil {
			m.failSend(job, stream, "io-error")
			return
		}
		done++
		job.setOffset(done)
		if m.callbacks.OnTransferProgress != nil {
			m.callbacks.OnTransferProgress(job.ID, done, total)
		}
	}
	job.setState(StateCompleted)
	if m.callbacks.OnTransferCompleted != nil {
		m.callbacks.OnTransferCompleted(job)
	}
}

func (m *Manager) sendDirectoryEntry(stream *transport.StreamContext, jobID, root string, e manifestEntry) error {
	if err := stream.WriteEnvelope(wire.KindFileOffer, 0, wire.FileOffer{
		JobID: jobID, Name: filepath.Base(e.Path), Size: e.Size, PathHint: e.Path,
	}); err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(root, filepath.FromSlash(e.Path)))
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, wire.MaxChunkBytes)
	var seq uint64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			hasher.Write(chunk)
			if err := stream.WriteEnvelope(wire.KindFileChunk, 0, wire.FileChunk{JobID: jobID, Seq: seq, Bytes: chunk}); err != nil {
				return err
			}
			seq++
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return stream.WriteEnvelope(wire.KindFileEnd, 0, wire.FileEnd{
		JobID: jobID, FinalSize: e.Size, Checksum: hex.EncodeToString(hasher.Sum(nil)),
	})
}

func (m *Manager) handleIncomingDirectory(sess *session.Session, stream *transport.StreamContext, offer wire.FileOffer) {
	job := &Job{
		ID:           offer.JobID,
		PeerID:       sess.PeerID,
		Direction:    DirectionReceive,
		Name:         offer.Name,
		IsDirectory:  true,
		ManifestHash: offer.ManifestHash,
		Size:         offer.Size,
		state:        StateOffered,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.pending[job.ID] = &pendingOffer{stream: stream, job: job}
	m.mu.Unlock()

	if m.callbacks.OnTransferRequest != nil {
		m.callbacks.OnTransferRequest(job)
	}
}

func (m *Manager) runDirectoryReceiver(ctx context.Context, job *Job, stream *transport.StreamContext) {
	job.setState(StateActive)
	total := job.Size
	destRoot := filepath.Join(m.downloadsDir, job.Name)
	if err := os.MkdirAll(destRoot, 0700); err != nil {
		m.failReceive(job, stream, "io-error")
		return
	}

	if total == 0 {
		job.setState(StateCompleted)
		if m.callbacks.OnTransferCompleted != nil {
			m.callbacks.OnTransferCompleted(job)
		}
		return
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()
	defer close(done)

	var received int64
	for received < total {
		env, err := stream.ReadEnvelope()
		if err != nil {
			m.failReceive(job, stream, "transport-dropped")
			return
		}
		if env.Kind == wire.KindFileCancel {
			job.setState(StateCancelled)
			if m.callbacks.OnTransferCancelled != nil {
				m.callbacks.OnTransferCancelled(job.ID)
			}
			return
		}
		if env.Kind != wire.KindFileOffer {
			continue
		}
		var entryOffer wire.FileOffer
		if err := env.Decode(&entryOffer); err != nil {
			m.failReceive(job, stream, "io-error")
			return
		}
		if err := m.receiveDirectoryEntry(stream, destRoot, entryOffer); err != nil {
			m.failReceive(job, stream, "io-error")
			return
		}
		received++
		job.setOffset(received)
		if m.callbacks.OnTransferProgress != nil {
			m.callbacks.OnTransferProgress(job.ID, received, total)
		}
	}
	job.setState(StateCompleted)
	if m.callbacks.OnTransferCompleted != nil {
		m.callbacks.OnTransferCompleted(job)
	}
}

// receiveDirectoryEntry writes one nested sub-transfer under destRoot.
// offer.PathHint is rejected outright if it would escape destRoot.
func (m *Manager) receiveDirectoryEntry(stream *transport.StreamContext, destRoot string, offer wire.FileOffer) error {
	relPath := filepath.FromSlash(offer.PathHint)
	if strings.Contains(relPath, "..") {
		return fmt.Errorf("forbidden: path traversal in %q", offer.PathHint)
	}
	dest := filepath.Join(destRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	var received int64
	for {
		env, err := stream.ReadEnvelope()
		if err != nil {
			return err
		}
		switch env.Kind {
		case wire.KindFileChunk:
			var chunk wire.FileChunk
			if err := env.Decode(&chunk); err != nil {
				return err
			}
			if _, err := f.Write(chunk.Bytes); err != nil {
				return err
			}
			hasher.Write(chunk.Bytes)
			received += int64(len(chunk.Bytes))
		case wire.KindFileEnd:
			var end wire.FileEnd
			if err := env.Decode(&end); err != nil {
				return err
			}
			if hex.EncodeToString(hasher.Sum(nil)) != end.Checksum || received != end.FinalSize {
				f.Close()
				os.Remove(dest)
				return fmt.Errorf("checksum-mismatch")
			}
			return nil
		default:
			return fmt.Errorf("bad-frame: expected FileChunk/FileEnd in entry %q, got %s", offer.PathHint, env.Kind)
		}
	}
}
