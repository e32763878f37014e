package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paterkleomenis/connected/transport"
	"github.com/paterkleomenis/connected/wire"
)

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// drainEnvelopes reads every envelope buffered on stream until the
// backing buffer is exhausted.
func drainEnvelopes(stream *transport.StreamContext) []wire.Envelope {
	var out []wire.Envelope
	for {
		env, err := stream.ReadEnvelope()
		if err != nil {
			return out
		}
		out = append(out, env)
	}
}

func writeEnvelope(stream *transport.StreamContext, kind wire.Kind, payload interface{}) error {
	return stream.WriteEnvelope(kind, 0, payload)
}

func TestRunSenderStreamsFromAcceptedOffset(t *testing.T) {
	dir := t.TempDir()
	content := []byte("0123456789ABCDEF")
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	job := &Job{ID: "job-resume", Size: int64(len(content)), Checksum: checksumOf(content), state: StateAccepted}
	job.setOffset(5)

	m := &Manager{jobs: map[string]*Job{}, pending: map[string]*pendingOffer{}}
	stream := newLoopbackStreamContext()
	m.runSender(context.Background(), job, stream, f)

	if job.State() != StateCompleted {
		t.Fatalf("expected job completed, got %s", job.State())
	}

	var sent []byte
	var sawEnd wire.FileEnd
	for _, env := range drainEnvelopes(stream) {
		switch env.Kind {
		case wire.KindFileChunk:
			var chunk wire.FileChunk
			if err := env.Decode(&chunk); err != nil {
				t.Fatal(err)
			}
			sent = append(sent, chunk.Bytes...)
		case wire.KindFileEnd:
			if err := env.Decode(&sawEnd); err != nil {
				t.Fatal(err)
			}
		}
	}
	if string(sent) != string(content[5:]) {
		t.Fatalf("expected sender to resume from offset 5, sent %q, want %q", sent, content[5:])
	}
	if sawEnd.Checksum != job.Checksum || sawEnd.FinalSize != job.Size {
		t.Fatalf("unexpected FileEnd: %+v", sawEnd)
	}
}

func TestRunSenderCancellationWritesFileCancel(t *testing.T) {
	dir := t.TempDir()
	content := []byte("some file content")
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}

	job := &Job{ID: "job-cancel", Size: int64(len(content)), Checksum: checksumOf(content), state: StateAccepted}
	m := &Manager{jobs: map[string]*Job{}, pending: map[string]*pendingOffer{}}
	stream := newLoopbackStreamContext()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.runSender(ctx, job, stream, f)

	if job.State() != StateCancelled {
		t.Fatalf("expected job cancelled, got %s", job.State())
	}
	envs := drainEnvelopes(stream)
	if len(envs) != 1 || envs[0].Kind != wire.KindFileCancel {
		t.Fatalf("expected a single FileCancel envelope, got %+v", envs)
	}
}

func TestRunReceiverDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{
		transfersDir: filepath.Join(dir, "transfers"),
		downloadsDir: filepath.Join(dir, "downloads"),
		jobs:         map[string]*Job{},
		pending:      map[string]*pendingOffer{},
	}
	if err := os.MkdirAll(m.transfersDir, 0700); err != nil {
		t.Fatal(err)
	}
	var failedReason, failedJobID string
	m.callbacks.OnTransferFailed = func(jobID, reason string) {
		failedJobID, failedReason = jobID, reason
	}

	job := &Job{ID: "job-bad-checksum", Name: "payload.bin", Size: 5, state: StateAccepted}
	stream := newLoopbackStreamContext()
	if err := writeEnvelope(stream, wire.KindFileChunk, wire.FileChunk{JobID: job.ID, Seq: 0, Bytes: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(stream, wire.KindFileEnd, wire.FileEnd{JobID: job.ID, FinalSize: 5, Checksum: "not-the-real-checksum"}); err != nil {
		t.Fatal(err)
	}

	m.runReceiver(context.Background(), job, stream, 0)

	if job.State() != StateFailed {
		t.Fatalf("expected job failed on checksum mismatch, got %s", job.State())
	}
	if failedJobID != job.ID || failedReason != "checksum-mismatch" {
		t.Fatalf("expected checksum-mismatch callback for %s, got job=%s reason=%s", job.ID, failedJobID, failedReason)
	}
	if _, err := os.Stat(filepath.Join(m.downloadsDir, job.Name)); err == nil {
		t.Fatal("expected no file to land in downloadsDir on checksum mismatch")
	}
}

func TestRunReceiverResumesFromOffsetAndRenamesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{
		transfersDir: filepath.Join(dir, "transfers"),
		downloadsDir: filepath.Join(dir, "downloads"),
		jobs:         map[string]*Job{},
		pending:      map[string]*pendingOffer{},
	}
	if err := os.MkdirAll(m.transfersDir, 0700); err != nil {
		t.Fatal(err)
	}

	full := []byte("the quick brown fox jumps over the lazy dog")
	prefix := full[:10]
	rest := full[10:]
	partial := filepath.Join(m.transfersDir, "fox.txt.part")
	if err := os.WriteFile(partial, prefix, 0600); err != nil {
		t.Fatal(err)
	}

	job := &Job{ID: "job-resume-recv", Name: "fox.txt", Size: int64(len(full)), state: StateAccepted}
	stream := newLoopbackStreamContext()
	if err := writeEnvelope(stream, wire.KindFileChunk, wire.FileChunk{JobID: job.ID, Seq: 0, Bytes: rest}); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(stream, wire.KindFileEnd, wire.FileEnd{JobID: job.ID, FinalSize: int64(len(full)), Checksum: checksumOf(full)}); err != nil {
		t.Fatal(err)
	}

	m.runReceiver(context.Background(), job, stream, int64(len(prefix)))

	if job.State() != StateCompleted {
		t.Fatalf("expected job completed, got %s", job.State())
	}
	got, err := os.ReadFile(filepath.Join(m.downloadsDir, "fox.txt"))
	if err != nil {
		t.Fatalf("expected completed download, got %v", err)
	}
	if string(got) != string(full) {
		t.Fatalf("resumed download = %q, want %q", got, full)
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatal("expected .part file to be renamed away on success")
	}
}

// TestConcurrentSendJobsAreIndependent drives several runSender calls
// concurrently, each on its own Manager/Job/stream, and checks that
// none observes another's state — runSender's only shared state is the
// Job it was given, and each Job has its own mutex (§5 Shared-resource
// policy: jobs are independent once accepted).
func TestConcurrentSendJobsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	const jobCount = 4
	var wg sync.WaitGroup
	jobs := make([]*Job, jobCount)

	for i := 0; i < jobCount; i++ {
		content := []byte(fmt.Sprintf("payload for job %d, some bytes long", i))
		path := filepath.Join(dir, fmt.Sprintf("job-%d.bin", i))
		if err := os.WriteFile(path, content, 0600); err != nil {
			t.Fatal(err)
		}
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		job := &Job{ID: fmt.Sprintf("job-%d", i), Size: int64(len(content)), Checksum: checksumOf(content), state: StateAccepted}
		jobs[i] = job
		stream := newLoopbackStreamContext()
		m := &Manager{jobs: map[string]*Job{}, pending: map[string]*pendingOffer{}}

		wg.Add(1)
		go func(m *Manager, job *Job, stream *transport.StreamContext, f *os.File) {
			defer wg.Done()
			m.runSender(context.Background(), job, stream, f)
		}(m, job, stream, f)
	}
	wg.Wait()

	for i, job := range jobs {
		if job.State() != StateCompleted {
			t.Fatalf("job %d: expected completed, got %s", i, job.State())
		}
		if job.Offset() != job.Size {
			t.Fatalf("job %d: expected offset %d, got %d", i, job.Size, job.Offset())
		}
	}
}
