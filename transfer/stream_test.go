package transfer

import (
	"bytes"
	"context"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/paterkleomenis/connected/transport"
)

// fakeStream implements the quic.Stream interface *transport.StreamContext
// embeds over one mutex-guarded bytes.Buffer, so runSender/runReceiver can
// be driven in-process without a live QUIC connection.
type fakeStream struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeStream) StreamID() quic.StreamID { return 0 }

func (f *fakeStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Read(p)
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeStream) Close() error                     { return nil }
func (f *fakeStream) CancelRead(quic.StreamErrorCode)  {}
func (f *fakeStream) CancelWrite(quic.StreamErrorCode) {}
func (f *fakeStream) Context() context.Context         { return context.Background() }
func (f *fakeStream) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeStream) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeStream) SetDeadline(time.Time) error      { return nil }

// newLoopbackStreamContext returns a StreamContext backed by a single
// unbounded buffer: a test can pre-load it with frames for the code under
// test to read, and/or drain whatever the code under test writes, all
// without a live peer.
func newLoopbackStreamContext() *transport.StreamContext {
	return &transport.StreamContext{Stream: &fakeStream{}, Endpoint: &transport.Endpoint{}}
}
