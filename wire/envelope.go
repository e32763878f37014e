// Package wire implements the length-prefixed, typed envelope used on
// every stream (§4.4): a self-describing frame that is always fully
// consumed regardless of whether the reader recognizes its Kind, so an
// unknown kind never desynchronizes the stream.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameLen bounds the length field (kind + flags + payload), per
// §4.4: "maximum frame 16 MiB". File transfer chunks carry at most
// MaxChunkBytes (1 MiB), well under this ceiling; directory manifests and
// listing results are expected to fit comfortably as well.
const MaxFrameLen = 16 * 1024 * 1024

const headerLen = 4 // u16 kind + u16 flags, counted inside the length prefix

// Envelope is one length-prefixed typed frame.
type Envelope struct {
	Kind    Kind
	Flags   uint16
	Payload []byte
}

// Encode marshals v as the envelope's payload via JSON — the corpus's
// own wire convention for compact structured records (the teacher's
// Request/Response types marshal the same way); no binary schema
// compiler is warranted for the handful of small per-kind records this
// protocol carries.
func Encode(kind Kind, flags uint16, v interface{}) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("bad-frame: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Flags: flags, Payload: payload}, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("bad-frame: decode %s: %w", e.Kind, err)
	}
	return nil
}

// Write serializes the envelope to w: u32 length | u16 kind | u16 flags | payload.
func Write(w io.Writer, e Envelope) error {
	total := headerLen + len(e.Payload)
	if total > MaxFrameLen {
		return fmt.Errorf("bad-frame: frame of %d bytes exceeds max %d", total, MaxFrameLen)
	}
	header := make([]byte, 4+headerLen)
	binary.BigEndian.PutUint32(header[0:4], uint32(total))
	binary.BigEndian.PutUint16(header[4:6], uint16(e.Kind))
	binary.BigEndian.PutUint16(header[6:8], e.Flags)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("stream-aborted: write header: %w", err)
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return fmt.Errorf("stream-aborted: write payload: %w", err)
		}
	}
	return nil
}

// Read deserializes one envelope from r. A frame whose declared length
// exceeds MaxFrameLen is rejected with bad-frame and the stream MUST be
// torn down by the caller (the boundary case "16 MiB + 1 rejected").
// Every other frame — including one carrying an unrecognized Kind — is
// fully consumed here, so the stream remains synchronized for the next
// Read regardless of whether the caller understands Kind.
func Read(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("stream-aborted: read length: %w", err)
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total > MaxFrameLen {
		return Envelope{}, fmt.Errorf("bad-frame: declared length %d exceeds max %d", total, MaxFrameLen)
	}
	if total < headerLen {
		return Envelope{}, fmt.Errorf("bad-frame: declared length %d shorter than header", total)
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Envelope{}, fmt.Errorf("stream-aborted: read body: %w", err)
	}
	return Envelope{
		Kind:    Kind(binary.BigEndian.Uint16(rest[0:2])),
		Flags:   binary.BigEndian.Uint16(rest[2:4]),
		Payload: rest[headerLen:],
	}, nil
}
