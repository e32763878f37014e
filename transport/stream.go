package transport

import "github.com/paterkleomenis/connected/wire"

// ReadEnvelope reads one envelope from the stream and marks the
// endpoint active.
func (s *StreamContext) ReadEnvelope() (wire.Envelope, error) {
	env, err := wire.Read(s.Stream)
	if err == nil {
		s.Endpoint.touch()
	}
	return env, err
}

// WriteEnvelope writes one envelope to the stream and marks the
// endpoint active.
func (s *StreamContext) WriteEnvelope(kind wire.Kind, flags uint16, payload interface{}) error {
	env, err := wire.Encode(kind, flags, payload)
	if err != nil {
		return err
	}
	if err := wire.Write(s.Stream, env); err != nil {
		return err
	}
	s.Endpoint.touch()
	return nil
}

// Close closes the stream without tearing down the underlying endpoint.
func (s *StreamContext) Close() error {
	return s.Stream.Close()
}
