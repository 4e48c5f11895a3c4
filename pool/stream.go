package pool

import (
	"io"
)

// responseStream wraps a response body so that closing it first closes the
// inner stream and then, regardless of the inner close's outcome, invokes
// the pool's reclassification callback exactly once. Iteration (Read) never
// holds any pool lock — it only touches the inner stream.
//
// The callback is a plain function value rather than a pointer back to the
// ConnectionPool, so a live stream does not keep a pool reachable from the
// garbage collector's point of view once nothing else references it (see
// SPEC_FULL.md §9, "cyclic lifetime: stream -> connection -> pool").
type responseStream struct {
	inner  io.ReadCloser
	conn   Connection
	onDone func(Connection)
}

func newResponseStream(inner io.ReadCloser, conn Connection, onDone func(Connection)) *responseStream {
	return &responseStream{inner: inner, conn: conn, onDone: onDone}
}

func (s *responseStream) Read(p []byte) (int, error) {
	return s.inner.Read(p)
}

func (s *responseStream) Close() error {
	closeErr := s.inner.Close()
	s.onDone(s.conn)
	return closeErr
}
