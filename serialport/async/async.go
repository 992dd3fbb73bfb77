// Package async wraps a serialport.Port in a cooperative-asynchronous
// byte-stream shape: Read and Write suspend the caller until data is
// available or room exists, rather than returning a would-block marker.
package async

import (
	"context"
	"errors"

	"github.com/ardnew/cdcserial/pkg"
	"github.com/ardnew/cdcserial/serialport"
)

// Stream adapts a serialport.Port for callers that prefer to suspend
// (e.g. block on a context) rather than poll for pkg.ErrWouldBlock.
type Stream struct {
	port *serialport.Port
}

// New wraps port as a cooperative-async Stream.
func New(port *serialport.Port) *Stream {
	return &Stream{port: port}
}

// Read blocks until at least one byte is available, ctx is cancelled, or a
// transport error other than pkg.ErrWouldBlock occurs.
func (s *Stream) Read(ctx context.Context, dst []byte) (int, error) {
	for {
		n, err := s.port.Read(dst)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, pkg.ErrWouldBlock) {
			return n, err
		}
		if waitErr := s.port.WaitReadReady(ctx); waitErr != nil {
			return 0, waitErr
		}
	}
}

// Write blocks until all of data has been accepted into the transmit
// buffer, ctx is cancelled, or a transport error other than
// pkg.ErrWouldBlock occurs. Partial acceptance on a would-block retries
// with the unaccepted remainder.
func (s *Stream) Write(ctx context.Context, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := s.port.Write(data[written:])
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, pkg.ErrWouldBlock) {
			return written, err
		}
		if waitErr := s.port.WaitWriteReady(ctx); waitErr != nil {
			return written, waitErr
		}
	}
	return written, nil
}
