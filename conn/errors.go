package conn

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-failover/protocol"
)

var (
	// ErrTimeout is matched by errors.Is when a socket deadline expired
	ErrTimeout = errors.New("i/o timeout")

	// ErrConnClosed is returned when using a connection after Close
	ErrConnClosed = errors.New("connection closed")

	// ErrConnFaulted is returned when using a connection that already failed
	ErrConnFaulted = errors.New("connection faulted")
)

// RemoteError is an error reply from the server
type RemoteError = protocol.RemoteError

// ProtocolError is a framing violation in the reply stream
type ProtocolError = protocol.ProtocolError

// ConnectionError reports a failure to dial, complete the handshake or
// move bytes over an established socket
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("connection error (%s) %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("connection error %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a deadline expiry
func (e *ConnectionError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// IsConnectionError reports whether err is, or wraps, a *ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
