package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol is matched by every *ProtocolError through errors.Is
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports malformed reply framing: an unknown discriminator,
// a length mismatch or a missing terminator. A connection that produced one
// is out of sync and must not be reused.
type ProtocolError struct {
	Message string
	Data    []byte
	Err     error
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}
	return "protocol error: " + e.Message
}

// Unwrap returns the wrapped error
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProtocol) hold for every ProtocolError
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(data []byte, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Data: data}
}

// RemoteError is an explicit error reply from the server. The generic "ERR "
// prefix is stripped; other prefixes such as WRONGTYPE or NOAUTH are kept
// in Message and exposed as Code.
type RemoteError struct {
	Message string
}

// NewRemoteError builds a RemoteError from a raw error line
func NewRemoteError(line string) *RemoteError {
	if strings.HasPrefix(line, "ERR ") {
		line = line[4:]
	} else if line == "ERR" {
		line = ""
	}
	return &RemoteError{Message: line}
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// Code returns the upper-case error code prefix (WRONGTYPE, NOAUTH, ...) if the
// message starts with one
func (e *RemoteError) Code() string {
	word := e.Message
	if i := strings.IndexByte(word, ' '); i >= 0 {
		word = word[:i]
	}
	if word == "" || strings.ToUpper(word) != word {
		return ""
	}
	return word
}
