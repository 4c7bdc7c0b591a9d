package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Framing selects how requests are encoded on the wire
type Framing int

const (
	// FramingMultiBulk sends every request as a multi-bulk array
	FramingMultiBulk Framing = iota

	// FramingInline sends `NAME arg1 arg2\r\n` lines, with data commands
	// carrying a length prefixed payload
	FramingInline
)

// String returns the framing name
func (f Framing) String() string {
	switch f {
	case FramingMultiBulk:
		return "multibulk"
	case FramingInline:
		return "inline"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming parses "multibulk" or "inline"
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "multibulk", "multi-bulk", "resp":
		return FramingMultiBulk, nil
	case "inline":
		return FramingInline, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", s)
	}
}

// Logger interface for connection logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// ContextDialer matches net.Dialer and tls.Dialer
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type dialConfig struct {
	framing   Framing
	tlsConfig *tls.Config
	logger    Logger
	dialer    ContextDialer
}

func defaultDialConfig() *dialConfig {
	return &dialConfig{
		framing: FramingMultiBulk,
		logger:  nopLogger{},
	}
}

// DialOption configures Dial
type DialOption func(*dialConfig)

// WithFraming selects the request framing
func WithFraming(f Framing) DialOption {
	return func(c *dialConfig) {
		c.framing = f
	}
}

// WithTLSConfig sets the TLS configuration used for endpoints with TLS
// enabled. Without it a default config with the endpoint host as ServerName
// is used.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(c *dialConfig) {
		c.tlsConfig = cfg
	}
}

// WithLogger sets the connection logger
func WithLogger(l Logger) DialOption {
	return func(c *dialConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the network dialer. The endpoint connect timeout is
// still applied through the context.
func WithDialer(d ContextDialer) DialOption {
	return func(c *dialConfig) {
		c.dialer = d
	}
}
