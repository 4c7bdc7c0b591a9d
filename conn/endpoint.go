package conn

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is used when an address carries no port
	DefaultPort = 6379

	// DefaultConnectTimeout applies when Endpoint.ConnectTimeout is zero
	DefaultConnectTimeout = 5 * time.Second

	// DefaultIOTimeout applies when Endpoint.SendTimeout or ReceiveTimeout is zero
	DefaultIOTimeout = 3 * time.Second
)

// Endpoint describes one reachable store instance. It is a value type and is
// never mutated after construction; use the With* helpers to derive copies.
//
// Timeouts of zero select the package defaults, negative timeouts disable
// the corresponding deadline.
type Endpoint struct {
	Host       string
	Port       int
	Username   string
	Password   string
	DB         int
	ClientName string

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
	RetryCount     int // extra dial attempts the pool makes on connection failures
	TLS            bool
}

// NewEndpoint returns an endpoint for host:port with defaults
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// ParseEndpoint parses `[redis://][user:password@|password@]host[:port][?query]`.
//
// Recognized query keys: db, password, username, client, connectTimeout,
// sendTimeout, receiveTimeout, retry, ssl. Durations are Go durations or
// integer milliseconds.
func ParseEndpoint(s string) (Endpoint, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "redis://")
	if strings.HasPrefix(raw, "rediss://") {
		raw = strings.TrimPrefix(raw, "rediss://")
		raw += sepFor(raw) + "ssl=true"
	}

	var ep Endpoint
	if raw == "" {
		return ep, fmt.Errorf("empty endpoint")
	}

	var query string
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw, query = raw[:i], raw[i+1:]
	}

	if i := strings.LastIndexByte(raw, '@'); i >= 0 {
		userinfo := raw[:i]
		raw = raw[i+1:]
		if j := strings.IndexByte(userinfo, ':'); j >= 0 {
			ep.Username, ep.Password = userinfo[:j], userinfo[j+1:]
		} else {
			ep.Password = userinfo
		}
	}

	host, port, err := splitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	ep.Host, ep.Port = host, port

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
		for key, vals := range values {
			if len(vals) == 0 {
				continue
			}
			if err := ep.applyParam(key, vals[len(vals)-1]); err != nil {
				return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
			}
		}
	}

	if err := ep.Validate(); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	return ep, nil
}

// MustParseEndpoint is ParseEndpoint that panics on error, for tests and
// static configuration
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// ParseEndpoints parses every address, failing on the first invalid one
func ParseEndpoints(addrs ...string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep, err := ParseEndpoint(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (e *Endpoint) applyParam(key, value string) error {
	switch strings.ToLower(key) {
	case "db":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid db %q", value)
		}
		e.DB = n
	case "password":
		e.Password = value
	case "username", "user":
		e.Username = value
	case "client", "name":
		e.ClientName = value
	case "connecttimeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		e.ConnectTimeout = d
	case "sendtimeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		e.SendTimeout = d
	case "receivetimeout":
		d, err := parseDuration(value)
		if err != nil {
			return err
		}
		e.ReceiveTimeout = d
	case "retry", "retrycount":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid retry count %q", value)
		}
		e.RetryCount = n
	case "ssl", "tls":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ssl flag %q", value)
		}
		e.TLS = b
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	return nil
}

// Validate checks the endpoint is dialable
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("host is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	if e.DB < 0 {
		return fmt.Errorf("db index must be >= 0, got %d", e.DB)
	}
	return nil
}

// Addr returns the dialable host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Key identifies the endpoint for pooling. Two endpoints with the same host,
// port and db share a key regardless of credentials or timeouts.
func (e Endpoint) Key() string {
	return e.Addr() + "/" + strconv.Itoa(e.DB)
}

// Equal reports equality by host, port and db
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port && e.DB == o.DB
}

// String renders the endpoint with the password masked
func (e Endpoint) String() string {
	var b strings.Builder
	if e.Password != "" {
		if e.Username != "" {
			b.WriteString(e.Username)
			b.WriteByte(':')
		}
		b.WriteString("***@")
	}
	b.WriteString(e.Addr())
	if e.DB != 0 {
		b.WriteString("?db=")
		b.WriteString(strconv.Itoa(e.DB))
	}
	return b.String()
}

// WithHost returns a copy pointing at another host and port, keeping
// credentials, db and timeouts
func (e Endpoint) WithHost(host string, port int) Endpoint {
	e.Host = host
	e.Port = port
	return e
}

// WithDB returns a copy using another db index
func (e Endpoint) WithDB(db int) Endpoint {
	e.DB = db
	return e
}

func (e Endpoint) connectTimeout() time.Duration {
	return effective(e.ConnectTimeout, DefaultConnectTimeout)
}

func (e Endpoint) sendTimeout() time.Duration {
	return effective(e.SendTimeout, DefaultIOTimeout)
}

func (e Endpoint) receiveTimeout() time.Duration {
	return effective(e.ReceiveTimeout, DefaultIOTimeout)
}

func effective(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// SplitHostPort splits an address, defaulting the port to DefaultPort
func SplitHostPort(addr string) (string, int, error) {
	return splitHostPort(addr)
}

func splitHostPort(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, fmt.Errorf("empty address")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// bare host or bracketed IPv6 literal without a port
		if strings.Contains(err.Error(), "missing port") {
			return strings.Trim(addr, "[]"), DefaultPort, nil
		}
		return "", 0, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func sepFor(s string) string {
	if strings.Contains(s, "?") {
		return "&"
	}
	return "?"
}
