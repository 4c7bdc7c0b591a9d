package redisfailover

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/pool"
	"github.com/raniellyferreira/redis-failover/resolver"
)

// config holds the configuration for a Client
type config struct {
	// Static topology
	masters  []string
	replicas []string

	// Sentinel topology
	sentinels       []string
	masterName      string
	hostRewrite     map[string]string
	discoverPeers   bool
	refreshInterval time.Duration
	heartbeat       time.Duration
	heartbeatWait   time.Duration

	// Applied to every data node endpoint that does not set its own value
	username       string
	password       string
	db             int
	clientName     string
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config
	framing        conn.Framing

	pool pool.Config

	// Observability
	logger  Logger
	metrics MetricsCollector

	resolver   resolver.Resolver
	onFailover []func(*Client)
	serializer Serializer
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		pool:       pool.DefaultConfig(),
		logger:     defaultLogger(),
		serializer: JSONSerializer{},
	}
}

// Option represents a configuration option for a Client
type Option func(*config) error

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// WithMasters sets a static list of masters. Each entry is parsed with
// conn.ParseEndpoint.
//
// Example:
//
//	WithMasters("redis://:secret@10.0.0.1:6379?db=2")
func WithMasters(addrs ...string) Option {
	return func(c *config) error {
		if len(addrs) == 0 {
			return invalid("no masters given")
		}
		c.masters = append([]string(nil), addrs...)
		return nil
	}
}

// WithReplicas sets a static list of replicas used for reads
func WithReplicas(addrs ...string) Option {
	return func(c *config) error {
		c.replicas = append([]string(nil), addrs...)
		return nil
	}
}

// WithSentinels makes the client follow a sentinel-managed group. The
// group name is given with WithMasterName.
//
// Example:
//
//	WithSentinels("10.0.0.5:26379", "10.0.0.6:26379")
func WithSentinels(addrs ...string) Option {
	return func(c *config) error {
		if len(addrs) == 0 {
			return invalid("no sentinels given")
		}
		c.sentinels = append([]string(nil), addrs...)
		return nil
	}
}

// WithMasterName sets the sentinel group to follow
func WithMasterName(name string) Option {
	return func(c *config) error {
		if name == "" {
			return invalid("empty master name")
		}
		c.masterName = name
		return nil
	}
}

// WithHostRewrite maps addresses reported by the sentinels to reachable
// ones. Keys and values are "host" or "host:port".
//
// Example:
//
//	WithHostRewrite(map[string]string{"172.17.0.2": "localhost"})
func WithHostRewrite(rewrite map[string]string) Option {
	return func(c *config) error {
		c.hostRewrite = make(map[string]string, len(rewrite))
		for k, v := range rewrite {
			if k == "" || v == "" {
				return invalid("empty host rewrite entry %q=%q", k, v)
			}
			c.hostRewrite[k] = v
		}
		return nil
	}
}

// WithPeerDiscovery adds the sentinels known to the first reachable one
func WithPeerDiscovery(enabled bool) Option {
	return func(c *config) error {
		c.discoverPeers = enabled
		return nil
	}
}

// WithRefreshInterval re-resolves the sentinel topology periodically
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return invalid("negative refresh interval")
		}
		c.refreshInterval = d
		return nil
	}
}

// WithSentinelHeartbeat sets how often the sentinel subscription is pinged
// and how long it may stay silent before the next sentinel is tried. Zero
// keeps the defaults.
func WithSentinelHeartbeat(interval, timeout time.Duration) Option {
	return func(c *config) error {
		if interval < 0 || timeout < 0 {
			return invalid("negative heartbeat duration")
		}
		c.heartbeat, c.heartbeatWait = interval, timeout
		return nil
	}
}

// WithPassword sets the password for endpoints that do not carry one
func WithPassword(password string) Option {
	return func(c *config) error {
		c.password = password
		return nil
	}
}

// WithUsername sets the ACL user for endpoints that do not carry one
func WithUsername(username string) Option {
	return func(c *config) error {
		c.username = username
		return nil
	}
}

// WithDB selects the database for endpoints that do not carry one
func WithDB(db int) Option {
	return func(c *config) error {
		if db < 0 {
			return invalid("db must be >= 0, got %d", db)
		}
		c.db = db
		return nil
	}
}

// WithClientName sets the CLIENT SETNAME sent on every new connection
func WithClientName(name string) Option {
	return func(c *config) error {
		c.clientName = name
		return nil
	}
}

// WithConnectTimeout sets the dial and handshake timeout
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return invalid("connect timeout must be > 0")
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithReadTimeout sets the reply timeout
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return invalid("read timeout must be > 0")
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout sets the send timeout
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return invalid("write timeout must be > 0")
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithFraming selects how requests are framed on the wire
func WithFraming(f conn.Framing) Option {
	return func(c *config) error {
		c.framing = f
		return nil
	}
}

// WithTLS dials every data node and sentinel over TLS
//
// Example:
//
//	WithTLS(&tls.Config{ServerName: "redis.example.com", MinVersion: tls.VersionTLS12})
func WithTLS(tlsConfig *tls.Config) Option {
	return func(c *config) error {
		if tlsConfig == nil {
			return invalid("nil TLS config")
		}
		c.tlsConfig = tlsConfig
		return nil
	}
}

// WithPoolSize caps the connections of each role pool. Zero sizes the pools
// from the topology.
func WithPoolSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return invalid("pool size must be >= 0, got %d", size)
		}
		c.pool.MaxPoolSize = size
		return nil
	}
}

// WithPoolTimeout bounds how long an acquisition waits at capacity
func WithPoolTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return invalid("pool timeout must be > 0")
		}
		c.pool.PoolTimeout = timeout
		return nil
	}
}

// WithIdleTimeout closes pooled connections unused for longer. Negative
// disables idle eviction.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.pool.IdleTimeout = timeout
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return invalid("nil logger")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithResolver injects a custom resolver instead of the static lists
func WithResolver(r resolver.Resolver) Option {
	return func(c *config) error {
		if r == nil {
			return invalid("nil resolver")
		}
		c.resolver = r
		return nil
	}
}

// WithOnFailover registers a callback fired after every topology switch
func WithOnFailover(fn func(*Client)) Option {
	return func(c *config) error {
		if fn != nil {
			c.onFailover = append(c.onFailover, fn)
		}
		return nil
	}
}

// WithSerializer replaces the JSON serializer used by SetValue and GetValue
func WithSerializer(s Serializer) Option {
	return func(c *config) error {
		if s == nil {
			return invalid("nil serializer")
		}
		c.serializer = s
		return nil
	}
}

// validate checks that the options describe exactly one topology source
func (c *config) validate() error {
	sources := 0
	if len(c.masters) > 0 {
		sources++
	}
	if len(c.sentinels) > 0 {
		sources++
	}
	if c.resolver != nil {
		sources++
	}
	switch {
	case sources == 0:
		return invalid("one of WithMasters, WithSentinels or WithResolver is required")
	case sources > 1:
		return invalid("WithMasters, WithSentinels and WithResolver are exclusive")
	}
	if len(c.replicas) > 0 && len(c.masters) == 0 {
		return invalid("WithReplicas requires WithMasters")
	}
	if len(c.sentinels) > 0 && c.masterName == "" {
		return invalid("WithSentinels requires WithMasterName")
	}
	if err := c.pool.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// template returns the endpoint defaults configured through options
func (c *config) template() conn.Endpoint {
	return conn.Endpoint{
		Username:       c.username,
		Password:       c.password,
		DB:             c.db,
		ClientName:     c.clientName,
		ConnectTimeout: c.connectTimeout,
		SendTimeout:    c.writeTimeout,
		ReceiveTimeout: c.readTimeout,
	}
}

// endpoints parses addrs and fills in what each one leaves unset
func (c *config) endpoints(addrs []string) ([]conn.Endpoint, error) {
	out := make([]conn.Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		ep, err := conn.ParseEndpoint(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		out = append(out, c.inherit(ep))
	}
	return out, nil
}

func (c *config) inherit(ep conn.Endpoint) conn.Endpoint {
	t := c.template()
	if ep.Username == "" {
		ep.Username = t.Username
	}
	if ep.Password == "" {
		ep.Password = t.Password
	}
	if ep.DB == 0 {
		ep.DB = t.DB
	}
	if ep.ClientName == "" {
		ep.ClientName = t.ClientName
	}
	if ep.ConnectTimeout == 0 {
		ep.ConnectTimeout = t.ConnectTimeout
	}
	if ep.SendTimeout == 0 {
		ep.SendTimeout = t.SendTimeout
	}
	if ep.ReceiveTimeout == 0 {
		ep.ReceiveTimeout = t.ReceiveTimeout
	}
	if c.tlsConfig != nil {
		ep.TLS = true
	}
	return ep
}

func (c *config) dialOptions() []conn.DialOption {
	opts := []conn.DialOption{
		conn.WithFraming(c.framing),
		conn.WithLogger(&loggerAdapter{logger: c.logger}),
	}
	if c.tlsConfig != nil {
		opts = append(opts, conn.WithTLSConfig(c.tlsConfig))
	}
	return opts
}

// sentinelEndpoints parses the sentinel list. Sentinels share the timeouts
// and TLS setting of the data nodes but not their credentials or db.
func (c *config) sentinelEndpoints() ([]conn.Endpoint, error) {
	out := make([]conn.Endpoint, 0, len(c.sentinels))
	for _, addr := range c.sentinels {
		ep, err := conn.ParseEndpoint(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: sentinel: %w", ErrInvalidConfig, err)
		}
		if ep.ConnectTimeout == 0 {
			ep.ConnectTimeout = c.connectTimeout
		}
		if ep.SendTimeout == 0 {
			ep.SendTimeout = c.writeTimeout
		}
		if ep.ReceiveTimeout == 0 {
			ep.ReceiveTimeout = c.readTimeout
		}
		if c.tlsConfig != nil {
			ep.TLS = true
		}
		out = append(out, ep)
	}
	return out, nil
}
