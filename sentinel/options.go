package sentinel

import (
	"fmt"
	"time"

	"github.com/raniellyferreira/redis-failover/conn"
)

const (
	DefaultBackoffMin = 100 * time.Millisecond
	DefaultBackoffMax = 10 * time.Second

	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// Config describes the monitored group and the sentinels watching it
type Config struct {
	// Sentinels are tried in order; the list grows with DiscoverPeers
	Sentinels  []conn.Endpoint
	MasterName string

	// HostRewrite maps addresses reported by the sentinels to reachable
	// ones. Keys are "host:port" or "host"; values are "host:port" or "host"
	// (keeping the reported port). The more specific key wins.
	HostRewrite map[string]string

	// DiscoverPeers merges the sentinels known to the first reachable one
	// into Sentinels
	DiscoverPeers bool

	// DialTemplate supplies credentials, db and timeouts for the data nodes
	// built from sentinel answers. Host and port are ignored.
	DialTemplate conn.Endpoint

	BackoffMin time.Duration
	BackoffMax time.Duration

	// RefreshInterval re-resolves the topology periodically while
	// subscribed, catching switches whose notification was missed. Zero
	// disables it.
	RefreshInterval time.Duration

	// HeartbeatInterval is how often the subscription is pinged. When
	// nothing, pong included, arrives within HeartbeatTimeout the sentinel
	// is considered frozen and the next one is tried.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// DialOptions apply to the sentinel connections
	DialOptions []conn.DialOption
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MasterName == "" {
		return fmt.Errorf("master name is required")
	}
	if len(c.Sentinels) == 0 {
		return fmt.Errorf("at least one sentinel is required")
	}
	for _, ep := range c.Sentinels {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("sentinel %s: %w", ep.Addr(), err)
		}
	}
	if c.BackoffMin < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("backoff durations must be >= 0")
	}
	if c.BackoffMax > 0 && c.BackoffMin > c.BackoffMax {
		return fmt.Errorf("backoff min %v exceeds max %v", c.BackoffMin, c.BackoffMax)
	}
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat durations must be >= 0")
	}
	if d := c.withDefaults(); d.HeartbeatTimeout <= d.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %v must exceed interval %v", d.HeartbeatTimeout, d.HeartbeatInterval)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BackoffMin == 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return c
}

// Logger interface for monitor logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives monitor events
type MetricsCollector interface {
	RecordReconnection()
	RecordError(errorType string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// TargetFactory builds the failover target from the first discovered
// topology
type TargetFactory func(masters, replicas []conn.Endpoint) (FailoverTarget, error)

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the monitor logger
func WithLogger(l Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(mc MetricsCollector) Option {
	return func(m *Monitor) {
		m.metrics = mc
	}
}

// WithOnError registers a callback for every failure the monitor retries
func WithOnError(fn func(error)) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.onError = append(m.onError, fn)
		}
	}
}

// WithOnStateChange registers a callback for state transitions
func WithOnStateChange(fn func(from, to State)) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.onStateChange = append(m.onStateChange, fn)
		}
	}
}

// WithTargetFactory creates the failover target lazily from the first
// topology instead of receiving it in NewMonitor
func WithTargetFactory(f TargetFactory) Option {
	return func(m *Monitor) {
		m.factory = f
	}
}
