package pool

import (
	"fmt"
	"time"

	"github.com/raniellyferreira/redis-failover/conn"
)

const (
	// DefaultPoolSizeMultiplier sizes a role pool per endpoint when
	// Config.MaxPoolSize is zero
	DefaultPoolSizeMultiplier = 10

	DefaultPoolTimeout   = 2 * time.Second
	DefaultIdleTimeout   = 240 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Config holds the pool limits
type Config struct {
	// MaxPoolSize caps the connections of each role (writes and reads are
	// separate pools). Zero derives it from the topology: endpoints of the
	// role times PoolSizeMultiplier, at least 1.
	MaxPoolSize        int
	PoolSizeMultiplier int

	// PoolTimeout bounds how long an acquisition waits at capacity
	PoolTimeout time.Duration

	// IdleTimeout closes pooled connections unused for longer. Negative
	// disables idle eviction.
	IdleTimeout time.Duration

	// SweepInterval is the period of the idle sweep. Negative disables the
	// background sweeper; Sweep can still be called directly.
	SweepInterval time.Duration

	// ReadRetries is how many replica candidates a read acquisition tries
	// after a connection failure. Zero means one per replica.
	ReadRetries int

	DialOptions []conn.DialOption
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		PoolSizeMultiplier: DefaultPoolSizeMultiplier,
		PoolTimeout:        DefaultPoolTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		SweepInterval:      DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.PoolSizeMultiplier == 0 {
		c.PoolSizeMultiplier = DefaultPoolSizeMultiplier
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = DefaultPoolTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxPoolSize < 0 {
		return fmt.Errorf("max pool size must be >= 0, got %d", c.MaxPoolSize)
	}
	if c.PoolSizeMultiplier < 0 {
		return fmt.Errorf("pool size multiplier must be >= 0, got %d", c.PoolSizeMultiplier)
	}
	if c.PoolTimeout < 0 {
		return fmt.Errorf("pool timeout must be >= 0, got %v", c.PoolTimeout)
	}
	if c.ReadRetries < 0 {
		return fmt.Errorf("read retries must be >= 0, got %d", c.ReadRetries)
	}
	return nil
}

// Logger interface for pool logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives pool events
type MetricsCollector interface {
	// RecordAcquire records a successful acquisition and how long it took
	RecordAcquire(role string, wait time.Duration)

	// RecordConnection records a connection event: created, destroyed or evicted
	RecordConnection(event string)

	// RecordFailover records a topology switch
	RecordFailover()

	// RecordError records an acquisition failure
	RecordError(errorType string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the pool logger
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(mc MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithOnFailover registers a callback fired after every FailoverTo
func WithOnFailover(fn func(*Manager)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onFailover = append(m.onFailover, fn)
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
