package redisfailover

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/pool"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/resolver"
	"github.com/raniellyferreira/redis-failover/sentinel"
)

// Client runs commands against the current topology. Writes go to the
// master, reads to the replicas. With sentinels configured the topology
// follows failovers once Start has returned.
type Client struct {
	config     *config
	logger     Logger
	resolver   resolver.Resolver
	manager    *pool.Manager
	monitor    *sentinel.Monitor
	serializer Serializer

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a client with the given options
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:     cfg,
		logger:     cfg.logger,
		serializer: cfg.serializer,
	}

	switch {
	case cfg.resolver != nil:
		c.resolver = cfg.resolver
	case len(cfg.masters) > 0:
		masters, err := cfg.endpoints(cfg.masters)
		if err != nil {
			return nil, err
		}
		replicas, err := cfg.endpoints(cfg.replicas)
		if err != nil {
			return nil, err
		}
		c.resolver = resolver.NewBasicResolver(masters, replicas)
	default:
		// filled by the monitor on Start
		c.resolver = resolver.NewBasicResolver(nil, nil)
	}

	adapter := &loggerAdapter{logger: cfg.logger}
	poolCfg := cfg.pool
	poolCfg.DialOptions = append(cfg.dialOptions(), poolCfg.DialOptions...)

	poolOpts := []pool.Option{
		pool.WithLogger(adapter),
		pool.WithOnFailover(func(*pool.Manager) {
			for _, fn := range cfg.onFailover {
				fn(c)
			}
		}),
	}
	if cfg.metrics != nil {
		poolOpts = append(poolOpts, pool.WithMetrics(&metricsAdapter{metrics: cfg.metrics}))
	}

	mgr, err := pool.NewManager(c.resolver, poolCfg, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.manager = mgr

	if len(cfg.sentinels) > 0 {
		mon, err := c.newMonitor(adapter)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		c.monitor = mon
	}

	return c, nil
}

func (c *Client) newMonitor(adapter *loggerAdapter) (*sentinel.Monitor, error) {
	cfg := c.config
	sentinels, err := cfg.sentinelEndpoints()
	if err != nil {
		return nil, err
	}

	monOpts := []sentinel.Option{
		sentinel.WithLogger(adapter),
		sentinel.WithOnError(func(err error) {
			c.logger.Debug("Sentinel retry scheduled", Field{Key: "error", Value: err})
		}),
	}
	if cfg.metrics != nil {
		monOpts = append(monOpts, sentinel.WithMetrics(&metricsAdapter{metrics: cfg.metrics}))
	}

	mon, err := sentinel.NewMonitor(sentinel.Config{
		Sentinels:         sentinels,
		MasterName:        cfg.masterName,
		HostRewrite:       cfg.hostRewrite,
		DiscoverPeers:     cfg.discoverPeers,
		DialTemplate:      cfg.inherit(conn.Endpoint{}),
		RefreshInterval:   cfg.refreshInterval,
		HeartbeatInterval: cfg.heartbeat,
		HeartbeatTimeout:  cfg.heartbeatWait,
		DialOptions:       cfg.dialOptions(),
	}, c.manager, monOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return mon, nil
}

// Start waits for the sentinels to report the first topology. It returns
// immediately for a static topology. The monitor keeps retrying in the
// background when ctx ends first.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.monitor == nil {
		return nil
	}
	c.logger.Info("Waiting for sentinel topology",
		Field{Key: "master_name", Value: c.config.masterName},
		Field{Key: "sentinels", Value: len(c.config.sentinels)})
	if err := c.monitor.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("Sentinel topology ready", Field{Key: "topology", Value: c.monitor.Topology().String()})
	return nil
}

// Close stops the monitor and closes every pooled connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.monitor != nil {
			c.monitor.Stop()
		}
		err = c.manager.Close()
	})
	return err
}

// Manager returns the connection pool
func (c *Client) Manager() *pool.Manager {
	return c.manager
}

// Resolver returns the resolver behind the pool
func (c *Client) Resolver() resolver.Resolver {
	return c.resolver
}

// Monitor returns the sentinel monitor, nil for a static topology
func (c *Client) Monitor() *sentinel.Monitor {
	return c.monitor
}

// FailoverTo switches the topology by hand
func (c *Client) FailoverTo(masters, replicas []conn.Endpoint) {
	c.manager.FailoverTo(masters, replicas)
}

// Stats returns the pool counters
func (c *Client) Stats() pool.Stats {
	return c.manager.Stats()
}

// Do runs an arbitrary command. readOnly routes it to a replica.
func (c *Client) Do(ctx context.Context, readOnly bool, name string, args ...string) (protocol.Reply, error) {
	return c.exec(ctx, readOnly, func(pc *pool.PooledConn) (protocol.Reply, error) {
		return pc.Do(ctx, name, args...)
	})
}

// Ping checks the master
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.exec(ctx, false, func(pc *pool.PooledConn) (protocol.Reply, error) {
		return protocol.Status("PONG"), pc.Ping(ctx)
	})
	return err
}

// Get reads a string value from a replica. A missing key returns ErrNil.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	b, err := c.GetBytes(ctx, key)
	return string(b), err
}

// GetBytes reads a raw value from a replica. A missing key returns ErrNil.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	reply, err := c.Do(ctx, true, "GET", key)
	if err != nil {
		return nil, err
	}
	if reply.Null {
		return nil, ErrNil
	}
	return reply.Bulk, nil
}

// Set writes a string value on the master
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.SetBytes(ctx, key, []byte(value))
}

// SetBytes writes a binary value on the master
func (c *Client) SetBytes(ctx context.Context, key string, value []byte) error {
	reply, err := c.exec(ctx, false, func(pc *pool.PooledConn) (protocol.Reply, error) {
		return pc.DoData(ctx, "SET", value, key)
	})
	if err != nil {
		return err
	}
	return expectOK(reply)
}

// Incr increments an integer value by one
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return integer(c.Do(ctx, false, "INCR", key))
}

// IncrBy increments an integer value by n
func (c *Client) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return integer(c.Do(ctx, false, "INCRBY", key, strconv.FormatInt(n, 10)))
}

// Del removes keys and returns how many existed
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return integer(c.Do(ctx, false, "DEL", keys...))
}

// Exists counts the keys that exist, read from a replica
func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	return integer(c.Do(ctx, true, "EXISTS", keys...))
}

// Publish sends a message on the master and returns the receiver count
func (c *Client) Publish(ctx context.Context, channel string, message []byte) (int64, error) {
	return integer(c.exec(ctx, false, func(pc *pool.PooledConn) (protocol.Reply, error) {
		return pc.DoData(ctx, "PUBLISH", message, channel)
	}))
}

// SetValue serializes v and stores it under key
func (c *Client) SetValue(ctx context.Context, key string, v interface{}) error {
	data, err := c.serializer.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize %q: %w", key, err)
	}
	return c.SetBytes(ctx, key, data)
}

// GetValue reads key and deserializes it into v
func (c *Client) GetValue(ctx context.Context, key string, v interface{}) error {
	data, err := c.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	if err := c.serializer.Unmarshal(data, v); err != nil {
		return fmt.Errorf("deserialize %q: %w", key, err)
	}
	return nil
}

func (c *Client) exec(ctx context.Context, readOnly bool, fn func(*pool.PooledConn) (protocol.Reply, error)) (protocol.Reply, error) {
	if c.closed.Load() {
		return protocol.Reply{}, ErrClosed
	}

	acquire := c.manager.GetClient
	if readOnly {
		acquire = c.manager.GetReadOnlyClient
	}
	pc, err := acquire(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer pc.Release()

	return fn(pc)
}

func integer(reply protocol.Reply, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if reply.Kind != protocol.KindInteger {
		return 0, &ProtocolError{Message: fmt.Sprintf("expected integer reply, got %v", reply)}
	}
	return reply.Int, nil
}

func expectOK(reply protocol.Reply) error {
	if reply.Kind != protocol.KindStatus || reply.Str != "OK" {
		return &ProtocolError{Message: fmt.Sprintf("expected OK, got %v", reply)}
	}
	return nil
}
