package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/exp/slices"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/resolver"
)

var (
	// ErrPoolExhausted is returned when no connection frees up within the
	// pool timeout
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned by acquisitions after Close
	ErrClosed = errors.New("pool is closed")
)

// Pause between dial retries of an endpoint with RetryCount > 0
const (
	retryBackoffMin = 20 * time.Millisecond
	retryBackoffMax = time.Second
)

type role int

const (
	roleWrite role = iota
	roleRead
)

func (r role) String() string {
	if r == roleWrite {
		return "write"
	}
	return "read"
}

// plan caches the endpoints the resolver hands out for one topology, so
// acquisitions against an unchanged topology do not consult it again
type plan struct {
	topology resolver.Topology
	writes   []conn.Endpoint
	reads    []conn.Endpoint
	writeErr error
	readErr  error
}

func (p *plan) serves(r role, ep conn.Endpoint) bool {
	list := p.writes
	if r == roleRead {
		list = p.reads
	}
	return slices.ContainsFunc(list, func(e conn.Endpoint) bool { return e.Key() == ep.Key() })
}

// rolePool holds the connections of one role. Guarded by Manager.mu.
type rolePool struct {
	role     role
	capacity int
	open     int // idle plus checked out
	active   int
	idle     map[string][]*conn.Conn
}

func newRolePool(r role) *rolePool {
	return &rolePool{role: r, idle: make(map[string][]*conn.Conn)}
}

func (rp *rolePool) idleCount() int {
	n := 0
	for _, list := range rp.idle {
		n += len(list)
	}
	return n
}

// takeIdle pops the most recently used idle connection for key
func (rp *rolePool) takeIdle(key string) *conn.Conn {
	list := rp.idle[key]
	if len(list) == 0 {
		return nil
	}
	c := list[len(list)-1]
	if len(list) == 1 {
		delete(rp.idle, key)
	} else {
		rp.idle[key] = list[:len(list)-1]
	}
	return c
}

func (rp *rolePool) putIdle(c *conn.Conn) {
	key := c.Endpoint().Key()
	rp.idle[key] = append(rp.idle[key], c)
}

// evictOther removes the least recently used idle connection of an endpoint
// other than key, making room at capacity
func (rp *rolePool) evictOther(key string) *conn.Conn {
	for k, list := range rp.idle {
		if k == key || len(list) == 0 {
			continue
		}
		c := list[0]
		if len(list) == 1 {
			delete(rp.idle, k)
		} else {
			rp.idle[k] = list[1:]
		}
		return c
	}
	return nil
}

// drain removes every idle connection matching fn
func (rp *rolePool) drain(fn func(*conn.Conn) bool) []*conn.Conn {
	var out []*conn.Conn
	for k, list := range rp.idle {
		kept := list[:0]
		for _, c := range list {
			if fn(c) {
				out = append(out, c)
			} else {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(rp.idle, k)
		} else {
			rp.idle[k] = kept
		}
	}
	rp.open -= len(out)
	return out
}

// Manager hands out pooled connections: writes go to the resolver's master,
// reads rotate over the replicas. Topology changes go through FailoverTo,
// which also evicts idle connections to endpoints that left the topology.
type Manager struct {
	resolver   resolver.Resolver
	cfg        Config
	logger     Logger
	metrics    MetricsCollector
	onFailover []func(*Manager)
	now        func() time.Time

	mu          sync.Mutex
	closed      bool
	generation  uint64
	plan        *plan
	writes      *rolePool
	reads       *rolePool
	writeCursor uint64
	wake        chan struct{}
	stats       Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager over r. The idle sweeper starts immediately
// unless disabled in cfg.
func NewManager(r resolver.Resolver, cfg Config, opts ...Option) (*Manager, error) {
	if r == nil {
		return nil, fmt.Errorf("pool: resolver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		resolver: r,
		cfg:      cfg.withDefaults(),
		logger:   nopLogger{},
		now:      time.Now,
		writes:   newRolePool(roleWrite),
		reads:    newRolePool(roleRead),
		wake:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.mu.Lock()
	m.refreshLocked()
	m.mu.Unlock()

	if m.cfg.SweepInterval > 0 && m.cfg.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m, nil
}

// Resolver returns the resolver the manager acquires from
func (m *Manager) Resolver() resolver.Resolver {
	return m.resolver
}

// OnFailover registers a callback fired after every FailoverTo
func (m *Manager) OnFailover(fn func(*Manager)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailover = append(m.onFailover, fn)
}

// GetClient returns a connection to the current master. It never
// substitutes another endpoint when the master cannot be reached.
func (m *Manager) GetClient(ctx context.Context) (*PooledConn, error) {
	return m.acquire(ctx, m.writes, func(p *plan) (conn.Endpoint, error) {
		if len(p.writes) == 0 {
			return conn.Endpoint{}, p.writeErr
		}
		i := m.writeCursor % uint64(len(p.writes))
		m.writeCursor++
		return p.writes[i], nil
	})
}

// GetReadOnlyClient returns a connection to the next replica in round robin
// order, or to a master when there are no replicas. When a replica cannot
// be reached the following candidates are tried.
func (m *Manager) GetReadOnlyClient(ctx context.Context) (*PooledConn, error) {
	m.mu.Lock()
	stale := m.refreshLocked()
	candidates := len(m.plan.reads)
	m.mu.Unlock()
	closeConns(stale)

	attempts := m.cfg.ReadRetries
	if attempts == 0 || attempts > candidates {
		attempts = candidates
	}
	if attempts < 1 {
		attempts = 1
	}

	start := uint(m.resolver.NextReadIndex())
	var lastErr error
	for a := 0; a < attempts; a++ {
		offset := uint(a)
		pc, err := m.acquire(ctx, m.reads, func(p *plan) (conn.Endpoint, error) {
			if len(p.reads) == 0 {
				return conn.Endpoint{}, p.readErr
			}
			return p.reads[(start+offset)%uint(len(p.reads))], nil
		})
		if err == nil {
			return pc, nil
		}
		if !conn.IsConnectionError(err) || ctx.Err() != nil {
			return nil, err
		}
		m.logger.Error("Replica unavailable, trying next", "attempt", a+1, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) acquire(ctx context.Context, rp *rolePool, pick func(*plan) (conn.Endpoint, error)) (*PooledConn, error) {
	start := m.now()

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.PoolTimeout)
	defer cancel()

	var (
		toClose []*conn.Conn
		ep      conn.Endpoint
		gen     uint64
		picked  bool
	)
	unlock := func() {
		m.mu.Unlock()
		closeConns(toClose)
		toClose = nil
	}

	m.mu.Lock()
	for {
		if m.closed {
			unlock()
			return nil, ErrClosed
		}

		toClose = append(toClose, m.refreshLocked()...)
		if !picked || gen != m.generation {
			var err error
			if ep, err = pick(m.plan); err != nil {
				unlock()
				m.recordError("no_endpoint")
				return nil, err
			}
			gen, picked = m.generation, true
		}

		if c := rp.takeIdle(ep.Key()); c != nil {
			if c.Healthy() {
				rp.active++
				m.stats.Hits++
				unlock()
				return m.checkedOut(c, rp, gen, start), nil
			}
			rp.open--
			m.stats.Destroyed++
			toClose = append(toClose, c)
			continue
		}

		if rp.open < rp.capacity {
			rp.open++
			rp.active++
			m.stats.Misses++
			unlock()
			return m.dial(ctx, rp, ep, gen, start)
		}

		if c := rp.evictOther(ep.Key()); c != nil {
			rp.open--
			m.stats.Destroyed++
			toClose = append(toClose, c)
			continue
		}

		wake := m.wake
		unlock()

		select {
		case <-wake:
			m.mu.Lock()
		case <-waitCtx.Done():
			// cancellation is the caller's decision, a deadline is exhaustion
			ctxErr := ctx.Err()
			if errors.Is(ctxErr, context.Canceled) {
				return nil, ctxErr
			}
			m.mu.Lock()
			m.stats.Timeouts++
			capacity := rp.capacity
			m.mu.Unlock()
			m.recordError("pool_exhausted")
			if ctxErr != nil {
				return nil, fmt.Errorf("%w: %d %s connections in use at deadline: %w", ErrPoolExhausted, capacity, rp.role, ctxErr)
			}
			return nil, fmt.Errorf("%w: %d %s connections in use after %v", ErrPoolExhausted, capacity, rp.role, m.cfg.PoolTimeout)
		}
	}
}

// dial creates a connection for a slot already reserved in rp
func (m *Manager) dial(ctx context.Context, rp *rolePool, ep conn.Endpoint, gen uint64, start time.Time) (*PooledConn, error) {
	c, err := m.dialRetry(ctx, ep)
	if err != nil {
		m.mu.Lock()
		rp.open--
		rp.active--
		m.signalLocked()
		m.mu.Unlock()

		m.logger.Error("Failed to create pooled connection", "addr", ep.Addr(), "role", rp.role.String(), "error", err)
		m.recordError("dial")
		return nil, err
	}

	m.mu.Lock()
	m.stats.TotalCreated++
	m.mu.Unlock()

	m.logger.Debug("Created pooled connection", "addr", ep.Addr(), "role", rp.role.String(), "id", c.ID())
	if m.metrics != nil {
		m.metrics.RecordConnection("created")
	}

	pc := m.checkedOut(c, rp, gen, start)
	if ctx.Err() != nil {
		// the caller gave up while we were dialing; keep the connection
		pc.Release()
		return nil, ctx.Err()
	}
	return pc, nil
}

// dialRetry dials ep, retrying connection failures up to ep.RetryCount
// times. Rejected credentials and other error replies are not retried.
func (m *Manager) dialRetry(ctx context.Context, ep conn.Endpoint) (*conn.Conn, error) {
	b := &backoff.Backoff{
		Min:    retryBackoffMin,
		Max:    retryBackoffMax,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 0; ; attempt++ {
		c, err := conn.Dial(ctx, ep, m.cfg.DialOptions...)
		if err == nil || attempt >= ep.RetryCount || !retryable(err) {
			return c, err
		}

		wait := b.Duration()
		m.logger.Debug("Dial failed, retrying", "addr", ep.Addr(), "attempt", attempt+1, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}
}

func retryable(err error) bool {
	var remote *conn.RemoteError
	return conn.IsConnectionError(err) && !errors.As(err, &remote)
}

func (m *Manager) checkedOut(c *conn.Conn, rp *rolePool, gen uint64, start time.Time) *PooledConn {
	if m.metrics != nil {
		m.metrics.RecordAcquire(rp.role.String(), m.now().Sub(start))
	}
	return &PooledConn{Conn: c, manager: m, pool: rp, generation: gen}
}

func (m *Manager) release(pc *PooledConn) {
	c := pc.Conn
	rp := pc.pool

	m.mu.Lock()
	rp.active--

	reason := ""
	switch {
	case m.closed:
		reason = "closed"
	case !c.Healthy():
		reason = "faulted"
	case pc.generation != m.generation && !m.plan.serves(rp.role, c.Endpoint()):
		reason = "stale"
	}

	if reason == "" {
		rp.putIdle(c)
		m.signalLocked()
		m.mu.Unlock()
		return
	}

	rp.open--
	m.stats.Destroyed++
	m.signalLocked()
	m.mu.Unlock()

	m.logger.Debug("Destroying pooled connection", "addr", c.Endpoint().Addr(), "reason", reason, "id", c.ID(), "age", m.now().Sub(c.CreatedAt()))
	if m.metrics != nil {
		m.metrics.RecordConnection("destroyed")
	}
	c.Close()
}

// FailoverTo switches the topology: replicas first, then masters, so a
// concurrent write acquisition never sees the new replicas with the old
// master gone. Idle connections to endpoints no longer serving their role
// are closed; checked out ones are closed when released.
func (m *Manager) FailoverTo(masters, replicas []conn.Endpoint) {
	m.mu.Lock()
	m.resolver.ResetSlaves(replicas)
	m.resolver.ResetMasters(masters)
	stale := m.refreshLocked()
	m.stats.Failovers++
	total := m.stats.Failovers
	hooks := slices.Clone(m.onFailover)
	m.signalLocked()
	m.mu.Unlock()

	closeConns(stale)

	m.logger.Info("FailoverTo",
		"masters", resolver.Topology{Masters: masters}.String(),
		"replicas", resolver.Topology{Replicas: replicas}.String(),
		"evicted", len(stale),
		"total_failovers", total)
	if m.metrics != nil {
		m.metrics.RecordFailover()
	}

	for _, fn := range hooks {
		m.fire(fn)
	}
}

func (m *Manager) fire(fn func(*Manager)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("OnFailover callback panicked", "panic", r)
		}
	}()
	fn(m)
}

// refreshLocked rebuilds the plan when the resolver's topology changed and
// returns the idle connections that no longer serve their role. The caller
// closes them after unlocking.
func (m *Manager) refreshLocked() []*conn.Conn {
	t := resolver.Current(m.resolver)
	if m.plan != nil && m.plan.topology.Equal(t) {
		return nil
	}

	p := &plan{topology: t, writeErr: resolver.ErrNoMasterAvailable, readErr: resolver.ErrNoMasterAvailable}
	for i := range t.Masters {
		ep, err := m.resolver.CreateMasterClient(i)
		if err != nil {
			p.writeErr = err
			break
		}
		p.writes = append(p.writes, ep)
	}

	n := len(t.Replicas)
	if n == 0 {
		n = len(t.Masters)
	}
	for i := 0; i < n; i++ {
		ep, err := m.resolver.CreateSlaveClient(i)
		if err != nil {
			p.readErr = err
			break
		}
		p.reads = append(p.reads, ep)
	}

	m.plan = p
	m.generation++
	m.writes.capacity = m.capacityFor(len(p.writes))
	m.reads.capacity = m.capacityFor(len(p.reads))

	var stale []*conn.Conn
	for _, rp := range []*rolePool{m.writes, m.reads} {
		r := rp.role
		stale = append(stale, rp.drain(func(c *conn.Conn) bool {
			return !p.serves(r, c.Endpoint())
		})...)
	}
	m.stats.Destroyed += int64(len(stale))
	return stale
}

func (m *Manager) capacityFor(endpoints int) int {
	if m.cfg.MaxPoolSize > 0 {
		return m.cfg.MaxPoolSize
	}
	if n := endpoints * m.cfg.PoolSizeMultiplier; n > 0 {
		return n
	}
	return 1
}

// signalLocked wakes every waiting acquisition
func (m *Manager) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// Sweep closes idle connections unused for longer than the idle timeout at
// now and returns how many were closed
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var expired []*conn.Conn
	for _, rp := range []*rolePool{m.writes, m.reads} {
		expired = append(expired, rp.drain(func(c *conn.Conn) bool {
			return c.IdleFor(now) > m.cfg.IdleTimeout || !c.Healthy()
		})...)
	}
	m.stats.Destroyed += int64(len(expired))
	if len(expired) > 0 {
		m.signalLocked()
	}
	m.mu.Unlock()

	closeConns(expired)
	if len(expired) > 0 {
		m.logger.Debug("Idle sweep", "closed", len(expired))
		if m.metrics != nil {
			for range expired {
				m.metrics.RecordConnection("evicted")
			}
		}
	}
	return len(expired)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Close stops the sweeper and closes idle connections. Connections still
// checked out are closed when released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var idle []*conn.Conn
	for _, rp := range []*rolePool{m.writes, m.reads} {
		idle = append(idle, rp.drain(func(*conn.Conn) bool { return true })...)
	}
	m.stats.Destroyed += int64(len(idle))
	m.signalLocked()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	closeConns(idle)
	return nil
}

func (m *Manager) recordError(kind string) {
	if m.metrics != nil {
		m.metrics.RecordError(kind)
	}
}

func closeConns(conns []*conn.Conn) {
	for _, c := range conns {
		c.Close()
	}
}
