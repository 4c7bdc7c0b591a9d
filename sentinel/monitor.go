package sentinel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/resolver"
)

// SwitchMasterChannel is the channel sentinels announce promotions on
const SwitchMasterChannel = "+switch-master"

var (
	// ErrSentinelUnavailable is returned when no sentinel of the list answered
	ErrSentinelUnavailable = errors.New("no sentinel available")

	// ErrUnknownMaster is returned when a sentinel does not monitor the group
	ErrUnknownMaster = errors.New("sentinel does not know the master")

	// ErrHeartbeatTimeout ends a session whose subscription stopped
	// answering PING
	ErrHeartbeatTimeout = errors.New("sentinel heartbeat timeout")
)

// FailoverTarget receives every topology change. *pool.Manager implements it.
type FailoverTarget interface {
	FailoverTo(masters, replicas []conn.Endpoint)
}

// State of the monitor worker
type State int32

const (
	StateDisconnected State = iota
	StateDiscovering
	StateSubscribed
	StateReacting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateSubscribed:
		return "subscribed"
	case StateReacting:
		return "reacting"
	default:
		return "unknown"
	}
}

// Monitor follows a sentinel-managed group and pushes its topology to a
// FailoverTarget
type Monitor struct {
	cfg     Config
	target  FailoverTarget
	factory TargetFactory
	logger  Logger
	metrics MetricsCollector

	onError       []func(error)
	onStateChange []func(from, to State)

	mu        sync.Mutex
	sentinels []conn.Endpoint
	current   int
	last      resolver.Topology
	pushed    bool
	lastErr   error

	rewrite atomic.Pointer[map[string]string]
	state   atomic.Int32
	started atomic.Bool

	refresh   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. target may be nil when WithTargetFactory is
// given.
func NewMonitor(cfg Config, target FailoverTarget, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sentinel config: %w", err)
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:       cfg,
		target:    target,
		logger:    nopLogger{},
		sentinels: slices.Clone(cfg.Sentinels),
		refresh:   make(chan struct{}, 1),
		ready:     make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.target == nil && m.factory == nil {
		cancel()
		return nil, fmt.Errorf("a failover target or a target factory is required")
	}
	m.storeRewrite(cfg.HostRewrite)
	return m, nil
}

// Start runs the monitor in the background and blocks until the first
// topology has been pushed to the target or ctx ends. The monitor keeps
// retrying after ctx ends; call Stop to end it.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already started")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx)
	}()

	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initial topology: %w", errors.Join(ctx.Err(), m.LastError()))
	}
}

// Run monitors in the calling goroutine until ctx ends or Stop is called
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	m.wg.Add(1)
	defer m.wg.Done()
	m.run(runCtx)
	return ctx.Err()
}

// Stop ends the worker and waits for it. The target is left as is.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Ready is closed once the first topology has been pushed
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

// State returns the current worker state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Target returns the failover target, nil until the factory has run
func (m *Monitor) Target() FailoverTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Topology returns the last topology pushed to the target
func (m *Monitor) Topology() resolver.Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	return resolver.Topology{
		Masters:  slices.Clone(m.last.Masters),
		Replicas: slices.Clone(m.last.Replicas),
	}
}

// Sentinels returns the known sentinels, including discovered peers
func (m *Monitor) Sentinels() []conn.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sentinels)
}

// LastError returns the most recent failure, nil if none
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SetHostRewrite replaces the rewrite table and triggers a re-resolution
func (m *Monitor) SetHostRewrite(rw map[string]string) {
	m.storeRewrite(rw)
	m.Refresh()
}

func (m *Monitor) storeRewrite(rw map[string]string) {
	table := maps.Clone(rw)
	if table == nil {
		table = map[string]string{}
	}
	m.rewrite.Store(&table)
}

// Refresh asks the worker to re-resolve the topology
func (m *Monitor) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    m.cfg.BackoffMin,
		Max:    m.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for ctx.Err() == nil {
		subscribed, err := m.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if subscribed {
			b.Reset()
		}

		m.setState(StateDisconnected)
		m.report(err)
		m.rotate()

		wait := b.Duration()
		m.logger.Info("Reconnecting to sentinel", "master", m.cfg.MasterName, "backoff", wait, "attempt", b.Attempt())
		if m.metrics != nil {
			m.metrics.RecordReconnection()
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	m.setState(StateDisconnected)
	m.logger.Debug("Sentinel monitor stopped", "master", m.cfg.MasterName)
}

// session resolves the topology once, then follows switch notifications
// until something fails. It reports whether the subscription was reached.
func (m *Monitor) session(ctx context.Context) (bool, error) {
	m.setState(StateDiscovering)

	control, err := m.connect(ctx)
	if err != nil {
		return false, err
	}
	defer control.Close()

	if m.cfg.DiscoverPeers {
		if err := m.discoverPeers(ctx, control); err != nil {
			m.logger.Debug("Sentinel peer discovery failed", "sentinel", control.Endpoint().Addr(), "error", err)
		}
	}

	// subscribe before resolving so a switch in between is not lost
	sub, err := conn.Dial(ctx, control.Endpoint(), m.cfg.DialOptions...)
	if err != nil {
		return false, err
	}
	defer sub.Close()
	if err := sub.Subscribe(ctx, SwitchMasterChannel); err != nil {
		return false, err
	}

	t, err := m.resolve(ctx, control)
	if err != nil {
		return false, err
	}
	if err := m.push(t); err != nil {
		return false, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	var readers sync.WaitGroup
	defer readers.Wait()
	defer cancel()

	type received struct {
		msg conn.Message
		err error
	}
	recv := make(chan received)
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			msg, err := sub.ReceiveMessage(sessCtx)
			select {
			case recv <- received{msg: msg, err: err}:
			case <-sessCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var tick <-chan time.Time
	if m.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	beat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer beat.Stop()

	m.setState(StateSubscribed)
	m.logger.Info("Subscribed to sentinel", "sentinel", control.Endpoint().Addr(), "master", m.cfg.MasterName)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case r := <-recv:
			if r.err != nil {
				return true, fmt.Errorf("switch-master subscription: %w", r.err)
			}
			group, ok := switchedGroup(r.msg.Payload)
			if !ok || group != m.cfg.MasterName {
				m.logger.Debug("Ignoring switch-master", "payload", r.msg.Payload)
				continue
			}
			m.logger.Info("Master switch announced", "master", m.cfg.MasterName, "payload", r.msg.Payload)
			if err := m.react(ctx, control); err != nil {
				return true, err
			}
		case <-beat.C:
			// any push counts, the pong to the previous PING included
			if silent := time.Since(sub.LastUsed()); silent > m.cfg.HeartbeatTimeout {
				return true, fmt.Errorf("sentinel %s silent for %v: %w", control.Endpoint().Addr(), silent.Round(time.Millisecond), ErrHeartbeatTimeout)
			}
			if err := sub.PingSubscribed(sessCtx); err != nil {
				return true, fmt.Errorf("switch-master heartbeat: %w", err)
			}
		case <-tick:
			if err := m.react(ctx, control); err != nil {
				return true, err
			}
		case <-m.refresh:
			if err := m.react(ctx, control); err != nil {
				return true, err
			}
		}
	}
}

// react re-resolves from the control plane; the notification payload is
// only a trigger
func (m *Monitor) react(ctx context.Context, control *conn.Conn) error {
	m.setState(StateReacting)
	t, err := m.resolve(ctx, control)
	if err != nil {
		return err
	}
	if err := m.push(t); err != nil {
		return err
	}
	m.setState(StateSubscribed)
	return nil
}

// connect dials the sentinels starting at the current one and keeps the
// first that answers
func (m *Monitor) connect(ctx context.Context) (*conn.Conn, error) {
	m.mu.Lock()
	list := slices.Clone(m.sentinels)
	start := m.current
	m.mu.Unlock()

	var errs []error
	for i := range list {
		idx := (start + i) % len(list)
		c, err := conn.Dial(ctx, list[idx], m.cfg.DialOptions...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Debug("Sentinel unreachable", "sentinel", list[idx].Addr(), "error", err)
			errs = append(errs, err)
			continue
		}
		m.mu.Lock()
		m.current = idx
		m.mu.Unlock()
		return c, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrSentinelUnavailable, errors.Join(errs...))
}

func (m *Monitor) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentinels) > 0 {
		m.current = (m.current + 1) % len(m.sentinels)
	}
}

// Resolve queries the sentinels once without touching the target
func (m *Monitor) Resolve(ctx context.Context) (resolver.Topology, error) {
	c, err := m.connect(ctx)
	if err != nil {
		return resolver.Topology{}, err
	}
	defer c.Close()
	return m.resolve(ctx, c)
}

func (m *Monitor) resolve(ctx context.Context, c *conn.Conn) (resolver.Topology, error) {
	name := m.cfg.MasterName

	reply, err := c.Do(ctx, "SENTINEL", "get-master-addr-by-name", name)
	if err != nil {
		return resolver.Topology{}, fmt.Errorf("sentinel %s: %w", c.Endpoint().Addr(), err)
	}
	if reply.Null {
		return resolver.Topology{}, fmt.Errorf("sentinel %s: %w %q", c.Endpoint().Addr(), ErrUnknownMaster, name)
	}
	addr := reply.Strings()
	if len(addr) != 2 {
		return resolver.Topology{}, &protocol.ProtocolError{Message: fmt.Sprintf("unexpected master address %v", reply)}
	}
	master, err := m.endpointFor(m.cfg.DialTemplate, addr[0], addr[1])
	if err != nil {
		return resolver.Topology{}, err
	}

	reply, err = c.Do(ctx, "SENTINEL", "replicas", name)
	var remote *conn.RemoteError
	if errors.As(err, &remote) {
		// older sentinels only know the legacy name
		reply, err = c.Do(ctx, "SENTINEL", "slaves", name)
	}
	if err != nil {
		return resolver.Topology{}, fmt.Errorf("sentinel %s: %w", c.Endpoint().Addr(), err)
	}

	var replicas []conn.Endpoint
	for _, fields := range parseEntries(reply) {
		if !usableReplica(fields["flags"]) {
			continue
		}
		ep, err := m.endpointFor(m.cfg.DialTemplate, fields["ip"], fields["port"])
		if err != nil {
			m.logger.Debug("Skipping replica", "ip", fields["ip"], "port", fields["port"], "error", err)
			continue
		}
		if ep.Equal(master) || slices.ContainsFunc(replicas, ep.Equal) {
			continue
		}
		replicas = append(replicas, ep)
	}

	return resolver.Topology{Masters: []conn.Endpoint{master}, Replicas: replicas}, nil
}

func (m *Monitor) discoverPeers(ctx context.Context, c *conn.Conn) error {
	reply, err := c.Do(ctx, "SENTINEL", "sentinels", m.cfg.MasterName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	template := m.sentinels[0]
	for _, fields := range parseEntries(reply) {
		ep, err := m.endpointFor(template, fields["ip"], fields["port"])
		if err != nil {
			continue
		}
		if slices.ContainsFunc(m.sentinels, func(e conn.Endpoint) bool { return e.Addr() == ep.Addr() }) {
			continue
		}
		m.sentinels = append(m.sentinels, ep)
		m.logger.Info("Discovered sentinel", "sentinel", ep.Addr(), "master", m.cfg.MasterName)
	}
	return nil
}

// push hands a changed topology to the target
func (m *Monitor) push(t resolver.Topology) error {
	m.mu.Lock()
	if m.pushed && t.Equal(m.last) {
		m.mu.Unlock()
		m.logger.Debug("Topology unchanged", "topology", t.String())
		return nil
	}

	target := m.target
	if target == nil {
		created, err := m.factory(slices.Clone(t.Masters), slices.Clone(t.Replicas))
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("creating failover target: %w", err)
		}
		m.target = created
		m.last = t
		m.pushed = true
		m.mu.Unlock()
		m.logger.Info("Failover target created", "master", m.cfg.MasterName, "topology", t.String())
		m.markReady()
		return nil
	}

	previous := m.last
	first := !m.pushed
	m.last = t
	m.pushed = true
	m.mu.Unlock()

	target.FailoverTo(slices.Clone(t.Masters), slices.Clone(t.Replicas))
	if first {
		m.logger.Info("Topology resolved", "master", m.cfg.MasterName, "topology", t.String())
	} else {
		m.logger.Info("Topology changed", "master", m.cfg.MasterName, "from", previous.String(), "to", t.String())
	}
	m.markReady()
	return nil
}

func (m *Monitor) markReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Monitor) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old == s {
		return
	}
	m.logger.Debug("Sentinel monitor state", "from", old.String(), "to", s.String())
	for _, fn := range m.onStateChange {
		fn(old, s)
	}
}

func (m *Monitor) report(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	m.logger.Error("Sentinel monitor error", "master", m.cfg.MasterName, "error", err)
	if m.metrics != nil {
		m.metrics.RecordError(errorType(err))
	}
	for _, fn := range m.onError {
		fn(err)
	}
}

func errorType(err error) string {
	var remote *conn.RemoteError
	switch {
	case errors.Is(err, ErrSentinelUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnknownMaster):
		return "unknown_master"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat"
	case errors.Is(err, conn.ErrTimeout):
		return "timeout"
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	default:
		return "connection"
	}
}

// switchedGroup extracts the group from
// "<name> <old-ip> <old-port> <new-ip> <new-port>"
func switchedGroup(payload string) (string, bool) {
	parts := strings.Fields(payload)
	if len(parts) != 5 {
		return "", false
	}
	return parts[0], true
}
