package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/resolver"
	"github.com/raniellyferreira/redis-failover/server"
	"github.com/raniellyferreira/redis-failover/storage"
)

type node struct {
	srv *server.Server
	ep  conn.Endpoint
}

func startNode(t *testing.T, opts ...server.Option) node {
	t.Helper()
	s := server.New("127.0.0.1:0", opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return node{srv: s, ep: conn.MustParseEndpoint(s.Addr())}
}

// cluster starts a master and n replicas sharing one keyspace
func cluster(t *testing.T, replicas int) (node, []node) {
	t.Helper()
	st := storage.NewMemory()
	master := startNode(t, server.WithStorage(st))
	var reps []node
	for i := 0; i < replicas; i++ {
		r := startNode(t, server.WithStorage(st), server.WithRole(server.RoleReplica))
		r.srv.SetRole(server.RoleReplica, master.srv.Addr())
		reps = append(reps, r)
	}
	return master, reps
}

func endpoints(nodes ...node) []conn.Endpoint {
	out := make([]conn.Endpoint, len(nodes))
	for i, n := range nodes {
		out[i] = n.ep
	}
	return out
}

func deadEndpoint(t *testing.T) conn.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	ep := conn.MustParseEndpoint(addr)
	ep.ConnectTimeout = 200 * time.Millisecond
	return ep
}

// flakyListener closes the first failures connections it accepts and
// relays the rest to target
func flakyListener(t *testing.T, target string, failures int32) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := &atomic.Int32{}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if accepted.Add(1) <= failures {
				c.Close()
				continue
			}
			go relay(c, target)
		}
	}()
	return ln.Addr().String(), accepted
}

func relay(c net.Conn, target string) {
	defer c.Close()
	up, err := net.Dial("tcp", target)
	if err != nil {
		return
	}
	defer up.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(up, c); done <- struct{}{} }()
	go func() { io.Copy(c, up); done <- struct{}{} }()
	<-done
}

func newManager(t *testing.T, r resolver.Resolver, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(r, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// countingResolver records how often the manager asks for endpoints
type countingResolver struct {
	*resolver.BasicResolver
	masterCalls atomic.Int64
	slaveCalls  atomic.Int64
}

func (r *countingResolver) CreateMasterClient(i int) (conn.Endpoint, error) {
	r.masterCalls.Add(1)
	return r.BasicResolver.CreateMasterClient(i)
}

func (r *countingResolver) CreateSlaveClient(i int) (conn.Endpoint, error) {
	r.slaveCalls.Add(1)
	return r.BasicResolver.CreateSlaveClient(i)
}

func TestReadOnlyRoundRobin(t *testing.T) {
	a, reps := cluster(t, 2)
	b, c := reps[0], reps[1]

	r := resolver.NewBasicResolver(nil, nil)
	r.ResetMasters(endpoints(a))
	r.ResetSlaves(endpoints(b, c))
	m := newManager(t, r, Config{})

	ctx := context.Background()
	var got []string
	for i := 0; i < 5; i++ {
		pc, err := m.GetReadOnlyClient(ctx)
		require.NoError(t, err)
		assert.True(t, pc.ReadOnly())
		got = append(got, pc.Endpoint().Addr())
		pc.Release()
	}

	want := []string{b.ep.Addr(), c.ep.Addr(), b.ep.Addr(), c.ep.Addr(), b.ep.Addr()}
	assert.Equal(t, want, got)
}

func TestReadOnlyFallsBackToMaster(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{})

	pc, err := m.GetReadOnlyClient(context.Background())
	require.NoError(t, err)
	defer pc.Release()
	assert.Equal(t, master.ep.Addr(), pc.Endpoint().Addr())
}

func TestReadYourWritesAcrossReplicas(t *testing.T) {
	m1, reps := cluster(t, 2)
	m := newManager(t, resolver.NewBasicResolver(endpoints(m1), endpoints(reps...)), Config{})
	ctx := context.Background()

	w, err := m.GetClient(ctx)
	require.NoError(t, err)
	_, err = w.Do(ctx, "SET", "K", "1")
	require.NoError(t, err)
	w.Release()

	w, err = m.GetClient(ctx)
	require.NoError(t, err)
	n, err := w.Do(ctx, "INCR", "K")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Int)
	w.Release()

	for i := 0; i < 5; i++ {
		rc, err := m.GetReadOnlyClient(ctx)
		require.NoError(t, err)
		v, err := rc.Do(ctx, "GET", "K")
		require.NoError(t, err)
		assert.Equal(t, "2", v.Text(), "read %d from %s", i, rc.Endpoint().Addr())
		rc.Release()
	}
}

func TestFailoverToSwitchesMaster(t *testing.T) {
	st := storage.NewMemory()
	m1 := startNode(t, server.WithStorage(st))
	m2 := startNode(t, server.WithStorage(st))
	m := newManager(t, resolver.NewBasicResolver(endpoints(m1), nil), Config{})
	ctx := context.Background()

	// leave a healthy idle connection to the old master
	pc, err := m.GetClient(ctx)
	require.NoError(t, err)
	require.NoError(t, pc.Ping(ctx))
	pc.Release()
	require.Equal(t, 1, m.Stats().Idle)
	oldConns := m1.srv.ConnCount()

	var fired atomic.Int32
	m.OnFailover(func(*Manager) { fired.Add(1) })
	m.FailoverTo(endpoints(m2), nil)

	for i := 0; i < 3; i++ {
		pc, err := m.GetClient(ctx)
		require.NoError(t, err)
		assert.Equal(t, m2.ep.Addr(), pc.Endpoint().Addr())
		pc.Release()
	}

	assert.Equal(t, oldConns, m1.srv.ConnCount(), "no connection to the old master may be created")
	assert.Equal(t, int32(1), fired.Load())

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Failovers)
	assert.Equal(t, 1, stats.Idle, "the idle connection to the old master is evicted")
}

func TestCheckedOutConnToRemovedEndpointIsDestroyed(t *testing.T) {
	st := storage.NewMemory()
	m1 := startNode(t, server.WithStorage(st))
	m2 := startNode(t, server.WithStorage(st))
	m := newManager(t, resolver.NewBasicResolver(endpoints(m1), nil), Config{})

	pc, err := m.GetClient(context.Background())
	require.NoError(t, err)

	m.FailoverTo(endpoints(m2), nil)
	pc.Release()

	assert.Equal(t, conn.StateDisposed, pc.State())
	assert.Equal(t, 0, m.Stats().Idle)
}

func TestPoolExhausted(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{
		MaxPoolSize: 1,
		PoolTimeout: 100 * time.Millisecond,
	})
	ctx := context.Background()

	held, err := m.GetClient(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.GetClient(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().Timeouts)

	// a release during the wait hands the connection over
	time.AfterFunc(30*time.Millisecond, held.Release)
	pc, err := m.GetClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, held.ID(), pc.ID())
	pc.Release()
}

func TestAcquireHonoursCancellation(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{
		MaxPoolSize: 1,
		PoolTimeout: 5 * time.Second,
	})

	held, err := m.GetClient(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = m.GetClient(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), m.Stats().Timeouts)
}

func TestAcquireDeadlineIsExhaustion(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{
		MaxPoolSize: 1,
		PoolTimeout: 2 * time.Second,
	})

	held, err := m.GetClient(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.GetClient(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "the caller's deadline wins over PoolTimeout")
	assert.Equal(t, int64(1), m.Stats().Timeouts)
}

func TestDialRetriesConnectionFailures(t *testing.T) {
	master, _ := cluster(t, 0)
	addr, accepted := flakyListener(t, master.srv.Addr(), 1)

	ep := conn.MustParseEndpoint(addr)
	// the handshake makes the closed socket visible at dial time
	ep.ClientName = "retrying"
	ep.RetryCount = 2

	m := newManager(t, resolver.NewBasicResolver([]conn.Endpoint{ep}, nil), Config{})
	pc, err := m.GetClient(context.Background())
	require.NoError(t, err)
	require.NoError(t, pc.Ping(context.Background()))
	pc.Release()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int64(1), m.Stats().TotalCreated)
}

func TestDialWithoutRetryCountFailsFast(t *testing.T) {
	master, _ := cluster(t, 0)
	addr, accepted := flakyListener(t, master.srv.Addr(), 1)

	ep := conn.MustParseEndpoint(addr)
	ep.ClientName = "once"

	m := newManager(t, resolver.NewBasicResolver([]conn.Endpoint{ep}, nil), Config{})
	_, err := m.GetClient(context.Background())
	assert.True(t, conn.IsConnectionError(err), "got %v", err)
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 0, m.Stats().Active, "the reserved slot is returned")
}

func TestDialDoesNotRetryRejectedAuth(t *testing.T) {
	master := startNode(t, server.WithPassword("secret"))
	addr, accepted := flakyListener(t, master.srv.Addr(), 0)

	ep := conn.MustParseEndpoint(addr)
	ep.Password = "wrong"
	ep.RetryCount = 3

	m := newManager(t, resolver.NewBasicResolver([]conn.Endpoint{ep}, nil), Config{})
	_, err := m.GetClient(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), accepted.Load())
}

func TestProtocolErrorConnNotReused(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{})
	ctx := context.Background()

	pc, err := m.GetClient(ctx)
	require.NoError(t, err)
	firstID := pc.ID()

	master.srv.InjectReply("GET", "?bogus\r\n")
	_, err = pc.Do(ctx, "GET", "k")
	require.ErrorIs(t, err, protocol.ErrProtocol)
	pc.Release()

	stats := m.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Destroyed)

	pc, err = m.GetClient(ctx)
	require.NoError(t, err)
	defer pc.Release()
	assert.NotEqual(t, firstID, pc.ID())
	assert.NoError(t, pc.Ping(ctx))
}

func TestRemoteErrorConnReused(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{})
	ctx := context.Background()

	pc, err := m.GetClient(ctx)
	require.NoError(t, err)
	id := pc.ID()
	_, err = pc.Do(ctx, "NOSUCHCOMMAND")
	var re *conn.RemoteError
	require.True(t, errors.As(err, &re))
	pc.Release()

	pc, err = m.GetClient(ctx)
	require.NoError(t, err)
	defer pc.Release()
	assert.Equal(t, id, pc.ID())
}

func TestPoolingReusesConnections(t *testing.T) {
	master, reps := cluster(t, 2)
	r := &countingResolver{BasicResolver: resolver.NewBasicResolver(endpoints(master), endpoints(reps...))}
	m := newManager(t, r, Config{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		pc, err := m.GetClient(ctx)
		require.NoError(t, err)
		require.NoError(t, pc.Ping(ctx))
		pc.Release()

		rc, err := m.GetReadOnlyClient(ctx)
		require.NoError(t, err)
		rc.Release()
	}

	assert.Equal(t, int64(1), r.masterCalls.Load())
	assert.Equal(t, int64(2), r.slaveCalls.Load())

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.TotalCreated, "one connection per endpoint")
	assert.Equal(t, int64(37), stats.Hits)
	assert.Equal(t, int64(1), master.srv.ConnCount())
}

func TestReadRetriesNextReplica(t *testing.T) {
	master, reps := cluster(t, 1)
	dead := deadEndpoint(t)
	r := resolver.NewBasicResolver(endpoints(master), []conn.Endpoint{dead, reps[0].ep})
	m := newManager(t, r, Config{})

	pc, err := m.GetReadOnlyClient(context.Background())
	require.NoError(t, err)
	defer pc.Release()
	assert.Equal(t, reps[0].ep.Addr(), pc.Endpoint().Addr())
}

func TestMasterIsNeverSubstituted(t *testing.T) {
	_, reps := cluster(t, 1)
	m := newManager(t, resolver.NewBasicResolver([]conn.Endpoint{deadEndpoint(t)}, endpoints(reps...)), Config{})

	_, err := m.GetClient(context.Background())
	assert.True(t, conn.IsConnectionError(err), "got %v", err)
	assert.Equal(t, 0, m.Stats().Writes.Open)
}

func TestNoMasterAvailable(t *testing.T) {
	m := newManager(t, resolver.NewBasicResolver(nil, nil), Config{})

	_, err := m.GetClient(context.Background())
	assert.ErrorIs(t, err, resolver.ErrNoMasterAvailable)
	_, err = m.GetReadOnlyClient(context.Background())
	assert.ErrorIs(t, err, resolver.ErrNoMasterAvailable)
}

func TestSweepClosesIdle(t *testing.T) {
	master, _ := cluster(t, 0)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), nil), Config{
		IdleTimeout:   time.Minute,
		SweepInterval: -1,
	})
	ctx := context.Background()

	pc, err := m.GetClient(ctx)
	require.NoError(t, err)
	pc.Release()

	assert.Equal(t, 0, m.Sweep(time.Now()), "fresh connections survive")
	assert.Equal(t, 1, m.Sweep(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.Stats().Idle)
	assert.Equal(t, conn.StateDisposed, pc.State())
}

func TestClose(t *testing.T) {
	master, _ := cluster(t, 0)
	m, err := NewManager(resolver.NewBasicResolver(endpoints(master), nil), Config{})
	require.NoError(t, err)
	ctx := context.Background()

	idle, err := m.GetClient(ctx)
	require.NoError(t, err)
	held, err := m.GetClient(ctx)
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, conn.StateDisposed, idle.State())
	_, err = m.GetClient(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	held.Release()
	assert.Equal(t, conn.StateDisposed, held.State())
}

func TestOnFailoverPanicIsContained(t *testing.T) {
	master, _ := cluster(t, 0)
	var after atomic.Bool
	m := newManager(t, resolver.NewBasicResolver(nil, nil), Config{},
		WithOnFailover(func(*Manager) { panic("boom") }),
		WithOnFailover(func(*Manager) { after.Store(true) }),
	)

	assert.NotPanics(t, func() { m.FailoverTo(endpoints(master), nil) })
	assert.True(t, after.Load())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	master, reps := cluster(t, 2)
	m := newManager(t, resolver.NewBasicResolver(endpoints(master), endpoints(reps...)), Config{
		MaxPoolSize: 4,
		PoolTimeout: 5 * time.Second,
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				pc, err := m.GetClient(ctx)
				if !assert.NoError(t, err) {
					return
				}
				_, err = pc.Do(ctx, "INCR", "hits")
				assert.NoError(t, err)
				pc.Release()

				rc, err := m.GetReadOnlyClient(ctx)
				if !assert.NoError(t, err) {
					return
				}
				rc.Release()
			}
		}()
	}
	wg.Wait()

	v, _ := master.srv.Storage().Get(0, "hits")
	assert.Equal(t, "400", string(v))

	stats := m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Writes.Open, 4)
	assert.LessOrEqual(t, stats.Reads.Open, 4)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxPoolSize: -1}.Validate())
	assert.Error(t, Config{ReadRetries: -1}.Validate())

	_, err := NewManager(nil, Config{})
	assert.Error(t, err)
}
