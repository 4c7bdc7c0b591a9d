package redisfailover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/sentinel"
	"github.com/raniellyferreira/redis-failover/server"
	"github.com/raniellyferreira/redis-failover/storage"
)

func startServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	s := server.New("127.0.0.1:0", opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// pair starts a master and a replica sharing one keyspace
func pair(t *testing.T, opts ...server.Option) (*server.Server, *server.Server) {
	t.Helper()
	st := storage.NewMemory()
	master := startServer(t, append(opts, server.WithStorage(st))...)
	replica := startServer(t, append(opts, server.WithStorage(st), server.WithRole(server.RoleReplica))...)
	replica.SetRole(server.RoleReplica, master.Addr())
	return master, replica
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c, err := New(append([]Option{WithLogger(NopLogger{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"no topology", nil},
		{"masters and sentinels", []Option{WithMasters("localhost:6379"), WithSentinels("localhost:26379"), WithMasterName("g")}},
		{"sentinels without name", []Option{WithSentinels("localhost:26379")}},
		{"replicas without masters", []Option{WithReplicas("localhost:6380")}},
		{"bad endpoint", []Option{WithMasters("localhost:notaport")}},
		{"negative pool size", []Option{WithMasters("localhost:6379"), WithPoolSize(-1)}},
		{"empty rewrite", []Option{WithSentinels("localhost:26379"), WithMasterName("g"), WithHostRewrite(map[string]string{"a": ""})}},
		{"nil logger", []Option{WithMasters("localhost:6379"), WithLogger(nil)}},
		{"heartbeat timeout below interval", []Option{WithSentinels("localhost:26379"), WithMasterName("g"), WithSentinelHeartbeat(time.Second, 500*time.Millisecond)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestStaticClientCommands(t *testing.T) {
	master, replica := pair(t)
	c := newClient(t, WithMasters(master.Addr()), WithReplicas(replica.Addr()))
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "greeting", "hello"))

	v, err := c.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.IncrBy(ctx, "counter", 41)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	payload := []byte("line one\r\nline two\x00")
	require.NoError(t, c.SetBytes(ctx, "blob", payload))
	got, err := c.GetBytes(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	n, err = c.Exists(ctx, "greeting", "blob", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = c.Del(ctx, "greeting", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.Get(ctx, "greeting")
	assert.ErrorIs(t, err, ErrNil)

	// every write hit the master, reads the replica
	assert.Zero(t, replica.CommandCount("SET"))
	assert.Equal(t, int64(2), master.CommandCount("SET"))
	assert.Zero(t, master.CommandCount("GET"))
	assert.Equal(t, int64(3), replica.CommandCount("GET"))
}

func TestInlineFraming(t *testing.T) {
	master := startServer(t)
	c := newClient(t, WithMasters(master.Addr()), WithFraming(conn.FramingInline))
	ctx := context.Background()

	require.NoError(t, c.SetBytes(ctx, "k", []byte("with spaces and\r\nnewlines")))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "with spaces and\r\nnewlines", v)
}

func TestRemoteErrorIsTyped(t *testing.T) {
	master := startServer(t)
	c := newClient(t, WithMasters(master.Addr()))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "text"))
	_, err := c.Incr(ctx, "k")
	require.Error(t, err)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Error(), "not an integer")

	// the connection survives an error reply
	assert.Equal(t, int64(1), c.Stats().TotalCreated)
	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, int64(1), c.Stats().TotalCreated)
}

func TestEndpointDefaultsFromOptions(t *testing.T) {
	master := startServer(t, server.WithPassword("secret"))
	c := newClient(t,
		WithMasters(master.Addr()),
		WithPassword("secret"),
		WithDB(3),
		WithClientName("orders"),
		WithConnectTimeout(time.Second),
	)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))
	assert.Equal(t, int64(1), master.CommandCount("AUTH"))
	assert.Equal(t, int64(1), master.CommandCount("SELECT"))
	assert.Equal(t, int64(1), master.CommandCount("CLIENT"))

	ep := c.Resolver().Masters()[0]
	assert.Equal(t, 3, ep.DB)
	assert.Equal(t, "orders", ep.ClientName)
}

func TestEndpointOwnSettingsWin(t *testing.T) {
	master := startServer(t, server.WithPassword("own"))
	c := newClient(t, WithMasters("redis://:own@"+master.Addr()), WithPassword("other"))
	require.NoError(t, c.Ping(context.Background()))
}

func TestSerializedValues(t *testing.T) {
	master := startServer(t)
	ctx := context.Background()

	type order struct {
		ID    int      `json:"id" yaml:"id"`
		Items []string `json:"items" yaml:"items"`
	}
	want := order{ID: 7, Items: []string{"a", "b"}}

	for _, s := range []Serializer{JSONSerializer{}, YAMLSerializer{}} {
		c := newClient(t, WithMasters(master.Addr()), WithSerializer(s))
		require.NoError(t, c.SetValue(ctx, "order", want))

		var got order
		require.NoError(t, c.GetValue(ctx, "order", &got))
		assert.Equal(t, want, got)
	}

	c := newClient(t, WithMasters(master.Addr()))
	require.NoError(t, c.SetValue(ctx, "order", want))
	raw, err := c.GetBytes(ctx, "order")
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	var got order
	assert.ErrorIs(t, c.GetValue(ctx, "missing", &got), ErrNil)
}

func TestPublish(t *testing.T) {
	master := startServer(t)
	c := newClient(t, WithMasters(master.Addr()))
	ctx := context.Background()

	sub, err := conn.Dial(ctx, conn.MustParseEndpoint(master.Addr()))
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, "events"))

	n, err := c.Publish(ctx, "events", []byte("payload with spaces"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload with spaces", msg.Payload)
}

func TestManualFailover(t *testing.T) {
	m1 := startServer(t)
	m2 := startServer(t)

	var mu sync.Mutex
	var fired int
	c := newClient(t, WithMasters(m1.Addr()), WithOnFailover(func(*Client) {
		mu.Lock()
		fired++
		mu.Unlock()
	}))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "1"))
	c.FailoverTo([]conn.Endpoint{conn.MustParseEndpoint(m2.Addr())}, nil)
	require.NoError(t, c.Set(ctx, "k", "2"))

	assert.Equal(t, int64(1), m1.CommandCount("SET"))
	assert.Equal(t, int64(1), m2.CommandCount("SET"))
	addr, err := c.MasterAddr()
	require.NoError(t, err)
	assert.Equal(t, m2.Addr(), addr)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired)
}

func TestSentinelClientFollowsFailover(t *testing.T) {
	st := storage.NewMemory()
	m1 := startServer(t, server.WithStorage(st))
	m2 := startServer(t, server.WithStorage(st), server.WithRole(server.RoleReplica))
	m2.SetRole(server.RoleReplica, m1.Addr())

	s := startServer(t, server.WithRole(server.RoleSentinel))
	s.SetMaster("mymaster", m1.Addr())
	s.SetReplicas("mymaster", server.ReplicaInfo{Addr: m2.Addr()})

	switched := make(chan struct{}, 4)
	c := newClient(t,
		WithSentinels(s.Addr()),
		WithMasterName("mymaster"),
		WithOnFailover(func(*Client) { switched <- struct{}{} }),
	)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNoMasterAvailable, "nothing resolved before Start")

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(startCtx))
	<-switched

	require.NoError(t, c.Set(ctx, "k", "v1"))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int64(1), m1.CommandCount("SET"))
	assert.Equal(t, int64(1), m2.CommandCount("GET"))

	require.Eventually(t, func() bool {
		return c.Monitor().State() == sentinel.StateSubscribed && s.Subscribers("+switch-master") == 1
	}, 3*time.Second, 5*time.Millisecond)

	m2.SetRole(server.RoleMaster, "")
	m1.SetRole(server.RoleReplica, m2.Addr())
	_, err = s.SwitchMaster("mymaster", m2.Addr())
	require.NoError(t, err)

	select {
	case <-switched:
	case <-time.After(3 * time.Second):
		t.Fatal("no failover after switch-master")
	}

	require.NoError(t, c.Set(ctx, "k", "v2"))
	assert.Equal(t, int64(1), m1.CommandCount("SET"))
	assert.Equal(t, int64(1), m2.CommandCount("SET"))
}

func TestStartWithoutSentinels(t *testing.T) {
	master := startServer(t)
	c := newClient(t, WithMasters(master.Addr()))
	assert.NoError(t, c.Start(context.Background()))
	assert.Nil(t, c.Monitor())
}

func TestClosedClient(t *testing.T) {
	master := startServer(t)
	c := newClient(t, WithMasters(master.Addr()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Set(context.Background(), "k", "v"), ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestGoRedisOptions(t *testing.T) {
	m1 := startServer(t)
	m2 := startServer(t)
	c := newClient(t, WithMasters(m1.Addr()))
	ctx := context.Background()

	rdb := redis.NewClient(c.GoRedisOptions(&redis.Options{DialTimeout: time.Second}))
	defer rdb.Close()
	require.NoError(t, rdb.Set(ctx, "k", "v1", 0).Err())
	assert.Equal(t, int64(1), m1.CommandCount("SET"))

	c.FailoverTo([]conn.Endpoint{conn.MustParseEndpoint(m2.Addr())}, nil)

	rdb2 := redis.NewClient(c.GoRedisOptions(nil))
	defer rdb2.Close()
	require.NoError(t, rdb2.Set(ctx, "k", "v2", 0).Err())
	assert.Equal(t, int64(1), m2.CommandCount("SET"))

	val, err := rdb2.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

// recordingMetrics counts every event
type recordingMetrics struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *recordingMetrics) inc(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string]int{}
	}
	r.events[key]++
}

func (r *recordingMetrics) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[key]
}

func (r *recordingMetrics) RecordAcquire(role string, _ time.Duration) { r.inc("acquire:" + role) }
func (r *recordingMetrics) RecordConnection(event string)              { r.inc("conn:" + event) }
func (r *recordingMetrics) RecordFailover()                            { r.inc("failover") }
func (r *recordingMetrics) RecordReconnection()                        { r.inc("reconnect") }
func (r *recordingMetrics) RecordError(errorType string)               { r.inc("error:" + errorType) }

func TestMetricsAndLoggingAreWired(t *testing.T) {
	master, replica := pair(t)

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := NewZerologLoggerWith(zerolog.New(&lockedWriter{w: &buf, mu: &mu}).Level(zerolog.DebugLevel))
	metrics := &recordingMetrics{}

	c, err := New(
		WithMasters(master.Addr()),
		WithReplicas(replica.Addr()),
		WithLogger(logger),
		WithMetrics(metrics),
	)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))
	_, err = c.Get(ctx, "k")
	require.NoError(t, err)
	c.FailoverTo([]conn.Endpoint{conn.MustParseEndpoint(replica.Addr())}, nil)

	assert.Equal(t, 1, metrics.count("acquire:write"))
	assert.Equal(t, 1, metrics.count("acquire:read"))
	assert.Equal(t, 2, metrics.count("conn:created"))
	assert.Equal(t, 1, metrics.count("failover"))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), replica.Addr())
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
