package conn_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/server"
)

func startServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	s := server.New("127.0.0.1:0", opts...)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func endpointFor(t *testing.T, addr string) conn.Endpoint {
	t.Helper()
	ep, err := conn.ParseEndpoint(addr)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

// silentListener accepts connections and never answers
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { _ = c.Close() })
		}
	}()
	return ln.Addr().String()
}

func TestDialAndCommands(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if c.State() != conn.StateReady {
		t.Fatalf("State() = %v, want ready", c.State())
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Do(ctx, "SET", "k", "v"); err != nil {
		t.Fatal(err)
	}
	r, err := c.Do(ctx, "GET", "k")
	if err != nil || r.Text() != "v" {
		t.Errorf("GET = %v, %v", r, err)
	}

	r, err = c.Do(ctx, "GET", "missing")
	if err != nil || r.Kind != protocol.KindBulk || !r.Null {
		t.Errorf("GET missing = %v, %v, want null bulk", r, err)
	}
}

func TestHandshake(t *testing.T) {
	s := startServer(t, server.WithPassword("pw"))
	ctx := context.Background()

	ep := endpointFor(t, "pw@"+s.Addr()+"?db=2&client=worker-1")
	c, err := conn.Dial(ctx, ep)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r, err := c.Do(ctx, "CLIENT", "GETNAME")
	if err != nil || r.Text() != "worker-1" {
		t.Errorf("CLIENT GETNAME = %v, %v", r, err)
	}

	if _, err := c.Do(ctx, "SET", "k", "in-db-2"); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Storage().Get(2, "k"); !ok || string(v) != "in-db-2" {
		t.Errorf("db 2 = %q, %v", v, ok)
	}
	if s.CommandCount("AUTH") != 1 || s.CommandCount("SELECT") != 1 {
		t.Errorf("AUTH=%d SELECT=%d, want 1 each", s.CommandCount("AUTH"), s.CommandCount("SELECT"))
	}
}

func TestHandshakeSkipsSelectForDBZero(t *testing.T) {
	s := startServer(t)

	c, err := conn.Dial(context.Background(), endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if n := s.CommandCount("SELECT"); n != 0 {
		t.Errorf("SELECT sent %d times for db 0", n)
	}
}

func TestHandshakeFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		ep     func(addr string) string
		wantOp string
		code   string
	}{
		{"wrong password", func(a string) string { return "nope@" + a }, "auth", "WRONGPASS"},
		{"db out of range", func(a string) string { return "pw@" + a + "?db=99" }, "select", ""},
	}

	s := startServer(t, server.WithPassword("pw"))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := conn.Dial(context.Background(), endpointFor(t, tt.ep(s.Addr())))
			if err == nil {
				c.Close()
				t.Fatal("Dial() should fail")
			}

			var ce *conn.ConnectionError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a *ConnectionError: %v", err, err)
			}
			if ce.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", ce.Op, tt.wantOp)
			}

			var re *conn.RemoteError
			if !errors.As(err, &re) {
				t.Fatalf("error should wrap the server reply: %v", err)
			}
			if tt.code != "" && re.Code() != tt.code {
				t.Errorf("Code() = %q, want %q", re.Code(), tt.code)
			}
		})
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = conn.Dial(context.Background(), endpointFor(t, addr))
	var ce *conn.ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("Dial() error = %v, want dial ConnectionError", err)
	}
}

func TestRemoteErrorKeepsConnection(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Do(ctx, "SET", "s", "text")
	_, err = c.Do(ctx, "INCR", "s")

	var re *conn.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("INCR on text error = %v, want *RemoteError", err)
	}
	if re.Message != "value is not an integer or out of range" {
		t.Errorf("Message = %q, the ERR prefix should be stripped", re.Message)
	}
	if !c.Healthy() {
		t.Error("an error reply must not fault the connection")
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("PING after error reply: %v", err)
	}
}

func TestProtocolErrorFaultsConnection(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	s.InjectReply("GET", "!garbage\r\n")
	_, err = c.Do(ctx, "GET", "k")
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("Do() error = %v, want ErrProtocol", err)
	}
	if c.State() != conn.StateFaulted {
		t.Errorf("State() = %v, want faulted", c.State())
	}

	_, err = c.Do(ctx, "PING")
	if !errors.Is(err, conn.ErrConnFaulted) {
		t.Errorf("Do() on faulted conn = %v, want ErrConnFaulted", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	ep := endpointFor(t, silentListener(t))
	ep.ReceiveTimeout = 100 * time.Millisecond

	c, err := conn.Dial(context.Background(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Do(context.Background(), "PING")
	if !errors.Is(err, conn.ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	var ce *conn.ConnectionError
	if !errors.As(err, &ce) || !ce.Timeout() {
		t.Errorf("error should be a timed out ConnectionError: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if c.Healthy() {
		t.Error("a timed out connection must be faulted")
	}
}

func TestContextCancellation(t *testing.T) {
	ep := endpointFor(t, silentListener(t))
	ep.ReceiveTimeout = -1

	c, err := conn.Dial(context.Background(), ep)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = c.Do(ctx, "PING")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if c.State() != conn.StateFaulted {
		t.Errorf("State() = %v, want faulted", c.State())
	}
}

func TestInlineFraming(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()), conn.WithFraming(conn.FramingInline))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	payload := []byte("binary\r\n\x00payload")
	if _, err := c.DoData(ctx, "SET", payload, "blob"); err != nil {
		t.Fatal(err)
	}
	r, err := c.Do(ctx, "GET", "blob")
	if err != nil || string(r.Bulk) != string(payload) {
		t.Errorf("GET blob = %q, %v", r.Bulk, err)
	}

	// arguments that cannot travel inline are rejected before anything is written
	if _, err := c.Do(ctx, "GET", "has space"); err == nil {
		t.Error("Do() should reject an inline argument with a space")
	}
	if !c.Healthy() {
		t.Error("a rejected argument must not fault the connection")
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("PING after rejected argument: %v", err)
	}
}

func TestSendAndReceive(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.SendDataCommand(ctx, "SET", []byte("1"), "n"); err != nil {
		t.Fatal(err)
	}
	if r, err := c.Receive(ctx); err != nil || r.Text() != "OK" {
		t.Fatalf("Receive() = %v, %v", r, err)
	}
	if err := c.SendCommand(ctx, "INCR", "n"); err != nil {
		t.Fatal(err)
	}
	if r, err := c.Receive(ctx); err != nil || r.Int != 2 {
		t.Errorf("Receive() = %v, %v, want 2", r, err)
	}
}

func TestLastUsedAndClose(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}

	before := c.LastUsed()
	time.Sleep(5 * time.Millisecond)
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.LastUsed().After(before) {
		t.Error("LastUsed() should advance after a command")
	}
	if idle := c.IdleFor(c.LastUsed().Add(time.Minute)); idle != time.Minute {
		t.Errorf("IdleFor() = %v", idle)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if c.State() != conn.StateDisposed {
		t.Errorf("State() = %v, want disposed", c.State())
	}
	if _, err := c.Do(ctx, "PING"); !errors.Is(err, conn.ErrConnClosed) {
		t.Errorf("Do() after Close = %v, want ErrConnClosed", err)
	}
}

func TestSubscribe(t *testing.T) {
	s := startServer(t, server.WithRole(server.RoleSentinel))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Subscribe(ctx, "+switch-master", "other"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Do(ctx, "PING"); err == nil {
		t.Error("Do() should fail in subscribe mode")
	}

	for i := 0; i < 3; i++ {
		if n := s.Publish("+switch-master", "g "+strconv.Itoa(i)); n != 1 {
			t.Fatalf("Publish() reached %d subscribers", n)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := c.ReceiveMessage(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Channel != "+switch-master" || msg.Payload != "g "+strconv.Itoa(i) {
			t.Errorf("message %d = %+v", i, msg)
		}
	}
}

func TestReceiveMessageHonoursContext(t *testing.T) {
	s := startServer(t, server.WithRole(server.RoleSentinel))

	c, err := conn.Dial(context.Background(), endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Subscribe(context.Background(), "ch"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.ReceiveMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReceiveMessage() = %v, want DeadlineExceeded", err)
	}
}

func TestPingSubscribedWhileReceiving(t *testing.T) {
	s := startServer(t, server.WithRole(server.RoleSentinel))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := conn.Dial(ctx, endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.PingSubscribed(ctx); err == nil {
		t.Error("PingSubscribed() should fail before Subscribe")
	}
	if err := c.Subscribe(ctx, "ch"); err != nil {
		t.Fatal(err)
	}
	subscribedAt := c.LastUsed()

	received := make(chan error, 1)
	go func() {
		msg, err := c.ReceiveMessage(ctx)
		if err == nil && msg.Payload != "after pong" {
			err = errors.New("unexpected payload " + msg.Payload)
		}
		received <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.PingSubscribed(ctx); err != nil {
		t.Fatalf("PingSubscribed() = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !c.LastUsed().After(subscribedAt) {
		if time.Now().After(deadline) {
			t.Fatal("pong did not refresh LastUsed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Publish("ch", "after pong")
	if err := <-received; err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Error("connection should stay healthy")
	}
}

// cancelOnRead cancels a context right after the first read that returns
// data, once armed
type cancelOnRead struct {
	net.Conn
	armed  *atomic.Bool
	cancel context.CancelFunc
}

func (c cancelOnRead) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.armed.CompareAndSwap(true, false) {
		c.cancel()
	}
	return n, err
}

type cancelOnReadDialer struct {
	armed  *atomic.Bool
	cancel context.CancelFunc
}

func (d cancelOnReadDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	nc, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return cancelOnRead{Conn: nc, armed: d.armed, cancel: d.cancel}, nil
}

func TestCancelAfterReplyRetiresConnection(t *testing.T) {
	s := startServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	armed := &atomic.Bool{}

	c, err := conn.Dial(context.Background(), endpointFor(t, s.Addr()),
		conn.WithDialer(cancelOnReadDialer{armed: armed, cancel: cancel}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// the reply is complete before the cancellation lands
	armed.Store(true)
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() = %v", err)
	}

	// the socket deadline may have been poisoned, so the conn must not be reused
	if c.State() != conn.StateFaulted {
		t.Fatalf("State() = %v, want Faulted", c.State())
	}
	if c.Healthy() {
		t.Error("Healthy() = true after a late cancellation")
	}
	if _, err := c.Do(context.Background(), "PING"); !errors.Is(err, conn.ErrConnFaulted) {
		t.Errorf("Do() = %v, want ErrConnFaulted", err)
	}
}

func TestCompletedOperationKeepsConnection(t *testing.T) {
	s := startServer(t)

	c, err := conn.Dial(context.Background(), endpointFor(t, s.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	if c.State() != conn.StateReady {
		t.Fatalf("State() = %v, want Ready", c.State())
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after cancelling a finished op = %v", err)
	}
}
