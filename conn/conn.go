package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-failover/protocol"
)

// State is the lifecycle state of a connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFaulted
	StateDisposed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

var (
	nextID atomic.Uint64

	// a deadline in the past unblocks any pending read or write
	aLongTimeAgo = time.Unix(1, 0)
)

// Conn owns one socket to one endpoint. Commands are strictly
// request/response: at most one command is in flight at a time.
//
// Any I/O or framing failure moves the connection to StateFaulted, after
// which every call fails with ErrConnFaulted. Error replies from the server
// are returned as *RemoteError and leave the connection usable.
type Conn struct {
	id        uint64
	endpoint  Endpoint
	framing   Framing
	logger    Logger
	createdAt time.Time

	// mu serializes commands; wmu guards the writer alone so a subscribed
	// connection can be pinged while a reader is blocked
	mu         sync.Mutex
	wmu        sync.Mutex
	nc         net.Conn
	reader     *protocol.Reader
	writer     *protocol.Writer
	subscribed atomic.Bool

	state    atomic.Int32
	lastUsed atomic.Int64
}

// Dial connects to the endpoint and performs the handshake: AUTH when a
// password is set, SELECT when the db index is not zero and CLIENT SETNAME
// when a client name is set. A failure at any step closes the socket and
// returns a *ConnectionError.
func Dial(ctx context.Context, ep Endpoint, opts ...DialOption) (*Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, &ConnectionError{Addr: ep.Addr(), Op: "dial", Err: err}
	}

	cfg := defaultDialConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Conn{
		id:        nextID.Add(1),
		endpoint:  ep,
		framing:   cfg.framing,
		logger:    cfg.logger,
		createdAt: time.Now(),
	}
	c.state.Store(int32(StateConnecting))

	c.logger.Debug("Connecting", "addr", ep.Addr(), "id", c.id)

	dialCtx := ctx
	if t := ep.connectTimeout(); t > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	nc, err := c.dial(dialCtx, cfg)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, &ConnectionError{Addr: ep.Addr(), Op: "dial", Err: classify(err)}
	}

	c.nc = nc
	c.reader = protocol.NewReader(nc)
	c.writer = protocol.NewWriter(nc)

	if err := c.handshake(ctx); err != nil {
		c.logger.Error("Handshake failed", "addr", ep.Addr(), "error", err)
		nc.Close()
		c.state.Store(int32(StateDisconnected))
		return nil, err
	}

	c.state.Store(int32(StateReady))
	c.touch()

	c.logger.Debug("Connected", "addr", ep.Addr(), "db", ep.DB, "id", c.id)
	return c, nil
}

func (c *Conn) dial(ctx context.Context, cfg *dialConfig) (net.Conn, error) {
	addr := c.endpoint.Addr()

	d := cfg.dialer
	if d == nil {
		d = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	if !c.endpoint.TLS {
		return d.DialContext(ctx, "tcp", addr)
	}

	tlsConfig := cfg.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: c.endpoint.Host, MinVersion: tls.VersionTLS12}
	}

	if nd, ok := d.(*net.Dialer); ok {
		td := &tls.Dialer{NetDialer: nd, Config: tlsConfig}
		return td.DialContext(ctx, "tcp", addr)
	}

	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return tc, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	ep := c.endpoint

	if ep.Password != "" {
		args := []string{ep.Password}
		if ep.Username != "" {
			args = []string{ep.Username, ep.Password}
		}
		if err := c.handshakeStep(ctx, "auth", "AUTH", args...); err != nil {
			return err
		}
	}

	if ep.DB != 0 {
		if err := c.handshakeStep(ctx, "select", "SELECT", strconv.Itoa(ep.DB)); err != nil {
			return err
		}
	}

	if ep.ClientName != "" {
		if err := c.handshakeStep(ctx, "setname", "CLIENT", "SETNAME", ep.ClientName); err != nil {
			return err
		}
	}

	return nil
}

func (c *Conn) handshakeStep(ctx context.Context, op, name string, args ...string) error {
	_, err := c.roundTrip(ctx, name, nil, false, args)
	if err == nil {
		return nil
	}

	var ce *ConnectionError
	if errors.As(err, &ce) {
		err = ce.Err
	}
	return &ConnectionError{Addr: c.endpoint.Addr(), Op: op, Err: err}
}

// Do sends one command and waits for its reply. An error reply is returned
// together with a *RemoteError.
func (c *Conn) Do(ctx context.Context, name string, args ...string) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return protocol.Reply{}, err
	}
	return c.roundTrip(ctx, name, nil, false, args)
}

// DoData is Do for commands whose last argument is a binary payload
func (c *Conn) DoData(ctx context.Context, name string, payload []byte, args ...string) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return protocol.Reply{}, err
	}
	return c.roundTrip(ctx, name, payload, true, args)
}

// SendCommand writes a command without reading its reply
func (c *Conn) SendCommand(ctx context.Context, name string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	stop := c.watch(ctx)
	defer stop()
	return c.send(ctx, name, nil, false, args)
}

// SendDataCommand writes a command carrying exactly one binary payload
// without reading its reply
func (c *Conn) SendDataCommand(ctx context.Context, name string, payload []byte, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return err
	}
	stop := c.watch(ctx)
	defer stop()
	return c.send(ctx, name, payload, true, args)
}

// Receive reads the next reply
func (c *Conn) Receive(ctx context.Context) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usable(); err != nil {
		return protocol.Reply{}, err
	}
	stop := c.watch(ctx)
	defer stop()

	reply, err := c.receive(ctx, c.endpoint.receiveTimeout())
	if err == nil || reply.IsError() {
		c.touch()
	}
	return reply, err
}

// Ping round trips a PING
func (c *Conn) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply.Text() != "PONG" {
		return fmt.Errorf("unexpected PING reply: %v", reply)
	}
	return nil
}

func (c *Conn) roundTrip(ctx context.Context, name string, payload []byte, data bool, args []string) (protocol.Reply, error) {
	if c.subscribed.Load() {
		return protocol.Reply{}, fmt.Errorf("connection is in subscribe mode")
	}

	stop := c.watch(ctx)
	defer stop()

	if err := c.send(ctx, name, payload, data, args); err != nil {
		return protocol.Reply{}, err
	}

	reply, err := c.receive(ctx, c.endpoint.receiveTimeout())
	if err == nil || reply.IsError() {
		c.touch()
	}
	return reply, err
}

func (c *Conn) send(ctx context.Context, name string, payload []byte, data bool, args []string) error {
	if c.framing == FramingInline {
		// a rejected argument must not leave a partial line in the buffer
		if err := protocol.ValidateInline(name, args...); err != nil {
			return fmt.Errorf("inline framing: %w", err)
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.nc.SetWriteDeadline(deadline(ctx, c.endpoint.sendTimeout())); err != nil {
		return c.fail(ctx, "write", err)
	}

	var err error
	switch {
	case c.framing == FramingInline && data:
		err = c.writer.WriteInlineData(name, payload, args...)
	case c.framing == FramingInline:
		err = c.writer.WriteInline(name, args...)
	case data:
		err = c.writer.WriteDataCommand(name, payload, args...)
	default:
		err = c.writer.WriteCommand(name, args...)
	}
	if err == nil {
		err = c.writer.Flush()
	}
	if err != nil {
		return c.fail(ctx, "write", err)
	}
	return nil
}

func (c *Conn) receive(ctx context.Context, timeout time.Duration) (protocol.Reply, error) {
	if err := c.nc.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return protocol.Reply{}, c.fail(ctx, "read", err)
	}

	reply, err := c.reader.ReadReply()
	if err != nil {
		return protocol.Reply{}, c.fail(ctx, "read", err)
	}
	if reply.IsError() {
		return reply, reply.Err()
	}
	return reply, nil
}

// watch poisons the socket deadline when ctx is cancelled so a blocked read
// or write returns. The returned func must be called once the operation is
// over. If the poisoning already started by then the deadline can no longer
// be trusted and the connection is faulted.
func (c *Conn) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		c.nc.SetDeadline(aLongTimeAgo)
	})
	return func() {
		if stop() {
			return
		}
		<-done
		c.MarkFaulted()
	}
}

// fail moves the connection to Faulted and types the error
func (c *Conn) fail(ctx context.Context, op string, err error) error {
	prev := State(c.state.Load())
	if prev != StateDisposed {
		c.state.CompareAndSwap(int32(prev), int32(StateFaulted))
	}

	c.logger.Debug("Connection faulted", "addr", c.endpoint.Addr(), "id", c.id, "op", op, "error", err)

	if ctxErr := contextError(ctx); ctxErr != nil {
		return &ConnectionError{Addr: c.endpoint.Addr(), Op: op, Err: ctxErr}
	}

	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		return err
	}

	if prev == StateDisposed {
		err = ErrConnClosed
	}
	return &ConnectionError{Addr: c.endpoint.Addr(), Op: op, Err: classify(err)}
}

func (c *Conn) usable() error {
	switch State(c.state.Load()) {
	case StateReady:
		return nil
	case StateDisposed:
		return &ConnectionError{Addr: c.endpoint.Addr(), Op: "use", Err: ErrConnClosed}
	default:
		return &ConnectionError{Addr: c.endpoint.Addr(), Op: "use", Err: ErrConnFaulted}
	}
}

func (c *Conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// ID is a process unique connection number
func (c *Conn) ID() uint64 {
	return c.id
}

// Endpoint returns the endpoint the connection was dialed from
func (c *Conn) Endpoint() Endpoint {
	return c.endpoint
}

// State returns the lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Healthy reports whether the connection can carry commands
func (c *Conn) Healthy() bool {
	return c.State() == StateReady
}

// MarkFaulted forces the connection out of service, used by owners that
// detect a problem the connection itself cannot see
func (c *Conn) MarkFaulted() {
	c.state.CompareAndSwap(int32(StateReady), int32(StateFaulted))
}

// LastUsed returns the time of the last successful command
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// IdleFor returns how long the connection has been unused at now
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastUsed())
}

// CreatedAt returns when the connection was dialed
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Close disposes the connection. It is safe to call from another goroutine
// while a command is blocked, which then fails with ErrConnClosed.
func (c *Conn) Close() error {
	if State(c.state.Swap(int32(StateDisposed))) == StateDisposed {
		return nil
	}
	c.logger.Debug("Closing connection", "addr", c.endpoint.Addr(), "id", c.id)
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}

// contextError also catches a deadline that passed before the context timer
// fired, since the socket deadline is set to the same instant
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
	}
	return nil
}

func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
