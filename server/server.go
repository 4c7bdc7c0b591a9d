package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-failover/lua"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/storage"
)

// Role selects which command surface a server exposes
type Role int

const (
	// RoleMaster accepts reads and writes
	RoleMaster Role = iota
	// RoleReplica accepts reads and rejects writes with READONLY
	RoleReplica
	// RoleSentinel answers SENTINEL queries and publishes failover events
	RoleSentinel
)

// String returns the role name as reported by ROLE
func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleReplica:
		return "slave"
	case RoleSentinel:
		return "sentinel"
	default:
		return "unknown"
	}
}

// Server is a small Redis and Sentinel compatible server. It speaks both the
// multi-bulk and the inline request framing and is meant for tests and local
// experiments, not for production traffic.
type Server struct {
	storage storage.Storage
	lua     *lua.Engine

	addr        string
	password    string
	idleTimeout time.Duration

	roleMu     sync.RWMutex
	role       Role
	masterAddr string

	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pubsub *hub

	sentinelMu sync.RWMutex
	monitored  map[string]*monitoredMaster

	injectMu sync.Mutex
	injected map[string][]string

	connCount    atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64
	countsMu     sync.Mutex
	counts       map[string]int64
}

// Option configures a Server
type Option func(*Server)

// WithPassword requires AUTH before any other command
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
	}
}

// WithRole sets the initial role
func WithRole(role Role) Option {
	return func(s *Server) {
		s.role = role
	}
}

// WithStorage shares a keyspace between servers, which is how a master and
// its replicas are kept in sync without a replication stream
func WithStorage(st storage.Storage) Option {
	return func(s *Server) {
		s.storage = st
	}
}

// WithIdleTimeout closes non subscribed clients idle for longer than d
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// New creates a server that will listen on addr ("127.0.0.1:0" picks a
// free port)
func New(addr string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      addr,
		ctx:       ctx,
		cancel:    cancel,
		pubsub:    newHub(),
		monitored: make(map[string]*monitoredMaster),
		injected:  make(map[string][]string),
		counts:    make(map[string]int64),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.storage == nil {
		s.storage = storage.NewMemory()
	}
	s.lua = lua.NewEngine(s.storage)
	return s
}

// Start begins accepting connections
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every client and waits for the handlers
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.CloseClients()
	s.wg.Wait()
	return nil
}

// CloseClients drops every connected client but keeps listening
func (s *Server) CloseClients() {
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Storage returns the keyspace
func (s *Server) Storage() storage.Storage {
	return s.storage
}

// Role returns the current role
func (s *Server) Role() Role {
	s.roleMu.RLock()
	defer s.roleMu.RUnlock()
	return s.role
}

// SetRole changes the role. masterAddr is reported by ROLE for replicas.
func (s *Server) SetRole(role Role, masterAddr string) {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	s.role = role
	s.masterAddr = masterAddr
}

// InjectReply makes the next invocation of command answer with raw bytes
// instead of the real reply. Used to exercise malformed frames.
func (s *Server) InjectReply(command, raw string) {
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	name := strings.ToUpper(command)
	s.injected[name] = append(s.injected[name], raw)
}

func (s *Server) takeInjected(name string) (string, bool) {
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	queue := s.injected[name]
	if len(queue) == 0 {
		return "", false
	}
	s.injected[name] = queue[1:]
	return queue[0], true
}

// CommandCount returns how many times a command was received
func (s *Server) CommandCount(name string) int64 {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	return s.counts[strings.ToUpper(name)]
}

// ConnCount returns how many connections were accepted in total
func (s *Server) ConnCount() int64 {
	return s.connCount.Load()
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount.Load(),
		"total_errors":      s.errorCount.Load(),
		"total_connections": s.connCount.Load(),
		"role":              s.Role().String(),
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.connCount.Add(1)

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:          conn,
		reader:        protocol.NewReader(conn),
		writer:        protocol.NewWriter(conn),
		server:        s,
		authenticated: s.password == "",
		channels:      make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Client is one connected session
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	server *Server

	// writeMu guards writer; publishes from other sessions write here too
	writeMu sync.Mutex
	writer  *protocol.Writer

	authenticated bool
	db            int
	name          string
	channels      map[string]struct{}

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.server.clients.Delete(c.conn)
		c.server.pubsub.unsubscribeAll(c)
	})
}

func (c *Client) subscribed() bool {
	return len(c.channels) > 0
}

// handle serves requests until the peer disconnects
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if c.server.idleTimeout > 0 && !c.subscribed() {
			c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		cmd, err := c.reader.ReadRequest()
		if err != nil {
			if err == io.EOF || c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrProtocol) {
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			return
		}

		c.executeCommand(cmd)
	}
}

// executeCommand dispatches one request
func (c *Client) executeCommand(cmd *protocol.Command) {
	s := c.server
	s.commandCount.Add(1)
	s.countsMu.Lock()
	s.counts[cmd.Name]++
	s.countsMu.Unlock()

	if raw, ok := s.takeInjected(cmd.Name); ok {
		c.writeRaw(raw)
		return
	}

	if !c.authenticated && cmd.Name != "AUTH" && cmd.Name != "QUIT" {
		c.writeError("NOAUTH Authentication required.")
		return
	}

	if c.subscribed() {
		switch cmd.Name {
		case "SUBSCRIBE", "UNSUBSCRIBE", "PING", "QUIT":
		default:
			c.writeError(fmt.Sprintf("ERR Can't execute '%s': only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT are allowed in this context", strings.ToLower(cmd.Name)))
			return
		}
	}

	switch cmd.Name {
	case "AUTH":
		c.handleAuth(cmd)
	case "PING":
		c.handlePing(cmd)
	case "ECHO":
		c.handleEcho(cmd)
	case "QUIT":
		c.writeOK()
		c.Close()
	case "CLIENT":
		c.handleClient(cmd)
	case "ROLE":
		c.handleRole(cmd)
	case "PUBLISH":
		c.handlePublish(cmd)
	case "SUBSCRIBE":
		c.handleSubscribe(cmd)
	case "UNSUBSCRIBE":
		c.handleUnsubscribe(cmd)
	case "SENTINEL":
		c.handleSentinel(cmd)
	default:
		if s.Role() == RoleSentinel {
			c.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
			return
		}
		c.executeDataCommand(cmd)
	}
}

func (c *Client) handleAuth(cmd *protocol.Command) {
	var password string
	switch len(cmd.Args) {
	case 1:
		password = cmd.Arg(0)
	case 2:
		password = cmd.Arg(1)
	default:
		c.writeError("ERR wrong number of arguments for 'auth' command")
		return
	}

	if c.server.password == "" {
		c.writeError("ERR AUTH <password> called without any password configured for the default user.")
		return
	}

	if password == c.server.password {
		c.authenticated = true
		c.writeOK()
		return
	}
	c.authenticated = false
	c.writeError("WRONGPASS invalid username-password pair or user is disabled.")
}

func (c *Client) handlePing(cmd *protocol.Command) {
	if c.subscribed() {
		c.writeReply(protocol.MultiBulk(protocol.BulkString("pong"), protocol.BulkString(cmd.Arg(0))))
		return
	}
	switch len(cmd.Args) {
	case 0:
		c.writeStatus("PONG")
	case 1:
		c.writeBulk(cmd.Args[0])
	default:
		c.writeError("ERR wrong number of arguments for 'ping' command")
	}
}

func (c *Client) handleEcho(cmd *protocol.Command) {
	if len(cmd.Args) != 1 {
		c.writeError("ERR wrong number of arguments for 'echo' command")
		return
	}
	c.writeBulk(cmd.Args[0])
}

func (c *Client) handleClient(cmd *protocol.Command) {
	switch strings.ToUpper(cmd.Arg(0)) {
	case "SETNAME":
		if len(cmd.Args) != 2 {
			c.writeError("ERR wrong number of arguments for 'client|setname' command")
			return
		}
		if strings.ContainsAny(cmd.Arg(1), " \n") {
			c.writeError("ERR Client names cannot contain spaces, newlines or special characters.")
			return
		}
		c.name = cmd.Arg(1)
		c.writeOK()
	case "GETNAME":
		if c.name == "" {
			c.writeNull()
			return
		}
		c.writeBulk([]byte(c.name))
	case "SETINFO":
		c.writeOK()
	case "ID":
		c.writeInteger(int64(c.server.connCount.Load()))
	default:
		c.writeError(fmt.Sprintf("ERR unknown subcommand '%s'", cmd.Arg(0)))
	}
}

func (c *Client) handleRole(cmd *protocol.Command) {
	s := c.server
	s.roleMu.RLock()
	role, master := s.role, s.masterAddr
	s.roleMu.RUnlock()

	switch role {
	case RoleReplica:
		host, port := splitAddr(master)
		c.writeReply(protocol.MultiBulk(
			protocol.BulkString("slave"),
			protocol.BulkString(host),
			protocol.Integer(int64(port)),
			protocol.BulkString("connected"),
			protocol.Integer(0),
		))
	case RoleSentinel:
		names := s.masterNames()
		elems := make([]protocol.Reply, len(names))
		for i, n := range names {
			elems[i] = protocol.BulkString(n)
		}
		c.writeReply(protocol.MultiBulk(protocol.BulkString("sentinel"), protocol.MultiBulk(elems...)))
	default:
		c.writeReply(protocol.MultiBulk(protocol.BulkString("master"), protocol.Integer(0), protocol.MultiBulk()))
	}
}

// Response writers

func (c *Client) write(fn func(w *protocol.Writer) error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := fn(c.writer); err == nil {
		c.writer.Flush()
	}
}

func (c *Client) writeReply(r protocol.Reply) {
	c.write(func(w *protocol.Writer) error { return w.WriteReply(r) })
}

func (c *Client) writeOK() {
	c.write(func(w *protocol.Writer) error { return w.WriteOK() })
}

func (c *Client) writeStatus(s string) {
	c.write(func(w *protocol.Writer) error { return w.WriteStatus(s) })
}

func (c *Client) writeError(s string) {
	c.server.errorCount.Add(1)
	// newlines would break the framing
	clean := strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	c.write(func(w *protocol.Writer) error { return w.WriteError(clean) })
}

func (c *Client) writeBulk(data []byte) {
	c.write(func(w *protocol.Writer) error { return w.WriteBulk(data) })
}

func (c *Client) writeNull() {
	c.write(func(w *protocol.Writer) error { return w.WriteNullBulk() })
}

func (c *Client) writeInteger(i int64) {
	c.write(func(w *protocol.Writer) error { return w.WriteInteger(i) })
}

func (c *Client) writeStrings(values []string) {
	c.write(func(w *protocol.Writer) error { return w.WriteStrings(values) })
}

func (c *Client) writeRaw(raw string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writer.Flush()
	c.conn.Write([]byte(raw))
}
