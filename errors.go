package redisfailover

import (
	"errors"

	"github.com/raniellyferreira/redis-failover/conn"
	"github.com/raniellyferreira/redis-failover/pool"
	"github.com/raniellyferreira/redis-failover/protocol"
	"github.com/raniellyferreira/redis-failover/resolver"
	"github.com/raniellyferreira/redis-failover/sentinel"
)

// Error types for specific failure scenarios
var (
	// ErrNil is returned by Get when the key does not exist
	ErrNil = errors.New("redis: nil")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the client has been closed
	ErrClosed = errors.New("client is closed")

	// ErrNoMasterAvailable indicates the topology has no master
	ErrNoMasterAvailable = resolver.ErrNoMasterAvailable

	// ErrPoolExhausted indicates an acquisition waited past the pool timeout
	ErrPoolExhausted = pool.ErrPoolExhausted

	// ErrSentinelUnavailable indicates no sentinel answered
	ErrSentinelUnavailable = sentinel.ErrSentinelUnavailable

	// ErrTimeout indicates a socket deadline expired
	ErrTimeout = conn.ErrTimeout

	// ErrProtocol matches every ProtocolError
	ErrProtocol = protocol.ErrProtocol
)

// ConnectionError represents a dial, handshake or transport failure
type ConnectionError = conn.ConnectionError

// ProtocolError represents a malformed reply stream
type ProtocolError = protocol.ProtocolError

// RemoteError represents an error reply from the server
type RemoteError = protocol.RemoteError
