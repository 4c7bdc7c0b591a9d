package pool

import (
	"sync/atomic"

	"github.com/raniellyferreira/redis-failover/conn"
)

// PooledConn is a connection checked out of a Manager. It must be released
// exactly once; further calls to Release are ignored.
type PooledConn struct {
	*conn.Conn

	manager    *Manager
	pool       *rolePool
	generation uint64
	released   atomic.Bool
}

// Release returns the connection to the pool. Faulted connections and
// connections to endpoints that left the topology are closed instead.
func (pc *PooledConn) Release() {
	if pc.released.Swap(true) {
		return
	}
	pc.manager.release(pc)
}

// ReadOnly reports whether the connection came from GetReadOnlyClient
func (pc *PooledConn) ReadOnly() bool {
	return pc.pool.role == roleRead
}

// RoleStats describes one role pool
type RoleStats struct {
	Capacity int
	Open     int
	Active   int
	Idle     int
}

// Stats is a snapshot of pool counters
type Stats struct {
	Hits         int64 // acquisitions served by an idle connection
	Misses       int64 // acquisitions that dialed
	Timeouts     int64 // acquisitions that gave up at capacity
	TotalCreated int64
	Destroyed    int64
	Failovers    int64

	Active int
	Idle   int

	Writes RoleStats
	Reads  RoleStats

	Generation uint64
}

// Stats returns a snapshot of the pool counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Writes = m.writes.stats()
	s.Reads = m.reads.stats()
	s.Active = s.Writes.Active + s.Reads.Active
	s.Idle = s.Writes.Idle + s.Reads.Idle
	s.Generation = m.generation
	return s
}

func (rp *rolePool) stats() RoleStats {
	return RoleStats{
		Capacity: rp.capacity,
		Open:     rp.open,
		Active:   rp.active,
		Idle:     rp.idleCount(),
	}
}
