package resolver

import (
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/raniellyferreira/redis-failover/conn"
)

// ErrNoMasterAvailable is returned when the topology holds no master
var ErrNoMasterAvailable = errors.New("no master available")

// Resolver maps the write and read roles to concrete endpoints.
//
// Implementations must be safe for concurrent use. ResetMasters and
// ResetSlaves replace a whole list; readers never observe a partially
// updated one.
type Resolver interface {
	// CreateMasterClient returns Masters[desiredIndex % len(Masters)]
	CreateMasterClient(desiredIndex int) (conn.Endpoint, error)

	// CreateSlaveClient returns Replicas[desiredIndex % len(Replicas)], or a
	// master when there are no replicas
	CreateSlaveClient(desiredIndex int) (conn.Endpoint, error)

	ResetMasters(endpoints []conn.Endpoint)
	ResetSlaves(endpoints []conn.Endpoint)

	Masters() []conn.Endpoint
	Replicas() []conn.Endpoint

	// NextReadIndex advances the read cursor and returns its previous value
	NextReadIndex() int
}

// Topology is an immutable view of the masters and replicas
type Topology struct {
	Masters  []conn.Endpoint
	Replicas []conn.Endpoint
}

// Contains reports whether ep is one of the masters or replicas
func (t Topology) Contains(ep conn.Endpoint) bool {
	match := func(e conn.Endpoint) bool { return e.Equal(ep) }
	return slices.ContainsFunc(t.Masters, match) || slices.ContainsFunc(t.Replicas, match)
}

// Equal compares both lists in order
func (t Topology) Equal(o Topology) bool {
	eq := func(a, b conn.Endpoint) bool { return a.Equal(b) }
	return slices.EqualFunc(t.Masters, o.Masters, eq) && slices.EqualFunc(t.Replicas, o.Replicas, eq)
}

// String renders "m1,m2 | r1,r2"
func (t Topology) String() string {
	return join(t.Masters) + " | " + join(t.Replicas)
}

func join(eps []conn.Endpoint) string {
	parts := make([]string, len(eps))
	for i, ep := range eps {
		parts[i] = ep.String()
	}
	return strings.Join(parts, ",")
}

// BasicResolver serves endpoints from a topology snapshot swapped
// atomically on every reset. Reads take no lock.
type BasicResolver struct {
	// mu orders writers; readers load the pointer directly
	mu       sync.Mutex
	topology atomic.Pointer[Topology]

	// cursor is never reset, so distribution stays even across topology churn
	cursor atomic.Uint64
}

// NewBasicResolver creates a resolver over the given masters and replicas
func NewBasicResolver(masters, replicas []conn.Endpoint) *BasicResolver {
	r := &BasicResolver{}
	r.topology.Store(&Topology{
		Masters:  slices.Clone(masters),
		Replicas: slices.Clone(replicas),
	})
	return r
}

// CreateMasterClient returns the master at desiredIndex modulo the number of
// masters
func (r *BasicResolver) CreateMasterClient(desiredIndex int) (conn.Endpoint, error) {
	masters := r.topology.Load().Masters
	if len(masters) == 0 {
		return conn.Endpoint{}, ErrNoMasterAvailable
	}
	return masters[wrap(desiredIndex, len(masters))], nil
}

// CreateSlaveClient returns the replica at desiredIndex modulo the number of
// replicas. Without replicas reads go to a master.
func (r *BasicResolver) CreateSlaveClient(desiredIndex int) (conn.Endpoint, error) {
	t := r.topology.Load()
	if len(t.Replicas) > 0 {
		return t.Replicas[wrap(desiredIndex, len(t.Replicas))], nil
	}
	if len(t.Masters) == 0 {
		return conn.Endpoint{}, ErrNoMasterAvailable
	}
	return t.Masters[wrap(desiredIndex, len(t.Masters))], nil
}

// ResetMasters replaces the master list
func (r *BasicResolver) ResetMasters(endpoints []conn.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.topology.Load()
	r.topology.Store(&Topology{Masters: slices.Clone(endpoints), Replicas: old.Replicas})
}

// ResetSlaves replaces the replica list
func (r *BasicResolver) ResetSlaves(endpoints []conn.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.topology.Load()
	r.topology.Store(&Topology{Masters: old.Masters, Replicas: slices.Clone(endpoints)})
}

// Masters returns a copy of the master list
func (r *BasicResolver) Masters() []conn.Endpoint {
	return slices.Clone(r.topology.Load().Masters)
}

// Replicas returns a copy of the replica list
func (r *BasicResolver) Replicas() []conn.Endpoint {
	return slices.Clone(r.topology.Load().Replicas)
}

// Snapshot returns the current topology. The slices must not be modified.
func (r *BasicResolver) Snapshot() Topology {
	return *r.topology.Load()
}

// NextReadIndex advances the read cursor
func (r *BasicResolver) NextReadIndex() int {
	return int((r.cursor.Add(1) - 1) & math.MaxInt)
}

// Current builds a topology from any resolver
func Current(r Resolver) Topology {
	if br, ok := r.(*BasicResolver); ok {
		return br.Snapshot()
	}
	return Topology{Masters: r.Masters(), Replicas: r.Replicas()}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
