// Package pool hands out pooled connections according to a resolver.
//
// Writes always go to the resolver's master; reads rotate over the replicas
// and fall back to the master when there are none. Each role has its own
// bounded pool. At capacity an acquisition waits up to Config.PoolTimeout
// and then fails with ErrPoolExhausted.
//
//	m, err := pool.NewManager(resolver.NewBasicResolver(masters, replicas), pool.Config{})
//	pc, err := m.GetClient(ctx)
//	defer pc.Release()
//	pc.Do(ctx, "SET", "k", "v")
//
// FailoverTo swaps the topology. Idle connections to endpoints that no
// longer serve their role are closed right away, and checked out ones are
// closed when released, so no acquisition after the switch reaches a
// demoted node.
package pool
