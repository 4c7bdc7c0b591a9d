// Package sentinel keeps a client pool pointed at the current master of a
// sentinel-managed group.
//
// A Monitor asks the sentinels for the master and the healthy replicas,
// pushes that topology to its FailoverTarget, then subscribes to
// +switch-master. Every notification for the group triggers a fresh query;
// the payload itself is never trusted. Unreachable sentinels are skipped in
// order and the worker backs off exponentially between rounds.
//
//	mgr, _ := pool.NewManager(resolver.NewBasicResolver(nil, nil), pool.Config{})
//	mon, _ := sentinel.NewMonitor(sentinel.Config{
//		Sentinels:  []conn.Endpoint{conn.MustParseEndpoint("10.0.0.1:26379")},
//		MasterName: "mymaster",
//	}, mgr)
//	if err := mon.Start(ctx); err != nil {
//		return err
//	}
//	defer mon.Stop()
package sentinel
