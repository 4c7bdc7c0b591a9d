// Package redisfailover is a client for Redis style servers that stays on
// the current master across failovers.
//
// A Client owns a resolver (which endpoints are masters and replicas), a
// pool of connections per role and, when sentinels are configured, a
// monitor that rewrites the resolver whenever a sentinel announces
// +switch-master.
//
// Static topology:
//
//	client, err := redisfailover.New(
//		redisfailover.WithMasters("10.0.0.1:6379"),
//		redisfailover.WithReplicas("10.0.0.2:6379", "10.0.0.3:6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
// Sentinel managed:
//
//	client, err := redisfailover.New(
//		redisfailover.WithSentinels("10.0.0.5:26379", "10.0.0.6:26379"),
//		redisfailover.WithMasterName("mymaster"),
//		redisfailover.WithPassword("secret"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Wait for the first topology
//	if err := client.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	client.Set(ctx, "greeting", "hello")
//	v, err := client.Get(ctx, "greeting")
//
// Writes always go to the master and are never sent to another node when
// it is unreachable. Reads rotate over the replicas and fall back to the
// master when there are none, so a read right after a write may not observe
// it.
//
// The building blocks live in subpackages: protocol (wire codec), conn
// (endpoints and connections), resolver, pool and sentinel. server is an
// embeddable master/replica/sentinel sandbox used by the tests and by
// `sentinel-watch sandbox`.
package redisfailover
