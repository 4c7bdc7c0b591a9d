// Package server is a small Redis and Sentinel compatible server used as a
// sandbox for the client packages.
//
// A Server plays one of three roles:
//   - master: reads and writes against an in-memory keyspace
//   - replica: reads only, writes fail with READONLY
//   - sentinel: answers SENTINEL queries and publishes +switch-master
//
// It accepts multi-bulk requests as well as the inline and inline-data
// framings, so it can be driven by github.com/redis/go-redis as well as by
// the conn package. Several servers can share one storage.Storage, which is
// how tests model replicas that are already in sync with their master.
//
//	st := storage.NewMemory()
//	master := server.New("127.0.0.1:0", server.WithStorage(st))
//	replica := server.New("127.0.0.1:0", server.WithStorage(st), server.WithRole(server.RoleReplica))
//	sentinel := server.New("127.0.0.1:0", server.WithRole(server.RoleSentinel))
//
// Failovers are simulated with SwitchMaster on the sentinel node.
package server
