// Package storage provides the in-memory keyspace used by the sandbox
// server in package server.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	err := store.Set(0, "key", []byte("value"))
//	value, exists := store.Get(0, "key")
//
// Several sandbox nodes can share one store, which is how tests emulate a
// master and replicas that are already in sync.
package storage
