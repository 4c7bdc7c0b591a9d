// Package resolver decides which endpoint serves writes and which serves
// reads.
//
// BasicResolver keeps the masters and replicas in an immutable snapshot that
// is replaced as a whole by ResetMasters and ResetSlaves. Reads with no
// replicas fall back to a master.
//
// Custom placement policies implement Resolver and are handed to the pool
// unchanged.
package resolver
