// Package lua runs EVAL scripts for the sandbox server.
//
// Scripts see KEYS and ARGV and may call redis.call and redis.pcall for a
// small set of string commands (GET, SET, INCR, INCRBY, DEL, EXISTS) against
// the database the calling session has selected. The os and io libraries
// are not loaded.
package lua
