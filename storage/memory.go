package storage

import (
	"path"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultDatabases matches the server default of 16 logical databases
const DefaultDatabases = 16

// shard is one lock domain of a database
type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

type database struct {
	shards []shard
}

// MemoryStorage is a sharded in-memory keyspace. Keys are spread over
// shards by xxhash so unrelated keys do not contend on one lock.
type MemoryStorage struct {
	mu        sync.RWMutex
	databases []*database

	shards    int
	shardMask uint64
}

// MemoryOption configures a MemoryStorage
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards per database, rounded up to a
// power of two
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			s.shards = nextPowerOf2(count)
			s.shardMask = uint64(s.shards - 1)
		}
	}
}

// WithDatabases sets the number of logical databases
func WithDatabases(n int) MemoryOption {
	return func(s *MemoryStorage) {
		if n > 0 {
			s.databases = make([]*database, n)
		}
	}
}

// NewMemory creates an empty store with 16 databases of 64 shards each
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		databases: make([]*database, DefaultDatabases),
		shards:    64,
		shardMask: 63,
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := range s.databases {
		s.databases[i] = s.newDatabase()
	}
	return s
}

func (s *MemoryStorage) newDatabase() *database {
	db := &database{shards: make([]shard, s.shards)}
	for i := range db.shards {
		db.shards[i].data = make(map[string][]byte)
	}
	return db
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func (s *MemoryStorage) shardFor(db int, key string) (*shard, error) {
	d, err := s.db(db)
	if err != nil {
		return nil, err
	}
	return &d.shards[xxhash.Sum64String(key)&s.shardMask], nil
}

func (s *MemoryStorage) db(index int) (*database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.databases) {
		return nil, ErrDBIndex
	}
	return s.databases[index], nil
}

// Databases returns the number of logical databases
func (s *MemoryStorage) Databases() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.databases)
}

// Get returns a copy of the value stored at key
func (s *MemoryStorage) Get(db int, key string) ([]byte, bool) {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return nil, false
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := sh.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// Set stores a copy of value
func (s *MemoryStorage) Set(db int, key string, value []byte) error {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	sh.data[key] = append([]byte{}, value...)
	sh.mu.Unlock()
	return nil
}

// SetNX stores value only when key is absent
func (s *MemoryStorage) SetNX(db int, key string, value []byte) (bool, error) {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return false, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.data[key]; exists {
		return false, nil
	}
	sh.data[key] = append([]byte{}, value...)
	return true, nil
}

// GetSet stores value and returns the previous one
func (s *MemoryStorage) GetSet(db int, key string, value []byte) ([]byte, bool, error) {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return nil, false, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, existed := sh.data[key]
	sh.data[key] = append([]byte{}, value...)
	return old, existed, nil
}

// Append appends to the value at key and returns the new length
func (s *MemoryStorage) Append(db int, key string, value []byte) (int64, error) {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return 0, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v := append(sh.data[key], value...)
	sh.data[key] = v
	return int64(len(v)), nil
}

// IncrBy adds delta to the integer stored at key, a missing key counts as 0
func (s *MemoryStorage) IncrBy(db int, key string, delta int64) (int64, error) {
	sh, err := s.shardFor(db, key)
	if err != nil {
		return 0, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var n int64
	if v, ok := sh.data[key]; ok {
		n, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
	}

	if (delta > 0 && n > (1<<63-1)-delta) || (delta < 0 && n < (-1<<63)-delta) {
		return 0, ErrNotInteger
	}

	n += delta
	sh.data[key] = strconv.AppendInt(nil, n, 10)
	return n, nil
}

// Del deletes keys and returns how many existed
func (s *MemoryStorage) Del(db int, keys ...string) int64 {
	var deleted int64
	for _, key := range keys {
		sh, err := s.shardFor(db, key)
		if err != nil {
			return 0
		}
		sh.mu.Lock()
		if _, ok := sh.data[key]; ok {
			delete(sh.data, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// Exists counts the keys that exist, a key named twice counts twice
func (s *MemoryStorage) Exists(db int, keys ...string) int64 {
	var count int64
	for _, key := range keys {
		sh, err := s.shardFor(db, key)
		if err != nil {
			return 0
		}
		sh.mu.RLock()
		if _, ok := sh.data[key]; ok {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// Keys returns the keys matching a glob pattern (* ? [a-z])
func (s *MemoryStorage) Keys(db int, pattern string) []string {
	d, err := s.db(db)
	if err != nil {
		return nil
	}

	keys := make([]string, 0)
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.RLock()
		for key := range sh.data {
			if matchPattern(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// KeyCount returns the number of keys in a database
func (s *MemoryStorage) KeyCount(db int) int64 {
	d, err := s.db(db)
	if err != nil {
		return 0
	}

	var count int64
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// FlushDB empties one database
func (s *MemoryStorage) FlushDB(db int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db < 0 || db >= len(s.databases) {
		return ErrDBIndex
	}
	s.databases[db] = s.newDatabase()
	return nil
}

// FlushAll empties every database
func (s *MemoryStorage) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.databases {
		s.databases[i] = s.newDatabase()
	}
}

func matchPattern(key, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
