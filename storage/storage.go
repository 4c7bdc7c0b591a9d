package storage

import "errors"

var (
	// ErrNotInteger is returned by IncrBy when the stored value is not a
	// base 10 integer
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrDBIndex is returned for a database index outside [0, Databases())
	ErrDBIndex = errors.New("DB index is out of range")
)

// Storage is the keyspace behind the sandbox server. Every operation names
// the database it applies to; selection state belongs to the client
// session, not to the store.
type Storage interface {
	Get(db int, key string) ([]byte, bool)
	Set(db int, key string, value []byte) error
	SetNX(db int, key string, value []byte) (bool, error)
	GetSet(db int, key string, value []byte) ([]byte, bool, error)
	Append(db int, key string, value []byte) (int64, error)
	IncrBy(db int, key string, delta int64) (int64, error)
	Del(db int, keys ...string) int64
	Exists(db int, keys ...string) int64
	Keys(db int, pattern string) []string
	KeyCount(db int) int64
	FlushDB(db int) error
	FlushAll()
	Databases() int
}
