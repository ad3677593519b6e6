// Package store provides the shared keyed state used by every pairchat
// process: strings with expiry, sets, counters, and a few compound
// primitives that must be atomic across processes.
//
// Two implementations are provided. Redis is the system of record when
// several server processes cooperate; Memory is a per-process store used in
// single-instance mode and as the failover target when Redis is unreachable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// ErrWrongType is returned when a key holds a value of a different kind
// than the operation expects (e.g. Get on a set).
var ErrWrongType = errors.New("store: wrong value type for key")

// KV is a single key/value pair for multi-key writes.
type KV struct {
	Key   string
	Value string
}

// Store is the shared state contract. All operations on a single key are
// atomic; the compound operations (ClaimAll, SetAllNX, DelIfEquals) are
// atomic across the keys they name.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer at key and returns the new value. A missing
	// key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// ClaimAll deletes every key in keys and removes members from set, but
	// only if all keys currently exist. It reports whether the claim happened.
	ClaimAll(ctx context.Context, keys []string, set string, members []string) (bool, error)

	// SetAllNX writes every pair with the given ttl only if none of the keys
	// exist. On conflict nothing is written and the first existing key is
	// returned.
	SetAllNX(ctx context.Context, pairs []KV, ttl time.Duration) (conflict string, err error)

	// DelIfEquals deletes key only if it currently holds value.
	DelIfEquals(ctx context.Context, key, value string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
