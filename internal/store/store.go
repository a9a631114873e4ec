// Package store is the shared, process-external state every abuse-guard
// component reads and writes. Counters, cooldowns, alerts, block entries and
// audit records all live behind Client so detection stays consistent across
// horizontally scaled instances.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: client closed")
)

// Client is the shared store interface.
//
// Sorted-set scores are unix milliseconds throughout the module. Callers
// always pass their own clock reading so every instance scores on the same
// basis; TTLs are relative durations and never depend on wall time.
type Client interface {
	// WindowAdd trims members scored below now-window from the sorted set at
	// key, adds member at now, refreshes the key's expiry to window and
	// returns the resulting cardinality, as one indivisible operation.
	WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)

	// Set stores value with ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete returns the number of keys removed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// CompareAndSwap replaces the value at key with value if it currently
	// equals expected, preserving the remaining TTL. Returns ErrNotFound if
	// key is absent.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRevRange returns members from highest to lowest score, inclusive bounds.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRemRangeByScore removes members scored strictly below max.
	ZRemRangeByScore(ctx context.Context, key string, max float64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Millis converts t to the score basis used by sorted sets.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
