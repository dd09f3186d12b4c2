// Package storage holds the cross-request state backends used by the gateway:
// fixed-window counters for rate limiting and a TTL key-value store for cached
// responses. Each has an in-process implementation and a Redis implementation
// for deployments where several gateway instances must share limits and cache.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("storage: store closed")

// WindowResult is the outcome of one increment-and-compare on a fixed-window counter.
type WindowResult struct {
	// Allowed is false when the increment would have exceeded the limit; the counter is left untouched.
	Allowed bool
	// Count is the counter value after the operation.
	Count int64
	// ResetIn is the time remaining until the window resets.
	ResetIn time.Duration
}

// CounterStore is a keyed set of fixed-window counters.
// Increment must be atomic per key: concurrent callers never lose updates.
type CounterStore interface {
	Increment(ctx context.Context, key string, cost, limit int64, window time.Duration) (WindowResult, error)
	// Sweep evicts counters whose window has expired and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// ResponseStore is a TTL key-value store for serialized responses.
type ResponseStore interface {
	// Get returns the stored value, or ok=false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Sweep evicts expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Clock returns the current time. Stores accept one so tests can move time forward.
type Clock func() time.Time
