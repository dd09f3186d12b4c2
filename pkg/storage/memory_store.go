package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is an in-memory implementation of CounterStore.
// Counters are created lazily on first use and evicted by Sweep once their window has passed.
type MemoryCounterStore struct {
	mu       sync.RWMutex
	counters map[string]*windowCounter
	now      Clock
}

type windowCounter struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
	evicted bool
}

// NewMemoryCounterStore creates a new MemoryCounterStore. A nil clock uses time.Now.
func NewMemoryCounterStore(clock Clock) *MemoryCounterStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryCounterStore{
		counters: make(map[string]*windowCounter),
		now:      clock,
	}
}

// Increment adds cost to the counter for key unless that would exceed limit.
func (s *MemoryCounterStore) Increment(_ context.Context, key string, cost, limit int64, window time.Duration) (WindowResult, error) {
	var counter *windowCounter
	for {
		counter = s.counter(key)
		counter.mu.Lock()
		if !counter.evicted {
			break
		}
		// Swept between lookup and lock; fetch the replacement.
		counter.mu.Unlock()
	}
	defer counter.mu.Unlock()

	now := s.now()
	if !now.Before(counter.resetAt) {
		counter.count = 0
		counter.resetAt = now.Add(window)
	}

	resetIn := counter.resetAt.Sub(now)
	if counter.count+cost > limit {
		return WindowResult{Allowed: false, Count: counter.count, ResetIn: resetIn}, nil
	}

	counter.count += cost
	return WindowResult{Allowed: true, Count: counter.count, ResetIn: resetIn}, nil
}

func (s *MemoryCounterStore) counter(key string) *windowCounter {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c
	}
	c = &windowCounter{}
	s.counters[key] = c
	return c
}

// Sweep removes counters whose window has expired.
func (s *MemoryCounterStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		c.mu.Lock()
		if !now.Before(c.resetAt) {
			c.evicted = true
			delete(s.counters, key)
			removed++
		}
		c.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of live counters.
func (s *MemoryCounterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// Close is a no-op for memory store.
func (s *MemoryCounterStore) Close() error {
	return nil
}

// MemoryResponseStore is an in-memory implementation of ResponseStore.
type MemoryResponseStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     Clock
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryResponseStore creates a new MemoryResponseStore. A nil clock uses time.Now.
func NewMemoryResponseStore(clock Clock) *MemoryResponseStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryResponseStore{
		entries: make(map[string]memoryEntry),
		now:     clock,
	}
}

// Get retrieves an unexpired value from memory.
func (s *MemoryResponseStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set saves a value to memory until ttl elapses.
func (s *MemoryResponseStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: stored, expiresAt: s.now().Add(ttl)}
	return nil
}

// Sweep removes expired entries.
func (s *MemoryResponseStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryResponseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for memory store.
func (s *MemoryResponseStore) Close() error {
	return nil
}
