package governance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/pkg/storage"
)

// RateLimiterConfig defines the fixed-window quota applied to every key.
type RateLimiterConfig struct {
	// Limit is the number of request units admitted per window.
	Limit int64
	// Window is the length of one counting window.
	Window time.Duration
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter applies a fixed-window quota per key on top of a CounterStore.
// The store performs increment-and-compare atomically, so concurrent requests
// for the same key can never be admitted past the limit.
type RateLimiter struct {
	store storage.CounterStore

	mu     sync.RWMutex
	config RateLimiterConfig
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(store storage.CounterStore, config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{store: store}
	rl.Configure(config)
	return rl
}

// Configure replaces the quota. Counters already running keep their window.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config
}

// Config returns the active quota.
func (rl *RateLimiter) Config() RateLimiterConfig {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.config
}

// Allow charges cost units to key. A denied request is not charged.
func (rl *RateLimiter) Allow(ctx context.Context, key string, cost int64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	cfg := rl.Config()

	res, err := rl.store.Increment(ctx, key, cost, cfg.Limit, cfg.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	d := Decision{
		Allowed:   res.Allowed,
		Limit:     cfg.Limit,
		Remaining: max(cfg.Limit-res.Count, 0),
	}
	if !res.Allowed {
		d.RetryAfter = retryAfter(res.ResetIn)
	}
	return d, nil
}

// Sweep evicts expired counters from the backing store.
func (rl *RateLimiter) Sweep(ctx context.Context) (int, error) {
	return rl.store.Sweep(ctx)
}

// retryAfter rounds up to whole seconds and never goes below one second.
func retryAfter(resetIn time.Duration) time.Duration {
	secs := (resetIn + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// PrincipalKey is the counter key for an authenticated subject.
func PrincipalKey(subject string) string {
	return "sub:" + subject
}

// ClientKey is the counter key for an unauthenticated client address.
func ClientKey(ip string) string {
	return "ip:" + ip
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
	}
}
