package governance

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when a request exceeds its timeout.
var ErrRequestTimeout = errors.New("request timeout exceeded")

// TimeoutManager holds the per-upstream call deadlines.
type TimeoutManager struct {
	mu       sync.RWMutex
	fallback time.Duration
	perRoute map[string]time.Duration
}

// NewTimeoutManager creates a timeout manager with the given default.
func NewTimeoutManager(fallback time.Duration) *TimeoutManager {
	if fallback <= 0 {
		fallback = 10 * time.Second
	}
	return &TimeoutManager{fallback: fallback, perRoute: map[string]time.Duration{}}
}

// Configure replaces the per-upstream overrides.
func (tm *TimeoutManager) Configure(perRoute map[string]time.Duration) {
	cp := make(map[string]time.Duration, len(perRoute))
	for name, d := range perRoute {
		if d > 0 {
			cp[name] = d
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.perRoute = cp
}

// For returns the deadline for calls to upstream.
func (tm *TimeoutManager) For(upstream string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if d, ok := tm.perRoute[upstream]; ok {
		return d
	}
	return tm.fallback
}

// WithRequestTimeout derives the context for one upstream call. The result is
// detached from ctx's cancellation: a client that disconnects does not abort
// the call, so its outcome still reaches the circuit breaker. Values such as
// the trace span are kept.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context, upstream string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), tm.For(upstream))
}

// IsTimeout reports whether err is a deadline expiry rather than another transport failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
