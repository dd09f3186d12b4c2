package governance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrUnknownBreaker is returned by manager operations naming an unregistered upstream.
	ErrUnknownBreaker = errors.New("unknown circuit breaker")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the service has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Gauge returns the numeric encoding exported as a metric.
func (s CircuitBreakerState) Gauge() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureRateThreshold is the percentage (0-100] of failed calls in the
	// window that opens the circuit.
	FailureRateThreshold float64
	// WindowSize is the number of most recent calls the failure rate is computed over.
	WindowSize int
	// MinSamples is the number of calls the window must hold before the rate is evaluated.
	MinSamples int
	// CoolDown is how long the circuit stays open before admitting probes.
	CoolDown time.Duration
	// HalfOpenProbes is the number of probe calls admitted in half-open state;
	// all of them must succeed to close the circuit.
	HalfOpenProbes int
	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold: 50,
		WindowSize:           10,
		MinSamples:           10,
		CoolDown:             30 * time.Second,
		HalfOpenProbes:       1,
	}
}

// StateChangeFunc observes breaker transitions. It is called without the breaker lock held.
type StateChangeFunc func(name string, from, to CircuitBreakerState)

// CircuitBreaker is a three-state breaker over a count-based rolling window.
//
// All state lives behind one mutex, so concurrent outcomes for the same
// upstream are applied one at a time. Outcomes are tagged with the generation
// that admitted them; a result that arrives after the breaker has moved on
// (for example a slow call admitted before the circuit opened) still counts in
// the stats but cannot drive a transition in the new state.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu      sync.Mutex
	state   CircuitBreakerState
	metrics circuitMetrics
}

type circuitMetrics struct {
	// ring of the last WindowSize outcomes; true marks a failure
	window   []bool
	next     int
	samples  int
	failures int

	generation        uint64
	halfOpenAdmitted  int
	halfOpenSuccesses int
	totalFailures     int
	totalSuccesses    int
	rejected          int
	lastStateChange   time.Time
	openUntil         time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureRateThreshold <= 0 || config.FailureRateThreshold > 100 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.MinSamples <= 0 || config.MinSamples > config.WindowSize {
		config.MinSamples = config.WindowSize
	}
	if config.CoolDown <= 0 {
		config.CoolDown = defaults.CoolDown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    now,
		state:  StateClosed,
		metrics: circuitMetrics{
			window:          make([]bool, config.WindowSize),
			lastStateChange: now(),
		},
	}
}

// Name returns the upstream the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow admits or rejects a call. An admitted call must be finished with
// Record using the returned generation.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()
	from := cb.state
	gen, err := cb.beforeRequestLocked(cb.now())
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return gen, err
}

// Record reports the outcome of a call admitted by Allow.
func (cb *CircuitBreaker) Record(generation uint64, success bool) {
	cb.mu.Lock()
	from := cb.state
	cb.afterRequestLocked(cb.now(), generation, success)
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Execute wraps a function call with circuit breaker protection. A non-nil
// error counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.Record(gen, err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequestLocked(now time.Time) (uint64, error) {
	switch cb.state {
	case StateClosed:
		return cb.metrics.generation, nil
	case StateOpen:
		if now.Before(cb.metrics.openUntil) {
			cb.metrics.rejected++
			return 0, ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.metrics.halfOpenAdmitted++
		return cb.metrics.generation, nil
	case StateHalfOpen:
		if cb.metrics.halfOpenAdmitted < cb.config.HalfOpenProbes {
			cb.metrics.halfOpenAdmitted++
			return cb.metrics.generation, nil
		}
		cb.metrics.rejected++
		return 0, ErrCircuitOpen
	default:
		return 0, fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

func (cb *CircuitBreaker) afterRequestLocked(now time.Time, generation uint64, success bool) {
	if success {
		cb.metrics.totalSuccesses++
	} else {
		cb.metrics.totalFailures++
	}

	if generation != cb.metrics.generation {
		return
	}

	switch cb.state {
	case StateHalfOpen:
		if !success {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.metrics.halfOpenSuccesses++
		if cb.metrics.halfOpenSuccesses >= cb.config.HalfOpenProbes {
			cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		cb.recordWindowLocked(!success)
		if cb.shouldOpenLocked() {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) recordWindowLocked(failed bool) {
	m := &cb.metrics
	if m.samples == len(m.window) {
		if m.window[m.next] {
			m.failures--
		}
	} else {
		m.samples++
	}
	m.window[m.next] = failed
	if failed {
		m.failures++
	}
	m.next = (m.next + 1) % len(m.window)
}

func (cb *CircuitBreaker) shouldOpenLocked() bool {
	if cb.metrics.samples < cb.config.MinSamples {
		return false
	}
	return cb.failureRateLocked() >= cb.config.FailureRateThreshold
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.metrics.samples == 0 {
		return 0
	}
	return float64(cb.metrics.failures) / float64(cb.metrics.samples) * 100
}

func (cb *CircuitBreaker) resetWindowLocked() {
	clear(cb.metrics.window)
	cb.metrics.next = 0
	cb.metrics.samples = 0
	cb.metrics.failures = 0
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.metrics.generation++
	cb.metrics.lastStateChange = now
	cb.metrics.halfOpenAdmitted = 0
	cb.metrics.halfOpenSuccesses = 0
	cb.resetWindowLocked()

	switch newState {
	case StateOpen:
		cb.metrics.openUntil = now.Add(cb.config.CoolDown)
	case StateHalfOpen, StateClosed:
		cb.metrics.openUntil = time.Time{}
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state of the circuit breaker. An open circuit
// whose cool-down has elapsed reports open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		Name:                 cb.name,
		State:                string(cb.state),
		WindowSamples:        cb.metrics.samples,
		WindowFailures:       cb.metrics.failures,
		FailureRate:          cb.failureRateLocked(),
		TotalFailures:        cb.metrics.totalFailures,
		TotalSuccesses:       cb.metrics.totalSuccesses,
		Rejected:             cb.metrics.rejected,
		LastStateChange:      cb.metrics.lastStateChange.UTC().Format(time.RFC3339),
		FailureRateThreshold: cb.config.FailureRateThreshold,
		WindowSize:           cb.config.WindowSize,
		CoolDown:             cb.config.CoolDown.String(),
		HalfOpenProbes:       cb.config.HalfOpenProbes,
	}
	if !cb.metrics.openUntil.IsZero() {
		stats.OpenUntil = cb.metrics.openUntil.UTC().Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	Name                 string  `json:"name"`
	State                string  `json:"state"`
	WindowSamples        int     `json:"windowSamples"`
	WindowFailures       int     `json:"windowFailures"`
	FailureRate          float64 `json:"failureRate"`
	TotalFailures        int     `json:"totalFailures"`
	TotalSuccesses       int     `json:"totalSuccesses"`
	Rejected             int     `json:"rejected"`
	LastStateChange      string  `json:"lastStateChange"`
	OpenUntil            string  `json:"openUntil,omitempty"`
	FailureRateThreshold float64 `json:"failureRateThreshold"`
	WindowSize           int     `json:"windowSize"`
	CoolDown             string  `json:"coolDown"`
	HalfOpenProbes       int     `json:"halfOpenProbes"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()
	cb.transitionToLocked(StateClosed, now)
	cb.resetWindowLocked()
	cb.metrics.totalFailures = 0
	cb.metrics.totalSuccesses = 0
	cb.metrics.rejected = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// CircuitBreakerManager owns one breaker per upstream.
type CircuitBreakerManager struct {
	defaults CircuitBreakerConfig
	onChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager whose lazily created breakers use defaults.
func NewCircuitBreakerManager(defaults CircuitBreakerConfig, onChange StateChangeFunc) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		defaults: defaults,
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure adds or replaces the breaker for a service.
func (m *CircuitBreakerManager) Configure(serviceID string, config CircuitBreakerConfig) *CircuitBreaker {
	cb := m.newBreaker(serviceID, config)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[serviceID] = cb
	return cb
}

// SetDefaults changes the thresholds used for breakers created from now on.
// Existing breakers keep theirs until reconfigured.
func (m *CircuitBreakerManager) SetDefaults(defaults CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if defaults.Clock == nil {
		defaults.Clock = m.defaults.Clock
	}
	m.defaults = defaults
}

// Get retrieves the circuit breaker for a service, creating one if needed.
func (m *CircuitBreakerManager) Get(serviceID string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[serviceID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[serviceID]; exists {
		return cb
	}

	cb = m.newBreaker(serviceID, m.defaults)
	m.breakers[serviceID] = cb
	return cb
}

// Retain drops breakers for services not in names. Existing breakers keep their state.
func (m *CircuitBreakerManager) Retain(names []string) {
	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.breakers {
		if _, ok := keep[name]; !ok {
			delete(m.breakers, name)
		}
	}
}

func (m *CircuitBreakerManager) newBreaker(serviceID string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.Clock == nil {
		config.Clock = m.defaults.Clock
	}
	cb := NewCircuitBreaker(serviceID, config)
	cb.onChange = m.onChange
	return cb
}

// Stats returns statistics for all circuit breakers, ordered by name.
func (m *CircuitBreakerManager) Stats() []CircuitBreakerStats {
	m.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset closes the named breaker.
func (m *CircuitBreakerManager) Reset(serviceID string) error {
	m.mu.RLock()
	cb, ok := m.breakers[serviceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, serviceID)
	}
	cb.Reset()
	return nil
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
