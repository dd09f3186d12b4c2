// Package governance holds the runtime safety controls of the gateway:
// per-upstream circuit breakers, the fixed-window rate limiter and per-call
// timeouts.
//
// Each control owns its shared state and exposes a narrow API; the pipeline
// and the proxy hold explicit handles instead of reaching into package-level
// registries. Breaker and quota statistics are exported for the admin
// surface.
package governance
