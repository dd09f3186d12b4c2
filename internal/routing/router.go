// Package routing maps request paths to upstream services.
package routing

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrDuplicatePrefix is returned by Update when two routes claim the same prefix.
var ErrDuplicatePrefix = errors.New("duplicate route prefix")

// Route registers one upstream behind a path prefix.
type Route struct {
	Name    string
	Prefix  string
	BaseURL *url.URL

	Cacheable      bool
	CacheTTL       time.Duration
	CacheVaryQuery []string
	RequiredRoles  []string
	Public         bool
	Timeout        time.Duration
}

// Matches reports whether path falls under the route prefix on a segment boundary.
// "/customs" matches "/customs" and "/customs/mawbs" but not "/customsx".
func (r *Route) Matches(path string) bool {
	if r.Prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// StripPrefix removes the route prefix from path. The result always starts with "/".
func (r *Route) StripPrefix(path string) string {
	if r.Prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// Target builds the upstream URL for an inbound path and raw query.
func (r *Route) Target(path, rawQuery string) *url.URL {
	target := *r.BaseURL
	target.Path = joinPath(r.BaseURL.Path, r.StripPrefix(path))
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}

func joinPath(base, rest string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return rest
	}
	return base + rest
}

// HealthStatus is the proxy's view of an upstream.
type HealthStatus struct {
	Healthy     bool      `json:"healthy"`
	LastChanged time.Time `json:"lastChanged"`
	Reason      string    `json:"reason,omitempty"`
}

type table struct {
	// ordered by prefix length, longest first
	routes []*Route
}

// Router is a longest-prefix registry that can be replaced atomically while serving.
type Router struct {
	table atomic.Pointer[table]

	mu     sync.RWMutex
	health map[string]HealthStatus
	now    func() time.Time
}

// NewRouter creates a router serving routes.
func NewRouter(routes []Route) (*Router, error) {
	r := &Router{health: make(map[string]HealthStatus), now: time.Now}
	if err := r.Update(routes); err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the registry. In-flight lookups keep the table they started with.
func (r *Router) Update(routes []Route) error {
	seen := make(map[string]string, len(routes))
	next := &table{routes: make([]*Route, 0, len(routes))}
	for i := range routes {
		route := routes[i]
		if route.BaseURL == nil {
			return fmt.Errorf("%w: route %s has no base url", domain.ErrConfigInvalid, route.Name)
		}
		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("%w: route %s prefix %q must start with /", domain.ErrConfigInvalid, route.Name, route.Prefix)
		}
		if len(route.Prefix) > 1 {
			route.Prefix = strings.TrimRight(route.Prefix, "/")
		}
		if other, dup := seen[route.Prefix]; dup {
			return fmt.Errorf("%w: %s used by %s and %s", ErrDuplicatePrefix, route.Prefix, other, route.Name)
		}
		seen[route.Prefix] = route.Name
		next.routes = append(next.routes, &route)
	}
	slices.SortStableFunc(next.routes, func(a, b *Route) int {
		return len(b.Prefix) - len(a.Prefix)
	})

	r.table.Store(next)
	r.pruneHealth(seen)
	return nil
}

func (r *Router) pruneHealth(prefixes map[string]string) {
	names := make(map[string]struct{}, len(prefixes))
	for _, name := range prefixes {
		names[name] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.health {
		if _, ok := names[name]; !ok {
			delete(r.health, name)
		}
	}
}

// Match returns the route with the longest prefix containing path.
func (r *Router) Match(path string) (*Route, bool) {
	t := r.table.Load()
	if t == nil {
		return nil, false
	}
	for _, route := range t.routes {
		if route.Matches(path) {
			return route, true
		}
	}
	return nil, false
}

// Route resolves path or returns a routing error.
func (r *Router) Route(path string) (*Route, error) {
	route, ok := r.Match(path)
	if !ok {
		return nil, domain.RoutingError(path)
	}
	return route, nil
}

// Routes returns a copy of the registry, longest prefix first.
func (r *Router) Routes() []Route {
	t := r.table.Load()
	if t == nil {
		return nil
	}
	out := make([]Route, len(t.routes))
	for i, route := range t.routes {
		out[i] = *route
	}
	return out
}

// SetHealth records the proxy's latest observation of an upstream.
func (r *Router) SetHealth(name string, healthy bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.health[name]
	if ok && prev.Healthy == healthy && prev.Reason == reason {
		return
	}
	r.health[name] = HealthStatus{Healthy: healthy, LastChanged: r.now(), Reason: reason}
}

// Health returns the recorded status of every upstream. Upstreams never observed are healthy.
func (r *Router) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, route := range r.Routes() {
		out[route.Name] = HealthStatus{Healthy: true}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, status := range r.health {
		if _, ok := out[name]; ok {
			out[name] = status
		}
	}
	return out
}

// RoutesFromConfig converts the upstream registry in cfg into routes.
func RoutesFromConfig(cfg *config.Config) ([]Route, error) {
	routes := make([]Route, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		base, err := url.Parse(u.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: upstream %s base url: %v", domain.ErrConfigInvalid, u.Name, err)
		}
		if base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("%w: upstream %s base url %q must be absolute", domain.ErrConfigInvalid, u.Name, u.BaseURL)
		}
		routes = append(routes, Route{
			Name:           u.Name,
			Prefix:         u.Prefix,
			BaseURL:        base,
			Cacheable:      u.Cacheable,
			CacheTTL:       cfg.UpstreamCacheTTL(u),
			CacheVaryQuery: slices.Clone(u.CacheVaryQuery),
			RequiredRoles:  slices.Clone(u.RequiredRoles),
			Public:         u.Public,
			Timeout:        cfg.UpstreamTimeout(u),
		})
	}
	return routes, nil
}
