package routing

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testRoutes(t *testing.T) []Route {
	return []Route{
		{Name: "customs", Prefix: "/customs", BaseURL: mustURL(t, "http://customs:8000")},
		{Name: "users", Prefix: "/api/v1/users", BaseURL: mustURL(t, "http://iam:8000/admin")},
		{Name: "api", Prefix: "/api/", BaseURL: mustURL(t, "http://api:8000")},
	}
}

func TestRouterLongestPrefixMatch(t *testing.T) {
	r, err := NewRouter(testRoutes(t))
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"/customs", "customs"},
		{"/customs/mawbs", "customs"},
		{"/customs/mawbs/123/hawbs", "customs"},
		{"/api/v1/users", "users"},
		{"/api/v1/users/42/roles", "users"},
		{"/api/v1/groups", "api"},
		{"/api", "api"},
		{"/api/v1/usersx", "api"},
		{"/customsx", ""},
		{"/", ""},
		{"/other", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, ok := r.Match(tt.path)
			if tt.want == "" {
				assert.False(t, ok)
				_, err := r.Route(tt.path)
				var gwErr *domain.GatewayError
				require.ErrorAs(t, err, &gwErr)
				assert.Equal(t, domain.CodeRouteNotFound, gwErr.Code)
				assert.Equal(t, 404, gwErr.Status)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, route.Name)
		})
	}
}

func TestRouterCatchAll(t *testing.T) {
	r, err := NewRouter([]Route{
		{Name: "default", Prefix: "/", BaseURL: mustURL(t, "http://default:80")},
		{Name: "customs", Prefix: "/customs", BaseURL: mustURL(t, "http://customs:8000")},
	})
	require.NoError(t, err)

	route, ok := r.Match("/anything/here")
	require.True(t, ok)
	assert.Equal(t, "default", route.Name)
	assert.Equal(t, "/anything/here", route.StripPrefix("/anything/here"))

	route, ok = r.Match("/customs/x")
	require.True(t, ok)
	assert.Equal(t, "customs", route.Name)
}

func TestRouteTarget(t *testing.T) {
	r, err := NewRouter(testRoutes(t))
	require.NoError(t, err)

	customs, _ := r.Match("/customs/mawbs")
	assert.Equal(t, "/mawbs", customs.StripPrefix("/customs/mawbs"))
	assert.Equal(t, "/", customs.StripPrefix("/customs"))
	assert.Equal(t, "http://customs:8000/mawbs?page=2", customs.Target("/customs/mawbs", "page=2").String())

	users, _ := r.Match("/api/v1/users/42")
	assert.Equal(t, "http://iam:8000/admin/42", users.Target("/api/v1/users/42", "").String())
	assert.Equal(t, "http://iam:8000/admin/", users.Target("/api/v1/users", "").String())
}

func TestRouterUpdateIsAtomic(t *testing.T) {
	r, err := NewRouter(testRoutes(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Every snapshot routes /customs somewhere.
				route, ok := r.Match("/customs/mawbs")
				if !ok || (route.Name != "customs" && route.Name != "customs-v2") {
					t.Errorf("inconsistent route %v %v", route, ok)
					return
				}
			}
		}()
	}

	for i := range 100 {
		name := "customs"
		if i%2 == 0 {
			name = "customs-v2"
		}
		require.NoError(t, r.Update([]Route{{Name: name, Prefix: "/customs", BaseURL: mustURL(t, "http://customs:8000")}}))
	}
	close(stop)
	wg.Wait()
}

func TestRouterUpdateRejectsInvalidRegistry(t *testing.T) {
	r, err := NewRouter(testRoutes(t))
	require.NoError(t, err)

	err = r.Update([]Route{
		{Name: "a", Prefix: "/x", BaseURL: mustURL(t, "http://a")},
		{Name: "b", Prefix: "/x/", BaseURL: mustURL(t, "http://b")},
	})
	assert.ErrorIs(t, err, ErrDuplicatePrefix)

	err = r.Update([]Route{{Name: "a", Prefix: "x", BaseURL: mustURL(t, "http://a")}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	err = r.Update([]Route{{Name: "a", Prefix: "/x"}})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	// Failed updates leave the previous registry in place.
	assert.Len(t, r.Routes(), 3)
	assert.Equal(t, "/api/v1/users", r.Routes()[0].Prefix)
}

func TestRouterHealth(t *testing.T) {
	r, err := NewRouter(testRoutes(t))
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	health := r.Health()
	assert.Len(t, health, 3)
	assert.True(t, health["customs"].Healthy)

	r.SetHealth("customs", false, "circuit open")
	health = r.Health()
	assert.False(t, health["customs"].Healthy)
	assert.Equal(t, "circuit open", health["customs"].Reason)
	assert.Equal(t, now, health["customs"].LastChanged)

	require.NoError(t, r.Update(testRoutes(t)[1:]))
	r.SetHealth("customs", false, "stale")
	_, tracked := r.Health()["customs"]
	assert.False(t, tracked, "removed upstreams are not reported")
}

func TestRoutesFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Proxy.Timeout = 7 * time.Second
	cfg.Cache.DefaultTTL = time.Minute
	cfg.Upstreams = []config.UpstreamConfig{
		{Name: "customs", BaseURL: "http://customs:8000", Prefix: "/customs", Cacheable: true, CacheVaryQuery: []string{"page"}},
		{Name: "users", BaseURL: "http://iam:8000", Prefix: "/api/v1/users", RequiredRoles: []string{"realm-admin"}, Timeout: time.Second, CacheTTL: 5 * time.Second},
	}

	routes, err := RoutesFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	assert.Equal(t, "customs:8000", routes[0].BaseURL.Host)
	assert.True(t, routes[0].Cacheable)
	assert.Equal(t, time.Minute, routes[0].CacheTTL)
	assert.Equal(t, 7*time.Second, routes[0].Timeout)
	assert.Equal(t, []string{"page"}, routes[0].CacheVaryQuery)

	assert.Equal(t, []string{"realm-admin"}, routes[1].RequiredRoles)
	assert.Equal(t, time.Second, routes[1].Timeout)
	assert.Equal(t, 5*time.Second, routes[1].CacheTTL)

	cfg.Upstreams[0].BaseURL = "customs:8000"
	_, err = RoutesFromConfig(cfg)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
