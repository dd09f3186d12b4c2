package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-gateway/internal/auth"
	"github.com/polisai/polis-gateway/internal/cache"
	"github.com/polisai/polis-gateway/internal/gateway"
	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/maintenance"
	"github.com/polisai/polis-gateway/internal/proxy"
	"github.com/polisai/polis-gateway/internal/routing"
	"github.com/polisai/polis-gateway/internal/tenant"
	gwtls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// app owns every long-lived gateway component.
type app struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	counters  storage.CounterStore
	responses storage.ResponseStore
	redis     *redis.Client

	keys      *auth.KeyCache
	breakers  *governance.CircuitBreakerManager
	timeouts  *governance.TimeoutManager
	limiter   *governance.RateLimiter
	cache     *cache.Cache
	router    *routing.Router
	scheduler *maintenance.Scheduler

	data  http.Handler
	admin http.Handler

	mu  sync.Mutex
	cfg *config.Config
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		logger:  logger,
		metrics: telemetry.NewMetrics(),
	}
	if err := a.openStorage(ctx, cfg.Storage); err != nil {
		return nil, err
	}

	keys, err := auth.NewKeyCache(auth.KeyCacheConfig{
		JWKSURL:             cfg.Auth.JWKSURL,
		TTL:                 cfg.Auth.JWKSRefreshTTL,
		MaxStale:            cfg.Auth.JWKSMaxStale,
		MissRefreshInterval: cfg.Auth.JWKSMissRefreshInterval,
		FetchTimeout:        cfg.Auth.JWKSFetchTimeout,
		Logger:              &logger,
		Metrics:             a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.keys = keys

	authn, err := auth.NewAuthenticator(keys, auth.AuthenticatorConfig{
		Issuer:     cfg.Auth.Issuer,
		Algorithms: cfg.Auth.Algorithms,
		RolesClaim: cfg.Auth.RolesClaim,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.breakers = governance.NewCircuitBreakerManager(breakerConfig(cfg.CircuitBreaker), a.circuitChanged)
	a.timeouts = governance.NewTimeoutManager(cfg.Proxy.Timeout)
	if cfg.RateLimit.Enabled {
		a.limiter = governance.NewRateLimiter(a.counters, governance.RateLimiterConfig{
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
	}
	if cfg.Cache.Enabled {
		a.cache, err = cache.New(cache.Config{Store: a.responses, Logger: &logger, Metrics: a.metrics})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.router, err = routing.NewRouter(nil)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.apply(cfg); err != nil {
		a.close()
		return nil, err
	}

	transport, err := upstreamTransport(cfg.Proxy.TLS)
	if err != nil {
		a.close()
		return nil, err
	}
	px, err := proxy.New(proxy.Config{
		Breakers:         a.breakers,
		Timeouts:         a.timeouts,
		Transport:        transport,
		Health:           a.router,
		MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
		Logger:           &logger,
		Metrics:          a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	opts := gateway.Options{
		Resolver: tenant.NewResolver(tenant.Config{
			BusinessUnitHeader:  cfg.Tenant.BusinessUnitHeader,
			CountryCodeHeader:   cfg.Tenant.CountryCodeHeader,
			CorrelationIDHeader: cfg.Tenant.CorrelationIDHeader,
		}),
		Authenticator:  authn,
		Router:         a.router,
		Proxy:          px,
		RateLimiter:    a.limiter,
		RateLimitStage: cfg.RateLimit.Stage,
		Cache:          a.cache,
		PublicPaths:    cfg.Auth.PublicPaths,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        version,
		Logger:         &logger,
		Metrics:        a.metrics,
	}
	a.data, err = gateway.New(opts)
	if err != nil {
		a.close()
		return nil, err
	}

	a.admin = gateway.NewAdminHandler(gateway.AdminOptions{
		Breakers: a.breakers,
		Router:   a.router,
		Keys:     keys,
		Metrics:  a.metrics,
		Version:  version,
	})

	a.scheduler, err = maintenance.NewScheduler(&logger, a.jobs(cfg.Maintenance)...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context, cfg config.StorageConfig) error {
	if cfg.Backend != config.BackendRedis {
		a.counters = storage.NewMemoryCounterStore(nil)
		a.responses = storage.NewMemoryResponseStore(nil)
		a.logger.Info().Str("backend", config.BackendMemory).Msg("storage ready")
		return nil
	}

	client, err := storage.NewRedisClient(ctx, storage.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return err
	}
	a.redis = client
	a.counters = storage.NewRedisCounterStore(client, cfg.Redis.KeyPrefix)
	a.responses = storage.NewRedisResponseStore(client, cfg.Redis.KeyPrefix)
	a.logger.Info().Str("backend", config.BackendRedis).Str("addr", cfg.Redis.Addr).Msg("storage ready")
	return nil
}

func (a *app) jobs(cfg config.MaintenanceConfig) []maintenance.Job {
	sweepers := []maintenance.Sweeper{a.counters}
	if a.cache != nil {
		sweepers = append(sweepers, a.cache)
	}
	return []maintenance.Job{
		maintenance.SweepJob(cfg.SweepSchedule, sweepers...),
		maintenance.RefreshJob("jwks", cfg.JWKSSchedule, a.keys),
	}
}

// apply installs the hot-reloadable parts of cfg: upstream routes, breaker
// thresholds, per-upstream timeouts and the rate limit quota. Listener
// addresses, storage, identity provider and stage layout need a restart.
func (a *app) apply(cfg *config.Config) error {
	routes, err := routing.RoutesFromConfig(cfg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.router.Update(routes); err != nil {
		return err
	}

	names := make([]string, 0, len(routes))
	timeouts := make(map[string]time.Duration, len(routes))
	for _, r := range routes {
		names = append(names, r.Name)
		timeouts[r.Name] = r.Timeout
	}

	a.breakers.Retain(names)
	thresholds := breakerConfig(cfg.CircuitBreaker)
	rethreshold := a.cfg != nil && a.cfg.CircuitBreaker != cfg.CircuitBreaker
	if rethreshold {
		a.breakers.SetDefaults(thresholds)
	}
	for _, name := range names {
		if rethreshold {
			a.breakers.Configure(name, thresholds)
			continue
		}
		a.breakers.Get(name)
	}

	a.timeouts.Configure(timeouts)
	if a.limiter != nil {
		a.limiter.Configure(governance.RateLimiterConfig{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window})
	}

	a.cfg = cfg
	a.logger.Info().Int("upstreams", len(routes)).Msg("configuration applied")
	return nil
}

// reload is the config watcher callback.
func (a *app) reload(cfg *config.Config) {
	if err := a.apply(cfg); err != nil {
		a.metrics.RecordConfigReload("error")
		a.logger.Error().Err(err).Msg("configuration reload failed; keeping previous routes")
		return
	}
	a.metrics.RecordConfigReload("success")
}

func (a *app) circuitChanged(name string, from, to governance.CircuitBreakerState) {
	a.metrics.SetCircuitState(name, to.Gauge())
	event := a.logger.Info()
	if to == governance.StateOpen {
		event = a.logger.Warn()
	}
	event.Str("upstream", name).Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")
}

// close waits for pending cache writes and releases the stores.
func (a *app) close() error {
	if a.cache != nil {
		a.cache.Wait()
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	var errs []error
	if a.counters != nil {
		errs = append(errs, a.counters.Close())
	}
	if a.responses != nil {
		errs = append(errs, a.responses.Close())
	}
	return errors.Join(errs...)
}

// upstreamTransport returns nil, leaving the proxy default, unless upstream TLS is configured.
func upstreamTransport(cfg config.TLSConfig) (http.RoundTripper, error) {
	tc := tlsConfig(cfg)
	if !tc.Enabled() {
		return nil, nil
	}
	clientTLS, err := gwtls.Client(tc)
	if err != nil {
		return nil, fmt.Errorf("upstream tls: %w", err)
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = clientTLS
	return otelhttp.NewTransport(base), nil
}

func tlsConfig(cfg config.TLSConfig) gwtls.Config {
	return gwtls.Config{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile, CAFile: cfg.CAFile, ServerName: cfg.ServerName}
}

func breakerConfig(cfg config.CircuitBreakerConfig) governance.CircuitBreakerConfig {
	return governance.CircuitBreakerConfig{
		FailureRateThreshold: cfg.FailureRateThreshold,
		WindowSize:           cfg.WindowSize,
		MinSamples:           cfg.MinSamples,
		CoolDown:             cfg.CoolDown,
		HalfOpenProbes:       cfg.HalfOpenProbes,
	}
}

func describe(cfg *config.Config) string {
	return fmt.Sprintf("%d upstreams, storage=%s, rate_limit=%t/%s, cache=%t",
		len(cfg.Upstreams), cfg.Storage.Backend, cfg.RateLimit.Enabled, cfg.RateLimit.Stage, cfg.Cache.Enabled)
}
