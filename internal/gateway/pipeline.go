// Package gateway assembles the request pipeline and the admin surface.
//
// A request runs through a fixed sequence of stages: tenant resolution,
// authentication, role authorization, rate limiting, cache lookup, routing and
// the upstream call. A stage either lets the request continue, finishes it
// (cache hit, proxied response) or fails it with a *domain.GatewayError, which
// becomes the terminal JSON response. Nothing after a failed stage runs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/internal/auth"
	"github.com/polisai/polis-gateway/internal/cache"
	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/proxy"
	"github.com/polisai/polis-gateway/internal/routing"
	"github.com/polisai/polis-gateway/internal/tenant"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Authenticator verifies the credentials on a request.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*domain.Principal, error)
}

// Forwarder sends a request to the upstream behind route.
type Forwarder interface {
	Forward(ctx context.Context, r *http.Request, route *routing.Route, tenant domain.TenantContext) (*proxy.Response, error)
}

// Options wires the pipeline's components. RateLimiter and Cache may be nil to disable those stages.
type Options struct {
	Resolver      *tenant.Resolver
	Authenticator Authenticator
	Router        *routing.Router
	Proxy         Forwarder

	RateLimiter *governance.RateLimiter
	// RateLimitStage is config.RateLimitBeforeAuth or config.RateLimitAfterAuth.
	RateLimitStage string
	Cache          *cache.Cache

	// PublicPaths bypass authentication, matched as path prefixes on segment boundaries.
	PublicPaths    []string
	AllowedOrigins []string
	Version        string

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

// exchange carries one request through the stages.
type exchange struct {
	w     *statusRecorder
	r     *http.Request
	start time.Time

	// path is the canonical request path every stage works from.
	path      string
	tenant    domain.TenantContext
	principal *domain.Principal
	route     *routing.Route
	public    bool
	cacheKey  *cache.Request

	stage telemetry.Stage
	err   *domain.GatewayError
}

// stageFunc runs one stage. done reports that the response has been written.
type stageFunc func(ctx context.Context, ex *exchange) (done bool, err error)

type stage struct {
	name telemetry.Stage
	run  stageFunc
}

// Pipeline is the data-plane http.Handler.
type Pipeline struct {
	resolver *tenant.Resolver
	authn    Authenticator
	router   *routing.Router
	proxy    Forwarder
	limiter  *governance.RateLimiter
	cache    *cache.Cache

	publicPaths []string
	cors        corsPolicy
	version     string

	stages  []stage
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds the pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Resolver == nil || opts.Authenticator == nil || opts.Router == nil || opts.Proxy == nil {
		return nil, fmt.Errorf("%w: pipeline requires resolver, authenticator, router and proxy", domain.ErrConfigInvalid)
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	p := &Pipeline{
		resolver:    opts.Resolver,
		authn:       opts.Authenticator,
		router:      opts.Router,
		proxy:       opts.Proxy,
		limiter:     opts.RateLimiter,
		cache:       opts.Cache,
		publicPaths: normalizePrefixes(opts.PublicPaths),
		cors:        newCORSPolicy(opts.AllowedOrigins, tenantHeaders(opts.Resolver)...),
		version:     opts.Version,
		logger:      logging.Component(base, "gateway"),
		metrics:     opts.Metrics,
	}

	p.stages = append(p.stages, stage{telemetry.StageTenant, p.resolveTenant})
	if p.limiter != nil && opts.RateLimitStage == config.RateLimitBeforeAuth {
		p.stages = append(p.stages, stage{telemetry.StageRateLimit, p.limit})
	}
	p.stages = append(p.stages,
		stage{telemetry.StageAuth, p.authenticate},
		stage{telemetry.StageAuthorize, p.authorize},
	)
	if p.limiter != nil && opts.RateLimitStage != config.RateLimitBeforeAuth {
		p.stages = append(p.stages, stage{telemetry.StageRateLimit, p.limit})
	}
	if p.cache != nil {
		p.stages = append(p.stages, stage{telemetry.StageCache, p.lookupCache})
	}
	p.stages = append(p.stages,
		stage{telemetry.StageRoute, p.resolveRoute},
		stage{telemetry.StageProxy, p.forward},
	)
	return p, nil
}

func tenantHeaders(r *tenant.Resolver) []string {
	bu, country, correlation := r.Headers()
	return []string{bu, country, correlation}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []telemetry.Stage {
	names := make([]telemetry.Stage, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// ServeHTTP runs the pipeline for one request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	if p.cors.apply(rec, r) {
		return
	}
	if r.URL.Path == "/health" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		writeJSON(rec, http.StatusOK, map[string]string{"status": "ok", "version": p.version})
		return
	}

	ex := &exchange{w: rec, r: r, start: time.Now()}

	for _, s := range p.stages {
		ex.stage = s.name
		ctx := ex.r.Context()
		started := time.Now()
		done, err := s.run(ctx, ex)

		m := telemetry.StageMetrics{Stage: s.name, Outcome: telemetry.OutcomeContinue, Duration: time.Since(started)}
		if ex.route != nil {
			m.Route = ex.route.Name
		}
		if err != nil {
			ex.err = domain.AsGatewayError(err)
			m.Outcome = outcomeFor(ex.err)
			m.Code = ex.err.Code
			telemetry.RecordStageMetrics(ctx, m)
			p.reject(ctx, ex)
			break
		}
		if done {
			switch {
			case s.name == telemetry.StageCache:
				m.Outcome = telemetry.OutcomeCacheHit
			case rec.status >= http.StatusInternalServerError:
				m.Outcome = telemetry.OutcomeFault
			default:
				m.Outcome = telemetry.OutcomeSuccess
			}
			telemetry.RecordStageMetrics(ctx, m)
			break
		}
		telemetry.RecordStageMetrics(ctx, m)
	}

	p.finish(ex)
}

func outcomeFor(err *domain.GatewayError) telemetry.Outcome {
	switch err.Kind {
	case domain.KindRateLimit:
		return telemetry.OutcomeRateLimited
	case domain.KindUpstreamUnavailable:
		return telemetry.OutcomeCircuitOpen
	case domain.KindUpstreamTimeout:
		return telemetry.OutcomeTimeout
	case domain.KindUpstreamFault, domain.KindInternal:
		return telemetry.OutcomeFault
	default:
		return telemetry.OutcomeRejected
	}
}

func (p *Pipeline) resolveTenant(_ context.Context, ex *exchange) (bool, error) {
	canonical, err := canonicalPath(ex.r.URL)
	var t domain.TenantContext
	if err == nil {
		t, err = p.resolver.Resolve(ex.r.Header)
	}
	if err != nil {
		ex.tenant.CorrelationID = p.resolver.CorrelationID(ex.r.Header)
		ex.w.Header().Set(proxy.HeaderCorrelationID, ex.tenant.CorrelationID)
		return false, err
	}
	ex.path = canonical
	ex.tenant = t
	ex.w.Header().Set(proxy.HeaderCorrelationID, t.CorrelationID)

	// The route is looked up once here so that every later stage sees the same
	// registry snapshot. A miss is reported by the route stage.
	ex.route, _ = p.router.Match(ex.path)
	ex.public = p.isPublic(ex.path) || (ex.route != nil && ex.route.Public)
	return false, nil
}

func (p *Pipeline) authenticate(_ context.Context, ex *exchange) (bool, error) {
	if ex.public {
		return false, nil
	}
	principal, err := p.authn.AuthenticateRequest(ex.r)
	if err != nil {
		p.metrics.RecordAuthFailure(domain.AsGatewayError(err).Code)
		return false, err
	}
	ex.principal = principal
	ex.r = ex.r.WithContext(domain.WithPrincipal(ex.r.Context(), principal))
	return false, nil
}

func (p *Pipeline) authorize(_ context.Context, ex *exchange) (bool, error) {
	if ex.route == nil || len(ex.route.RequiredRoles) == 0 {
		return false, nil
	}
	return false, auth.Authorize(ex.principal, ex.route.RequiredRoles)
}

func (p *Pipeline) limit(ctx context.Context, ex *exchange) (bool, error) {
	key := governance.ClientKey(clientIP(ex.r))
	if ex.principal != nil {
		key = governance.PrincipalKey(ex.principal.Subject)
	}

	decision, err := p.limiter.Allow(ctx, key, 1)
	if err != nil {
		// A broken counter store must not take the data plane down with it.
		p.logger.Warn().Err(err).Str("correlation_id", ex.tenant.CorrelationID).Msg("rate limit check failed, admitting request")
		return false, nil
	}
	governance.WriteRateLimitHeaders(ex.w, decision)
	if !decision.Allowed {
		p.metrics.RecordRateLimited(string(ex.stage))
		return false, domain.RateLimitError()
	}
	return false, nil
}

func (p *Pipeline) lookupCache(ctx context.Context, ex *exchange) (bool, error) {
	if ex.route == nil || !ex.route.Cacheable || !cache.Eligible(ex.r.Method) {
		return false, nil
	}
	ex.cacheKey = &cache.Request{
		Tenant:    ex.tenant,
		Method:    ex.r.Method,
		Path:      ex.path,
		Query:     ex.r.URL.Query(),
		VaryQuery: ex.route.CacheVaryQuery,
	}
	hit, ok := p.cache.Get(ctx, *ex.cacheKey)
	if !ok {
		ex.w.Header().Set(cache.HeaderCache, "MISS")
		return false, nil
	}
	hit.Serve(ex.w)
	return true, nil
}

func (p *Pipeline) resolveRoute(_ context.Context, ex *exchange) (bool, error) {
	if ex.route == nil {
		return false, domain.RoutingError(ex.path)
	}
	return false, nil
}

func (p *Pipeline) forward(ctx context.Context, ex *exchange) (bool, error) {
	resp, err := p.proxy.Forward(ctx, ex.r, ex.route, ex.tenant)
	if err != nil {
		return false, err
	}
	resp.Serve(ex.w)

	if ex.cacheKey != nil {
		p.cache.Put(ctx, *ex.cacheKey, &cache.Response{Status: resp.Status, Header: resp.Header, Body: resp.Body}, ex.route.CacheTTL)
	}
	return true, nil
}

func (p *Pipeline) reject(ctx context.Context, ex *exchange) {
	telemetry.RecordRejection(trace.SpanFromContext(ctx), ex.stage, ex.err.Code, ex.err.Status)
	if ex.err.Kind == domain.KindInternal {
		p.logger.Error().Err(ex.err).Str("correlation_id", ex.tenant.CorrelationID).Msg("internal error")
	}
	writeError(ex.w, ex.err, ex.tenant.CorrelationID)
}

// finish writes the access log entry and request metrics.
func (p *Pipeline) finish(ex *exchange) {
	elapsed := time.Since(ex.start)
	status := ex.w.status
	if status == 0 {
		status = http.StatusOK
	}
	routeName := ""
	if ex.route != nil {
		routeName = ex.route.Name
	}
	p.metrics.RecordRequest(routeName, ex.r.Method, strconv.Itoa(status), ex.stage, elapsed)

	event := p.logger.Info()
	if ex.err != nil && !ex.err.ClientError() {
		event = p.logger.Warn()
	}
	event = event.
		Str("method", ex.r.Method).
		Str("path", ex.r.URL.Path).
		Int("status", status).
		Str("stage", string(ex.stage)).
		Str("route", routeName).
		Str("tenant_bu", ex.tenant.BusinessUnit).
		Str("tenant_country", ex.tenant.CountryCode).
		Str("correlation_id", ex.tenant.CorrelationID).
		Dur("duration", elapsed)
	if ex.principal != nil {
		event = event.Str("subject", ex.principal.Subject)
	}
	if ex.err != nil {
		event = event.Str("error_code", ex.err.Code)
		var cause error = ex.err
		if unwrapped := errors.Unwrap(ex.err); unwrapped != nil {
			cause = unwrapped
		}
		event = event.AnErr("error", cause)
	}
	event.Msg("request completed")
}

// canonicalPath returns u's path if it is already canonical and fails
// otherwise. Canonical means absolute with no dot or empty segments, no
// backslashes and no percent-encoded dots. A trailing slash is allowed.
func canonicalPath(u *url.URL) (string, error) {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if p[0] != '/' || strings.ContainsRune(p, '\\') ||
		strings.Contains(strings.ToLower(p), "%2e") ||
		strings.Contains(strings.ToLower(u.RawPath), "%2e") {
		return "", domain.InvalidPathError(p)
	}
	clean := path.Clean(p)
	if clean != "/" && strings.HasSuffix(p, "/") {
		clean += "/"
	}
	if clean != p {
		return "", domain.InvalidPathError(p)
	}
	return clean, nil
}

func (p *Pipeline) isPublic(reqPath string) bool {
	for _, prefix := range p.publicPaths {
		if reqPath == prefix || strings.HasPrefix(reqPath, prefix+"/") || prefix == "/" {
			return true
		}
	}
	return false
}

func normalizePrefixes(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, prefix := range paths {
		if len(prefix) > 1 {
			prefix = strings.TrimRight(prefix, "/")
		}
		if prefix != "" {
			out = append(out, prefix)
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
