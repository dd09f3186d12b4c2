// Package proxy forwards requests to upstream services behind a per-upstream
// circuit breaker and a per-call deadline.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/routing"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Outbound tenant headers.
const (
	HeaderBusinessUnit  = "X-Business-Unit"
	HeaderCountryCode   = "X-Country-Code"
	HeaderCorrelationID = "X-Correlation-Id"
)

const defaultMaxResponseBytes = 32 << 20

// errResponseTooLarge is reported when an upstream body exceeds the buffering limit.
var errResponseTooLarge = errors.New("upstream response exceeds size limit")

// Failure kinds reported to metrics.
const (
	failureCircuitOpen = "circuit_open"
	failureTimeout     = "timeout"
	failureNetwork     = "network"
	failureStatus      = "status_5xx"
)

// HealthRecorder receives the proxy's observation of an upstream after each call.
type HealthRecorder interface {
	SetHealth(name string, healthy bool, reason string)
}

// Config wires the proxy's collaborators.
type Config struct {
	Breakers *governance.CircuitBreakerManager
	Timeouts *governance.TimeoutManager
	// Transport defaults to an otelhttp-instrumented clone of http.DefaultTransport.
	Transport http.RoundTripper
	Health    HealthRecorder
	// MaxResponseBytes caps the buffered upstream body. Zero means 32 MiB.
	MaxResponseBytes int64

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

// Response is a buffered upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Proxy is the circuit-breaker proxy.
type Proxy struct {
	breakers *governance.CircuitBreakerManager
	timeouts *governance.TimeoutManager
	client   *http.Client
	health   HealthRecorder
	maxBody  int64
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// New creates a proxy.
func New(cfg Config) (*Proxy, error) {
	if cfg.Breakers == nil {
		return nil, fmt.Errorf("%w: circuit breaker manager is required", domain.ErrConfigInvalid)
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = governance.NewTimeoutManager(0)
	}
	if cfg.Transport == nil {
		cfg.Transport = otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	return &Proxy{
		breakers: cfg.Breakers,
		timeouts: cfg.Timeouts,
		client: &http.Client{
			Transport: cfg.Transport,
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		health:  cfg.Health,
		maxBody: cfg.MaxResponseBytes,
		logger:  logging.Component(base, "proxy"),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("polis-gateway/proxy"),
	}, nil
}

// Forward sends r to the upstream behind route.
//
// An open circuit fails with UPSTREAM_UNAVAILABLE before any network I/O. The
// call runs under the upstream's deadline, detached from the client's
// cancellation, so its outcome always reaches the breaker. Timeouts, transport
// errors and 5xx responses count as failures; 4xx responses do not. A 5xx is
// returned as a Response, not an error, so the upstream body reaches the client.
func (p *Proxy) Forward(ctx context.Context, r *http.Request, route *routing.Route, tenant domain.TenantContext) (*Response, error) {
	breaker := p.breakers.Get(route.Name)
	generation, err := breaker.Allow()
	if err != nil {
		p.metrics.RecordUpstreamFailure(route.Name, failureCircuitOpen)
		p.observe(breaker)
		return nil, domain.UpstreamUnavailableError(route.Name)
	}

	callCtx, cancel := p.timeouts.WithRequestTimeout(ctx, route.Name)
	defer cancel()
	callCtx, span := p.tracer.Start(callCtx, "proxy.forward", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	target := route.Target(r.URL.Path, r.URL.RawQuery)
	span.SetAttributes(spanAttributes(ctx, r, route, target, tenant)...)

	start := time.Now()
	resp, err := p.do(callCtx, r, target.String(), tenant)
	elapsed := time.Since(start)

	logEvent := p.logger.Debug()
	switch {
	case err != nil:
		// An oversized body still means the upstream answered.
		breaker.Record(generation, errors.Is(err, errResponseTooLarge))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := failureNetwork
		var gwErr *domain.GatewayError
		switch {
		case governance.IsTimeout(err):
			kind = failureTimeout
			gwErr = domain.UpstreamTimeoutError(route.Name, err)
		case errors.Is(err, errResponseTooLarge):
			kind = ""
			gwErr = domain.UpstreamFaultError(route.Name, err)
		default:
			gwErr = domain.UpstreamFaultError(route.Name, err)
		}
		if kind != "" {
			p.metrics.RecordUpstreamFailure(route.Name, kind)
		}
		p.observe(breaker)
		p.logger.Warn().Err(err).
			Str("upstream", route.Name).
			Str("correlation_id", tenant.CorrelationID).
			Dur("duration", elapsed).
			Msg("upstream call failed")
		return nil, gwErr
	case resp.Status >= http.StatusInternalServerError:
		breaker.Record(generation, false)
		p.metrics.RecordUpstreamFailure(route.Name, failureStatus)
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
		logEvent = p.logger.Warn()
	default:
		breaker.Record(generation, true)
	}
	p.observe(breaker)

	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	logEvent.
		Str("upstream", route.Name).
		Str("correlation_id", tenant.CorrelationID).
		Int("status", resp.Status).
		Dur("duration", elapsed).
		Msg("upstream call completed")
	return resp, nil
}

// spanAttributes describes the upstream call. The caller's subject is masked.
func spanAttributes(ctx context.Context, r *http.Request, route *routing.Route, target *url.URL, tenant domain.TenantContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("upstream.name", route.Name),
		attribute.String("http.method", r.Method),
		attribute.String("url.path", target.Path),
		attribute.String("tenant.business_unit", tenant.BusinessUnit),
		attribute.String("tenant.country_code", tenant.CountryCode),
		attribute.String("correlation_id", tenant.CorrelationID),
	}
	if principal, ok := domain.PrincipalFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("enduser.id", principal.Subject))
	}
	return telemetry.RedactAttributes(attrs, "enduser.id")
}

func (p *Proxy) do(ctx context.Context, in *http.Request, target string, tenant domain.TenantContext) (*Response, error) {
	body := in.Body
	if in.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.ContentLength = in.ContentLength
	out.Header = outboundHeaders(in, tenant)

	resp, err := p.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(payload)) > p.maxBody {
		return nil, errResponseTooLarge
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)
	return &Response{Status: resp.StatusCode, Header: header, Body: payload}, nil
}

// outboundHeaders copies the inbound headers minus hop-by-hop ones and
// overwrites the tenant headers with the resolved values.
func outboundHeaders(in *http.Request, tenant domain.TenantContext) http.Header {
	h := make(http.Header, len(in.Header)+5)
	copyHeaders(h, in.Header)

	h.Set(HeaderBusinessUnit, tenant.BusinessUnit)
	h.Set(HeaderCountryCode, tenant.CountryCode)
	if tenant.CorrelationID != "" {
		h.Set(HeaderCorrelationID, tenant.CorrelationID)
	}

	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if in.Host != "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return h
}

func (p *Proxy) observe(cb *governance.CircuitBreaker) {
	if p.health == nil {
		return
	}
	switch state := cb.State(); state {
	case governance.StateClosed:
		p.health.SetHealth(cb.Name(), true, "")
	default:
		p.health.SetHealth(cb.Name(), false, "circuit "+string(state))
	}
}

// Serve writes the upstream response to w.
func (r *Response) Serve(w http.ResponseWriter) {
	copyHeaders(w.Header(), r.Header)
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// copyHeaders copies src into dst, skipping hop-by-hop headers and any named in Connection.
func copyHeaders(dst, src http.Header) {
	connection := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connection[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, skip := hopByHop[canonical]; skip {
			continue
		}
		if _, skip := connection[canonical]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
