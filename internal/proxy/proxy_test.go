package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/routing"
	"github.com/polisai/polis-gateway/pkg/domain"
)

var tenant = domain.TenantContext{BusinessUnit: "acme", CountryCode: "US", CorrelationID: "corr-1"}

type upstream struct {
	*httptest.Server
	calls atomic.Int32

	mu      sync.Mutex
	last    *http.Request
	body    string
	status  int
	delay   time.Duration
	payload string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{status: http.StatusOK, payload: `{"items":[]}`}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		body, _ := io.ReadAll(r.Body)

		u.mu.Lock()
		u.last = r.Clone(context.Background())
		u.body = string(body)
		status, delay, payload := u.status, u.delay, u.payload
		u.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) set(status int, delay time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.delay = delay
}

func (u *upstream) route(t *testing.T) *routing.Route {
	t.Helper()
	base, err := url.Parse(u.URL)
	require.NoError(t, err)
	return &routing.Route{Name: "customs", Prefix: "/customs", BaseURL: base}
}

type healthLog struct {
	mu      sync.Mutex
	healthy map[string]bool
}

func (h *healthLog) SetHealth(name string, healthy bool, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.healthy == nil {
		h.healthy = map[string]bool{}
	}
	h.healthy[name] = healthy
}

func (h *healthLog) get(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy[name]
}

func newTestProxy(t *testing.T, timeout time.Duration, breaker governance.CircuitBreakerConfig) (*Proxy, *governance.CircuitBreakerManager, *healthLog) {
	t.Helper()
	logger := zerolog.Nop()
	breakers := governance.NewCircuitBreakerManager(breaker, nil)
	health := &healthLog{}
	p, err := New(Config{
		Breakers: breakers,
		Timeouts: governance.NewTimeoutManager(timeout),
		Health:   health,
		Logger:   &logger,
	})
	require.NoError(t, err)
	return p, breakers, health
}

func inbound(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer abc")
	r.Header.Set("X-Business-Unit", "spoofed")
	r.Header.Set("Connection", "keep-alive, X-Debug")
	r.Header.Set("X-Debug", "1")
	return r
}

func TestForwardPropagatesRequest(t *testing.T) {
	up := newUpstream(t)
	p, _, health := newTestProxy(t, time.Second, governance.DefaultCircuitBreakerConfig())

	resp, err := p.Forward(context.Background(), inbound(http.MethodPost, "/customs/mawbs?page=2", `{"n":1}`), up.route(t), tenant)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"items":[]}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Connection"))

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, http.MethodPost, up.last.Method)
	assert.Equal(t, "/mawbs", up.last.URL.Path)
	assert.Equal(t, "page=2", up.last.URL.RawQuery)
	assert.Equal(t, `{"n":1}`, up.body)
	assert.Equal(t, "acme", up.last.Header.Get(HeaderBusinessUnit))
	assert.Equal(t, "US", up.last.Header.Get(HeaderCountryCode))
	assert.Equal(t, "corr-1", up.last.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "Bearer abc", up.last.Header.Get("Authorization"))
	assert.Empty(t, up.last.Header.Get("X-Debug"), "headers named in Connection are hop-by-hop")
	assert.Equal(t, "192.0.2.1", up.last.Header.Get("X-Forwarded-For"))
	assert.True(t, health.get("customs"))
}

func TestForwardOpenCircuitMakesNoNetworkCall(t *testing.T) {
	up := newUpstream(t)
	p, breakers, health := newTestProxy(t, time.Second, governance.CircuitBreakerConfig{WindowSize: 2, MinSamples: 2, CoolDown: time.Hour})
	route := up.route(t)

	up.set(http.StatusInternalServerError, 0)
	for range 2 {
		resp, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/mawbs", ""), route, tenant)
		require.NoError(t, err, "5xx is passed through")
		assert.Equal(t, http.StatusInternalServerError, resp.Status)
	}
	require.Equal(t, governance.StateOpen, breakers.Get("customs").State())
	require.Equal(t, int32(2), up.calls.Load())
	assert.False(t, health.get("customs"))

	up.set(http.StatusOK, 0)
	for range 5 {
		_, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/mawbs", ""), route, tenant)
		var gwErr *domain.GatewayError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, http.StatusServiceUnavailable, gwErr.Status)
		assert.Equal(t, domain.CodeUpstreamUnavailable, gwErr.Code)
	}
	assert.Equal(t, int32(2), up.calls.Load(), "no network call while open")
}

func TestForwardClientErrorsDoNotTripBreaker(t *testing.T) {
	up := newUpstream(t)
	p, breakers, _ := newTestProxy(t, time.Second, governance.CircuitBreakerConfig{WindowSize: 2, MinSamples: 2, CoolDown: time.Hour})
	up.set(http.StatusForbidden, 0)

	for range 4 {
		resp, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/mawbs", ""), up.route(t), tenant)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.Status)
	}
	assert.Equal(t, governance.StateClosed, breakers.Get("customs").State())
	assert.Equal(t, 4, breakers.Get("customs").Stats().TotalSuccesses)
}

func TestForwardTimeout(t *testing.T) {
	up := newUpstream(t)
	p, breakers, _ := newTestProxy(t, 50*time.Millisecond, governance.DefaultCircuitBreakerConfig())
	up.set(http.StatusOK, 2*time.Second)

	start := time.Now()
	_, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/slow", ""), up.route(t), tenant)
	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusGatewayTimeout, gwErr.Status)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, breakers.Get("customs").Stats().TotalFailures)
}

func TestForwardNetworkError(t *testing.T) {
	up := newUpstream(t)
	route := up.route(t)
	up.Close()
	p, breakers, _ := newTestProxy(t, time.Second, governance.DefaultCircuitBreakerConfig())

	_, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/mawbs", ""), route, tenant)
	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.Equal(t, domain.CodeUpstreamFault, gwErr.Code)
	assert.Equal(t, 1, breakers.Get("customs").Stats().TotalFailures)
}

func TestForwardSurvivesClientCancellation(t *testing.T) {
	up := newUpstream(t)
	p, breakers, _ := newTestProxy(t, time.Second, governance.DefaultCircuitBreakerConfig())
	up.set(http.StatusOK, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := p.Forward(ctx, inbound(http.MethodGet, "/customs/mawbs", ""), up.route(t), tenant)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, breakers.Get("customs").Stats().TotalSuccesses)
}

func TestForwardRejectsOversizedBody(t *testing.T) {
	up := newUpstream(t)
	up.payload = strings.Repeat("x", 64)
	logger := zerolog.Nop()
	breakers := governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig(), nil)
	p, err := New(Config{Breakers: breakers, MaxResponseBytes: 16, Logger: &logger})
	require.NoError(t, err)

	_, err = p.Forward(context.Background(), inbound(http.MethodGet, "/customs/big", ""), up.route(t), tenant)
	var gwErr *domain.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadGateway, gwErr.Status)
	assert.Equal(t, 0, breakers.Get("customs").Stats().TotalFailures)
}

func TestResponseServe(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Response{Status: http.StatusCreated, Header: http.Header{"Location": {"/customs/mawbs/1"}}, Body: []byte("ok")}).Serve(rec)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/customs/mawbs/1", rec.Header().Get("Location"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestNewRequiresBreakers(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestForwardSpanMasksSubject(t *testing.T) {
	up := newUpstream(t)
	p, _, _ := newTestProxy(t, time.Second, governance.DefaultCircuitBreakerConfig())
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	p.tracer = tp.Tracer("test")

	ctx := domain.WithPrincipal(context.Background(), &domain.Principal{Subject: "f47ac10b-58cc-4372-a567-0e02b2c3d479"})
	_, err := p.Forward(ctx, inbound(http.MethodGet, "/customs/mawbs", ""), up.route(t), tenant)
	require.NoError(t, err)

	attrs := attribute.NewSet(forwardSpan(t, recorder).Attributes()...)

	subject, ok := attrs.Value("enduser.id")
	require.True(t, ok)
	assert.Equal(t, "f47a***d479", subject.AsString())
	bu, ok := attrs.Value("tenant.business_unit")
	require.True(t, ok)
	assert.Equal(t, "acme", bu.AsString())
	path, ok := attrs.Value("url.path")
	require.True(t, ok)
	assert.Equal(t, "/mawbs", path.AsString())
	status, ok := attrs.Value("http.status_code")
	require.True(t, ok)
	assert.EqualValues(t, http.StatusOK, status.AsInt64())
}

func TestForwardSpanWithoutPrincipal(t *testing.T) {
	up := newUpstream(t)
	p, _, _ := newTestProxy(t, time.Second, governance.DefaultCircuitBreakerConfig())
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	p.tracer = tp.Tracer("test")

	_, err := p.Forward(context.Background(), inbound(http.MethodGet, "/customs/mawbs", ""), up.route(t), tenant)
	require.NoError(t, err)

	_, ok := attribute.NewSet(forwardSpan(t, recorder).Attributes()...).Value("enduser.id")
	assert.False(t, ok)
}

func forwardSpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == "proxy.forward" {
			return span
		}
	}
	t.Fatal("no proxy.forward span recorded")
	return nil
}
