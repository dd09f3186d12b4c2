package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("customs", "GET", "200", StageProxy, 20*time.Millisecond)
	m.RecordRequest("", "GET", "404", StageRoute, time.Millisecond)
	m.RecordAuthFailure("TOKEN_EXPIRED")
	m.RecordRateLimited("after_auth")
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.SetCircuitState("customs", 2)
	m.RecordUpstreamFailure("customs", "timeout")
	m.RecordJWKSRefresh(false)
	m.RecordConfigReload("success")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("customs", "GET", "200", "proxy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("unmatched", "GET", "404", "route")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("customs")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jwksRefreshes.WithLabelValues("error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_auth_failures_total{code=\"TOKEN_EXPIRED\"} 1")
	assert.Contains(t, string(body), "gateway_upstream_failures_total{kind=\"timeout\",upstream=\"customs\"} 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("r", "GET", "200", StageProxy, time.Millisecond)
		m.RecordAuthFailure("x")
		m.RecordCacheLookup(true)
		m.SetCircuitState("u", 0)
	})
}
