package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Stage names a pipeline stage.
type Stage string

// Pipeline stages in execution order.
const (
	StageTenant    Stage = "tenant"
	StageAuth      Stage = "auth"
	StageAuthorize Stage = "authorize"
	StageRateLimit Stage = "rate_limit"
	StageCache     Stage = "cache"
	StageRoute     Stage = "route"
	StageProxy     Stage = "proxy"
)

// Outcome classifies how a stage finished.
type Outcome string

// Stage outcomes.
const (
	OutcomeContinue    Outcome = "continue"
	OutcomeRejected    Outcome = "rejected"
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeFault       Outcome = "fault"
	OutcomeSuccess     Outcome = "success"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageCounter          metric.Int64Counter
	stageCircuitCounter   metric.Int64Counter
	stageRateLimited      metric.Int64Counter
	stageTimeoutCounter   metric.Int64Counter
	stageLatencyHistogram metric.Float64Histogram
)

// StageMetrics captures the fields needed to record one stage execution.
type StageMetrics struct {
	Stage    Stage
	Outcome  Outcome
	Route    string
	Code     string
	Duration time.Duration
}

// RecordStageMetrics emits counters and a latency histogram for one stage.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", string(m.Stage)),
		attribute.String("stage.outcome", string(m.Outcome)),
		attribute.String("route.name", m.Route),
	}
	if m.Code != "" {
		attrs = append(attrs, attribute.String("error.code", m.Code))
	}

	stageCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch m.Outcome {
	case OutcomeCircuitOpen:
		stageCircuitCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeRateLimited:
		stageRateLimited.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeTimeout:
		stageTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("gateway.pipeline")

		stageCounter, metricsInitErr = meter.Int64Counter(
			"gateway.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageCircuitCounter, metricsInitErr = meter.Int64Counter(
			"gateway.stage.circuit_open_total",
			metric.WithDescription("Requests rejected by an open circuit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageRateLimited, metricsInitErr = meter.Int64Counter(
			"gateway.stage.rate_limited_total",
			metric.WithDescription("Requests denied by the rate limiter"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"gateway.stage.timeout_total",
			metric.WithDescription("Upstream calls that exceeded their deadline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.stage.duration_ms",
			metric.WithDescription("Observed stage latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRejection attaches a rejection event to span. Only the stage and the
// error code are recorded; request credentials never reach the span.
func RecordRejection(span trace.Span, stage Stage, code string, status int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("gateway.rejected", trace.WithAttributes(
		attribute.String("stage.name", string(stage)),
		attribute.String("error.code", code),
		attribute.Int("http.response.status_code", status),
	))
}
