package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordStageMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		resetMetrics()
	})

	resetMetrics()

	RecordStageMetrics(ctx, StageMetrics{
		Stage:    StageProxy,
		Outcome:  OutcomeTimeout,
		Route:    "customs",
		Code:     "UPSTREAM_TIMEOUT",
		Duration: 150 * time.Millisecond,
	})
	RecordStageMetrics(ctx, StageMetrics{
		Stage:   StageRateLimit,
		Outcome: OutcomeRateLimited,
		Route:   "customs",
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	exec, ok := metrics["gateway.stage.executions_total"]
	if !ok {
		t.Fatalf("missing gateway.stage.executions_total metric")
	}
	execData, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(execData.DataPoints))
	}
	for _, dp := range execData.DataPoints {
		if value, ok := dp.Attributes.Value(attribute.Key("route.name")); !ok || value.AsString() != "customs" {
			t.Fatalf("expected route.name customs, got %v", value)
		}
	}

	timeouts, ok := metrics["gateway.stage.timeout_total"]
	if !ok {
		t.Fatalf("missing gateway.stage.timeout_total metric")
	}
	if v := timeouts.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 1 {
		t.Fatalf("expected timeout count 1, got %d", v)
	}

	limited, ok := metrics["gateway.stage.rate_limited_total"]
	if !ok {
		t.Fatalf("missing gateway.stage.rate_limited_total metric")
	}
	if v := limited.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 1 {
		t.Fatalf("expected rate limited count 1, got %d", v)
	}

	hist, ok := metrics["gateway.stage.duration_ms"]
	if !ok {
		t.Fatalf("missing gateway.stage.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if len(histData.DataPoints) != 1 {
		t.Fatalf("expected only the timed stage in the histogram, got %d points", len(histData.DataPoints))
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordRejection(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "gateway")
	RecordRejection(span, StageAuth, "TOKEN_EXPIRED", 401)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 rejection event, got %d", len(events))
	}
	if events[0].Name != "gateway.rejected" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value("stage.name"); !ok || value.AsString() != "auth" {
		t.Fatalf("expected stage.name auth, got %v", value)
	}
	if value, ok := attrs.Value("error.code"); !ok || value.AsString() != "TOKEN_EXPIRED" {
		t.Fatalf("expected error.code TOKEN_EXPIRED, got %v", value)
	}
	if value, ok := attrs.Value("http.response.status_code"); !ok || value.AsInt64() != 401 {
		t.Fatalf("expected status 401, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
