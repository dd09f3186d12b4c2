package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	Headers        map[string]string
	ResourceTags   map[string]string
}

// SetupProvider installs the process-wide tracer provider and W3C propagators.
// Without an endpoint only the propagators are installed and the returned
// shutdown is a no-op. Callers invoke shutdown during graceful termination to
// flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // surfaces dial errors without grpc.WithBlock
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(resourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(256), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = "polis-gateway"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// RedactAttributes drops credential-bearing attributes before export and masks
// the values named in mask. Keys in the default deny-list are always removed.
func RedactAttributes(attrs []attribute.KeyValue, mask ...string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	dropKeys := map[string]struct{}{
		"http.request.header.authorization": {},
		"http.request.header.cookie":        {},
		"http.response.header.set_cookie":   {},
		"request.body":                      {},
		"response.body":                     {},
	}
	maskKeys := make(map[string]struct{}, len(mask))
	for _, key := range mask {
		maskKeys[strings.ToLower(key)] = struct{}{}
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := strings.ToLower(string(kv.Key))
		if _, drop := dropKeys[key]; drop {
			continue
		}
		if _, masked := maskKeys[key]; masked {
			redacted = append(redacted, attribute.String(string(kv.Key), maskValue(kv.Value.Emit())))
			continue
		}
		redacted = append(redacted, kv)
	}

	return redacted
}

// maskValue keeps the first and last four characters (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}
