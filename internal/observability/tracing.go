package observability

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TraceConfig configures SetupTracing. With neither Endpoint nor Exporter
// set, tracing stays off. SampleRate zero means sample everything.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC, e.g. localhost:4317
	Insecure       bool
	SampleRate     float64
	Attributes     map[string]string

	// Exporter replaces the OTLP exporter, mostly for tests.
	Exporter sdktrace.SpanExporter
}

// SetupTracing installs the global tracer provider and W3C propagators and
// returns the provider's shutdown. When tracing is off nothing global is
// touched and the returned shutdown is a no-op.
func SetupTracing(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	exporter := cfg.Exporter
	if exporter == nil && cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if exporter == nil {
		var err error
		if exporter, err = otlpExporter(ctx, cfg); err != nil {
			return nil, err
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(traceResource(cfg)),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

func otlpExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	return exp, nil
}

func traceResource(cfg TraceConfig) *resource.Resource {
	name := cfg.ServiceName
	if name == "" {
		name = "steward"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Attributes)) {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	own := resource.NewWithAttributes(semconv.SchemaURL, attrs...)
	// Merge fails only on a schema URL conflict with the SDK default.
	if merged, err := resource.Merge(resource.Default(), own); err == nil {
		return merged
	}
	return own
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
