// Package telemetry provides OpenTelemetry distributed tracing for
// pixelsync. It instruments the ingestion pipeline with spans for each
// stage, supports W3C Trace Context propagation, and exports to OTLP
// or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kaelstrom/pixelsync"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	// 1.0 = sample everything, 0.1 = sample 10%.
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "pixelsync",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes pixelsync-specific helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		// Return a no-op provider
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.2.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the pixelsync tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for pipeline stages ---

// StartRequest creates a root span for an incoming HTTP request.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.request",
		trace.WithAttributes(attribute.String("pixelsync.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartScan creates a span for the IO Scanner stage.
func (p *Provider) StartScan(ctx context.Context, source string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.scan",
		trace.WithAttributes(attribute.String("pixelsync.scan.source", source)),
	)
}

// StartHash creates a span for the CPU Processor stage.
func (p *Provider) StartHash(ctx context.Context, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.hash",
		trace.WithAttributes(attribute.String("pixelsync.hash.path", path)),
	)
}

// StartCacheLookup creates a span for a dedup cache lookup.
func (p *Provider) StartCacheLookup(ctx context.Context, collection, hash string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.cache.lookup",
		trace.WithAttributes(
			attribute.String("pixelsync.cache.collection", collection),
			attribute.String("pixelsync.cache.hash", hash),
		),
	)
}

// StartMLBatch creates a span for a GPU Worker batch call to the ML service.
func (p *Provider) StartMLBatch(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.ml_batch",
		trace.WithAttributes(attribute.Int("pixelsync.ml_batch.size", batchSize)),
	)
}

// StartUpsert creates a span for a DB Upserter bulk write.
func (p *Provider) StartUpsert(ctx context.Context, collection string, batchSize int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pixelsync.upsert",
		trace.WithAttributes(
			attribute.String("pixelsync.upsert.collection", collection),
			attribute.Int("pixelsync.upsert.batch_size", batchSize),
		),
	)
}

// RecordJobResult adds terminal job-outcome attributes to a span.
func RecordJobResult(span trace.Span, processed, failed, fromCache int, latency time.Duration) {
	span.SetAttributes(
		attribute.Int("pixelsync.job.processed", processed),
		attribute.Int("pixelsync.job.failed", failed),
		attribute.Int("pixelsync.job.from_cache", fromCache),
		attribute.Int64("pixelsync.job.latency_ms", latency.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
