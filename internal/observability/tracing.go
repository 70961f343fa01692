// Package observability provides logging, OpenTelemetry tracing and an edit
// audit trail for katbot.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// TracerName names the instrumentation scope of every katbot span.
const TracerName = "github.com/efebarandurmaz/katbot"

// TracingConfig selects where spans go. An empty OTLPEndpoint leaves the
// global no-op provider in place.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	RunID          string // attached to the resource so one run's spans group together
}

// DefaultTracingConfig samples everything and exports nowhere.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "katbot",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider owns the SDK provider when one was installed.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing installs a batching OTLP exporter as the global provider.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName+"/"+cfg.ServiceVersion)),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.OTLPEndpoint, err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.RunID != "" {
		attrs = append(attrs, attribute.String("katbot.run_id", cfg.RunID))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes buffered spans. It is a no-op without an exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartStageSpan opens a span for one step of a run, e.g. "closure.build"
// or "classify.biography".
func StartStageSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, stage, trace.SpanKindInternal,
		append([]attribute.KeyValue{attribute.String("katbot.stage", stage)}, attrs...)...)
}

// StartStoreSpan opens a client span named "store.<op>".
func StartStoreSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return startSpan(ctx, "store."+op, trace.SpanKindClient,
		attribute.String("katbot.store.backend", backend),
		attribute.String("katbot.store.op", op),
	)
}

// StartWikiSpan opens a client span named "wiki.<action>". page may be empty.
func StartWikiSpan(ctx context.Context, action, page string) (context.Context, trace.Span) {
	return startSpan(ctx, "wiki."+action, trace.SpanKindClient,
		attribute.String("wiki.action", action),
		attribute.String("wiki.page", page),
	)
}

// RecordPublishResult tags a report.publish span with what was written.
func RecordPublishResult(span trace.Span, page string, count int, skipped bool) {
	span.SetAttributes(
		attribute.String("report.page", page),
		attribute.Int("report.count", count),
		attribute.Bool("report.skipped", skipped),
	)
}

// RecordError marks span as failed. A nil err leaves it untouched.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
