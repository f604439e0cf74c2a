// Package trace provides tracing capabilities for OpenRLE.
// It integrates the OpenTelemetry SDK to create spans around stage setup,
// gradient updates, checkpointing, and evaluation.
package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ============================================================================
// Tracer Interface
// ============================================================================

// Tracer defines the tracing interface used by the engine
type Tracer interface {
	// Start creates a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// Shutdown gracefully shuts down the tracer
	Shutdown(ctx context.Context) error
}

// ============================================================================
// OpenTelemetry Tracer Implementation
// ============================================================================

// OtelTracer wraps an OpenTelemetry tracer provider
type OtelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// TracerConfig defines tracer configuration
type TracerConfig struct {
	// Service name recorded on every span
	ServiceName string

	// Sampling ratio in [0,1]; 0 disables recording
	SampleRatio float64
}

// NewTracer returns an SDK-backed tracer when enabled, the noop tracer
// otherwise. This is the config-driven entry point.
func NewTracer(enabled bool, cfg TracerConfig) Tracer {
	if !enabled {
		return NewNoopTracer()
	}
	return NewOtelTracer(cfg)
}

// NewOtelTracer creates a tracer backed by the OpenTelemetry SDK. Span
// processors/exporters can be attached to the returned provider by callers
// that need them; by default spans are sampled but not exported.
func NewOtelTracer(cfg TracerConfig) *OtelTracer {
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
	return &OtelTracer{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
	}
}

// Start creates a new span
func (t *OtelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown gracefully shuts down the tracer provider
func (t *OtelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// ============================================================================
// No-op Tracer
// ============================================================================

// NoopTracer discards all spans
type NoopTracer struct {
	tracer trace.Tracer
}

// NewNoopTracer creates a tracer that records nothing
func NewNoopTracer() *NoopTracer {
	return &NoopTracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Start creates a no-op span
func (t *NoopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Shutdown is a no-op
func (t *NoopTracer) Shutdown(ctx context.Context) error {
	return nil
}

// ============================================================================
// Span Attribute Helpers
// ============================================================================

// IntAttr creates an integer span attribute
func IntAttr(key string, val int) attribute.KeyValue {
	return attribute.Int(key, val)
}

// Int64Attr creates an int64 span attribute
func Int64Attr(key string, val int64) attribute.KeyValue {
	return attribute.Int64(key, val)
}

// StringAttr creates a string span attribute
func StringAttr(key, val string) attribute.KeyValue {
	return attribute.String(key, val)
}

// WithAttributes wraps attributes as a span start option
func WithAttributes(attrs ...attribute.KeyValue) trace.SpanStartOption {
	return trace.WithAttributes(attrs...)
}

//Personal.AI order the ending
