package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/odvcencio/quarry"

// TracerProvider holds the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider creates a tracer provider exporting spans to w and installs
// it globally.
func NewTracerProvider(w io.Writer) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes pending spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the quarry tracer. Without a configured provider this is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span with the given name
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}

// Attribute keys used across quarry spans.
var (
	AttrRunID     = attribute.Key("quarry.run.id")
	AttrQueryHash = attribute.Key("quarry.query.hash")
	AttrIteration = attribute.Key("quarry.iteration")
	AttrToolName  = attribute.Key("quarry.tool.name")
	AttrTaskID    = attribute.Key("quarry.task.id")
	AttrStrategy  = attribute.Key("quarry.context.strategy")
	AttrStatus    = attribute.Key("quarry.status")
)
