// Package tracing holds the process-wide tracer and span helpers. Until
// SetTracer is called, StartSpan is a no-op passthrough so code paths that run
// before bootstrap (or in tests) never need a tracer wired.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer installs the tracer used by StartSpan
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a span with the given name, or returns the context
// unchanged when no tracer is installed.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name)
}

// GetTraceID returns the active trace id, or "" outside a recorded trace
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
