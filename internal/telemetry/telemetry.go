// Package telemetry sets up tracing spans around SCHEDULE_TASK/TASK_DONE
// dispatch and service-manager ticks (SPEC_FULL.md §2, ambient stack),
// carried regardless of spec.md's Non-goals naming no metrics surface —
// the daemon still gets the teacher's observability shape. Grounded on
// the teacher's tracer/meter bootstrap, trimmed to the stdout exporter
// only (no OTLP endpoint is part of this spec).
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/yerba/yerbad"

// Setup installs a stdout-exporting tracer provider as the global
// provider and returns a shutdown function to flush/close it. When w is
// nil, spans are discarded (io.Discard) — the default for tests and for
// operators who haven't asked for trace output.
func Setup(ctx context.Context, w io.Writer) (func(context.Context) error, error) {
	if w == nil {
		w = io.Discard
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("yerbad"),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the package-wide tracer, resolved lazily against
// whatever provider Setup installed (or the no-op default if Setup was
// never called).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
