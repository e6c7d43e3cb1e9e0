// Package observability wires distributed tracing. Trace context
// crosses process boundaries as a W3C traceparent string carried on
// queue messages and worker run frames.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kestrelhq/kestrel"

// Init installs the global tracer provider and the W3C propagator. An
// empty endpoint leaves the no-op provider in place; the propagator is
// installed either way so traceparent strings still flow through. The
// returned function flushes and stops the exporter.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if otlpEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the engine's tracer.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// TraceParent serializes the span context in ctx as a W3C traceparent
// string, empty when ctx carries no recording span.
func TraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// WithTraceParent returns ctx extended with the remote span context
// encoded in traceparent. An empty or malformed value leaves ctx as is.
func WithTraceParent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx,
		propagation.MapCarrier{"traceparent": traceparent})
}
