// Package tracing constructs the engine's OpenTelemetry tracer provider
// (ambient stack, SPEC_FULL.md §A/§B): span instrumentation around C5/C6
// backend calls, adapted from the donor's internal/infrastructure/tracing
// but stripped of the OTLP/gRPC exporter wiring this repository's go.mod
// does not carry — callers inject whatever sdktrace.SpanExporter fits
// their deployment (stdout, OTLP, or none for tests).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps an OpenTelemetry tracer provider scoped to one service.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init builds a Provider for serviceName. exporter may be nil, in which
// case spans are created and ended but never exported — useful for local
// runs and tests that only want span attributes/timing, not a collector.
func Init(serviceName, environment string, exporter sdktrace.SpanExporter) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{sdk: tp, tracer: tp.Tracer(serviceName)}, nil
}

// Shutdown flushes and stops the underlying tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.sdk.Shutdown(ctx)
}

// StartSpan opens a span named name, for instrumenting one persistence or
// query engine operation (spec.md §5 "every backend RPC" is a suspension
// point worth a span boundary).
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Tracer returns the underlying trace.Tracer, for passing to
// engine.WithTracer/query.WithTracer/txn.WithTracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }
