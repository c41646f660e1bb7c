package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// =============================================================================
// TRACING
// =============================================================================

// Run-scoped resource attributes. They ride on every span of the run, so a
// collector can slice traces by simulation shape without opening spans.

// RunMode records whether the run is sequential or partitioned.
func RunMode(mode string) attribute.KeyValue {
	return attribute.String("simulation.run_mode", mode)
}

// RunRounds records how many rounds the run is configured for.
func RunRounds(rounds int) attribute.KeyValue {
	return attribute.Int("simulation.rounds", rounds)
}

// RunSeed records the base seed, so a trace can be replayed exactly.
func RunSeed(seed int64) attribute.KeyValue {
	return attribute.Int64("simulation.seed", seed)
}

// InitTracer points the global OpenTelemetry tracer at an OTLP/gRPC
// collector and returns the provider's shutdown function; call it on exit or
// the last batch of spans is dropped. Extra attributes (RunMode, RunRounds,
// RunSeed) become resource attributes on every span of the run.
func InitTracer(ctx context.Context, serviceName, endpoint string, attrs ...attribute.KeyValue) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // in-cluster collector
	)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	// Simulation runs are finite, so full sampling stays affordable.
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(runResource(serviceName, attrs...)),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// runResource describes the process to the collector: service identity plus
// whatever run-scoped attributes the caller adds.
func runResource(serviceName string, attrs ...attribute.KeyValue) *resource.Resource {
	base := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion("1.0.0"),
	}
	return resource.NewWithAttributes(semconv.SchemaURL, append(base, attrs...)...)
}
