// Package telemetry wires OpenTelemetry tracing for the orchestration
// core. Spans are emitted around step execution, worker spawns, and
// resets; the exporter is selected by configuration.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const serviceName = "skillforge"

// Exporter selects where spans go.
type Exporter string

const (
	// ExporterNone disables tracing; the global provider stays noop.
	ExporterNone Exporter = ""
	// ExporterStdout writes spans to the given writer, for local
	// debugging.
	ExporterStdout Exporter = "stdout"
	// ExporterOTLP ships spans to an OTLP/gRPC collector.
	ExporterOTLP Exporter = "otlp"
)

// Options configures Setup.
type Options struct {
	Exporter Exporter
	// Endpoint is the collector address for ExporterOTLP.
	Endpoint string
	// Writer receives spans for ExporterStdout. Defaults to discarding
	// when nil, which keeps stdout clean for the host application.
	Writer io.Writer
}

// Setup installs a global tracer provider per the options and returns a
// shutdown function that flushes pending spans. With ExporterNone it
// returns a no-op shutdown and leaves the noop provider in place.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch opts.Exporter {
	case ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		w := opts.Writer
		if w == nil {
			w = io.Discard
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
