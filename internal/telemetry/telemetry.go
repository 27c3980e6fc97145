// Package telemetry wires up OpenTelemetry tracing for the daemon: a
// span per HTTP request and per long-running component operation,
// exported over OTLP/gRPC when an endpoint is configured and a no-op
// tracer provider otherwise.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/banksean/quilt"

// Init configures the global tracer provider. With an empty endpoint it
// installs otel's default no-op provider (Tracer calls are then free)
// so every call site can unconditionally start spans without a config
// check of its own.
func Init(ctx context.Context, endpoint, serviceName string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.InfoContext(ctx, "telemetry: otlp exporter configured", "endpoint", endpoint)

	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer; every component calls this
// rather than holding its own handle so Init's provider swap applies
// retroactively.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
