// Package tracing wires up the OpenTelemetry SDK tracer provider the broker
// package's header carrier (internal/broker/tracing.go) propagates through.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Shutdown flushes and tears down the tracer provider. It is a no-op when
// tracing was never initialized (OTEL_EXPORTER_OTLP_ENDPOINT unset).
type Shutdown func(ctx context.Context) error

// Init registers a global TracerProvider exporting spans over OTLP/gRPC and
// the W3C trace-context propagator. The consumers start no spans of their
// own, and nothing publishes or reads trace headers through
// broker.InjectTraceContext/ExtractTraceContext. Returns a no-op shutdown
// when OTEL_EXPORTER_OTLP_ENDPOINT is unset, since most deployments of this
// worker run without a collector.
func Init(serviceName string, log *slog.Logger) (Shutdown, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info("tracing initialized", slog.String("endpoint", endpoint))

	return func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}, nil
}
