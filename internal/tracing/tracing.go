// Package tracing wires OpenTelemetry tracing for feedmirror.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// EnvEnabled switches tracing on when set to "true".
const EnvEnabled = "FEEDMIRROR_OTEL_ENABLED"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// GetConfig reads tracing configuration from the environment.
// OTEL_EXPORTER_OTLP_ENDPOINT defaults to "localhost:4317".
func GetConfig(serviceName string) Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	return Config{
		Enabled:     strings.EqualFold(strings.TrimSpace(os.Getenv(EnvEnabled)), "true"),
		Endpoint:    endpoint,
		ServiceName: serviceName,
	}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Initialize sets up the OTLP exporter and the global tracer provider.
// When tracing is disabled it returns a no-op tracer.
func Initialize(ctx context.Context, cfg Config, logger *slog.Logger) (trace.Tracer, ShutdownFunc, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	logger.Info("initializing tracing", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
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

	shutdown := func(ctx context.Context) error {
		logger.Info("shutting down tracer provider")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName), shutdown, nil
}

// Noop returns a tracer that records nothing.
func Noop(name string) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name)
}
