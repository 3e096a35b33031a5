// Package telemetry provides OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects where spans go. An empty Endpoint disables export.
type Config struct {
	ServiceName string
	Version     string
	Endpoint    string
}

// Setup installs a global tracer provider exporting to cfg.Endpoint over
// OTLP/HTTP. With no endpoint it returns a no-op shutdown and leaves the
// global provider alone. The shutdown function flushes pending spans.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}
	tp, err := NewTracerProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return noop, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}

// NewTracerProvider builds a provider tagged with the service resource.
func NewTracerProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...), nil
}
