package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/pkg/mailer"
)

const (
	serviceName              = "mailkit"
	telemetryShutdownTimeout = 5 * time.Second
)

// telemetry holds the OTLP trace and metric providers for one command run.
// A nil *telemetry means export is disabled.
type telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// setupTelemetry builds OTLP/gRPC exporters when an endpoint is configured.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, err
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		),
	}, nil
}

// instrument wraps m with spans and metrics when export is enabled.
func (t *telemetry) instrument(m mailer.Mailer) (mailer.Mailer, error) {
	if t == nil {
		return m, nil
	}
	in, err := mailer.Instrument(m, mailer.InstrumentConfig{
		TracerProvider: t.tracerProvider,
		MeterProvider:  t.meterProvider,
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// shutdown flushes pending spans and metrics.
func (t *telemetry) shutdown(ctx context.Context) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
	defer cancel()

	if err := errors.Join(t.tracerProvider.Shutdown(ctx), t.meterProvider.Shutdown(ctx)); err != nil {
		slog.Warn("failed to flush telemetry", "error", err)
	}
}
