package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/taku/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter is disabled.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(cfg.Telemetry, res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}

	return shutdown, metricHandler, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	if cfg.StdoutTraces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

func initMetrics(cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	if !cfg.PrometheusEnabled {
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.Handler()
}
