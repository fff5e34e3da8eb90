// Package observability provides OpenTelemetry tracing and metrics for
// command processing, with backend-agnostic configuration.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MeterName names the meter all instruments are created on.
const MeterName = "github.com/plaenen/commandcore"

// Config configures the observability stack
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives spans. Nil disables tracing.
	TraceExporter sdktrace.SpanExporter
	// TraceSampleRate is between 0 and 1.
	TraceSampleRate float64
	// SyncExport exports spans as they end instead of batching.
	SyncExport bool

	// MetricReader collects metrics. Nil keeps the instruments but drops
	// their data.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry manages the observability stack
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
}

// Init initializes OpenTelemetry and registers the providers globally.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "commandcore"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			spanProcessor(cfg),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", slog.String("service", cfg.ServiceName))
	} else {
		tel.TracerProvider = noop.NewTracerProvider()
		cfg.Logger.Debug("tracing disabled (no exporter configured)")
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	tel.MeterProvider = mp
	tel.shutdown = append(tel.shutdown, mp.Shutdown)
	if cfg.MetricReader != nil {
		otel.SetMeterProvider(mp)
		cfg.Logger.Info("metrics initialized", slog.String("service", cfg.ServiceName))
	}

	tel.Metrics, err = NewMetrics(mp.Meter(MeterName))
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	return tel, nil
}

func spanProcessor(cfg Config) sdktrace.TracerProviderOption {
	if cfg.SyncExport {
		return sdktrace.WithSyncer(cfg.TraceExporter)
	}
	return sdktrace.WithBatcher(cfg.TraceExporter)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Observer returns a command service observer feeding t's metrics.
func (t *Telemetry) Observer() *Observer {
	return NewObserver(t.Metrics)
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range t.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracer returns a tracer for the given name
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}
