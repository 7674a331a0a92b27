// Package telemetry wires the OpenTelemetry SDK behind the telemetry.enabled
// switch. Exporters write to stdout: the point is making enforcement spans
// inspectable during policy debugging without standing up a collector. The
// Prometheus registry on /metrics remains the operational signal.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/tame-ai/tame"

// Provider owns the trace and metric providers for one process. It must be
// shut down before exit so batched spans are flushed.
type Provider struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
}

type settings struct {
	out            io.Writer
	metricInterval time.Duration
}

// Option adjusts telemetry setup.
type Option func(*settings)

// WithWriter redirects both exporters away from stdout.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.out = w }
}

// WithMetricInterval overrides the periodic reader interval.
func WithMetricInterval(d time.Duration) Option {
	return func(s *settings) { s.metricInterval = d }
}

// Setup initializes stdout-exporting trace and metric providers and installs
// them as the process globals.
func Setup(ctx context.Context, version string, logger *slog.Logger, opts ...Option) (*Provider, error) {
	s := settings{out: os.Stdout, metricInterval: time.Minute}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("tame"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build otel resource: %w", err)
	}

	traceExp, err := stdouttrace.New(
		stdouttrace.WithWriter(s.out),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)

	metricExp, err := stdoutmetric.New(
		stdoutmetric.WithEncoder(json.NewEncoder(s.out)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(s.metricInterval),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{
		tp:     tp,
		mp:     mp,
		tracer: tp.Tracer(scopeName, trace.WithInstrumentationVersion(version)),
	}
	if err := p.registerRuntimeMetrics(); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "telemetry enabled", "exporter", "stdout")
	return p, nil
}

// registerRuntimeMetrics publishes coarse process gauges on the periodic
// reader so span output and process health land in the same stream.
func (p *Provider) registerRuntimeMetrics() error {
	meter := p.mp.Meter(scopeName)
	start := time.Now()

	_, err := meter.Int64ObservableGauge("tame.uptime",
		metric.WithDescription("Seconds since the server started"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(time.Since(start).Seconds()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register uptime gauge: %w", err)
	}

	_, err = meter.Int64ObservableGauge("tame.goroutines",
		metric.WithDescription("Live goroutine count"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register goroutine gauge: %w", err)
	}
	return nil
}

// Tracer returns the tracer handed to the HTTP layer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}
