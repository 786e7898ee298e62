package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the trace, metric, and log providers installed by Setup.
// Callers keep it around so Shutdown can flush the batchers on exit.
type Telemetry struct {
	traces  *trace.TracerProvider
	meters  *sdkmetric.MeterProvider
	loggers *sdklog.LoggerProvider
}

// Setup installs the full OTel pipeline: spans and log records go to stdout
// exporters (this is a debugging aid for local runs, not a collector path),
// metrics go to the shared prometheus registry. The run engine's instruments
// are bound to the new meter provider as part of setup, so a process uses
// either Setup or InitMetrics, never both.
func Setup(serviceName, serviceVersion string) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spanExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(spanExp),
		trace.WithResource(res),
	)

	promReader, err := prometheus.New()
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("prometheus reader: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promReader),
		sdkmetric.WithResource(res),
	)
	if err := GetGlobalMetrics().InitMetrics(mp.Meter(serviceName)); err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("bind instruments: %w", err)
	}

	logExp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return &Telemetry{traces: tp, meters: mp, loggers: lp}, nil
}

// Shutdown flushes all three providers. Every provider gets a shutdown
// attempt even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.traces.Shutdown(ctx),
		t.meters.Shutdown(ctx),
		t.loggers.Shutdown(ctx),
	)
}

// GetMeter returns a meter from the globally installed provider.
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the globally installed provider.
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
