// Package observer provides observability for conduct workflow runs.
//
// Two sinks are supported. OTEL: Init configures trace and metric providers
// with OTLP HTTP exporters (standard OTEL env vars apply) and NewTracer
// returns a conduct.Tracer that emits run and step spans. Prometheus: a
// Metrics value adapts engine status events into pull-style counters served
// by the monitor endpoint.
package observer

import (
	"context"
	"errors"

	conduct "github.com/armadha/conduct"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/armadha/conduct/observer"

// Instruments holds the OTEL instruments fed by workflow runs.
type Instruments struct {
	StepsStarted   metric.Int64Counter
	StepsSucceeded metric.Int64Counter
	StepsFailed    metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("conduct")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	stepsStarted, err := meter.Int64Counter("workflow.steps.started",
		metric.WithDescription("Step executions started"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepsSucceeded, err := meter.Int64Counter("workflow.steps.succeeded",
		metric.WithDescription("Step executions that succeeded"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepsFailed, err := meter.Int64Counter("workflow.steps.failed",
		metric.WithDescription("Step executions that failed"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("Wall-clock duration of workflow runs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		StepsStarted:   stepsStarted,
		StepsSucceeded: stepsSucceeded,
		StepsFailed:    stepsFailed,
		RunDuration:    runDuration,
	}, nil
}

// StatusFunc adapts the instruments into an engine status callback.
func (in *Instruments) StatusFunc() conduct.StatusFunc {
	return func(step string, status conduct.StepStatus) {
		ctx := context.Background()
		switch status {
		case conduct.StatusRunning:
			in.StepsStarted.Add(ctx, 1)
		case conduct.StatusSucceeded:
			in.StepsSucceeded.Add(ctx, 1)
		case conduct.StatusFailed:
			in.StepsFailed.Add(ctx, 1)
		}
	}
}
