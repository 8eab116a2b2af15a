// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the enrichment instruments.
package telemetry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes every tracer and meter in this module.
const InstrumentationName = "issuer-enrichment"

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer and meter providers. An empty endpoint
// leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create resource")
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create trace exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: create metric exporter")
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for this module.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Metrics holds the job and stage instruments.
type Metrics struct {
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	completed, err := meter.Int64Counter("enrichment.jobs.completed",
		metric.WithDescription("Jobs that finished with status done"))
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: jobs completed counter")
	}
	failed, err := meter.Int64Counter("enrichment.jobs.failed",
		metric.WithDescription("Jobs that finished with status failed"))
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: jobs failed counter")
	}
	duration, err := meter.Float64Histogram("enrichment.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, eris.Wrap(err, "telemetry: stage duration histogram")
	}
	return &Metrics{jobsCompleted: completed, jobsFailed: failed, stageDuration: duration}, nil
}

// DefaultMetrics builds Metrics on the global meter, falling back to no-op
// instruments if registration fails.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(Meter(InstrumentationName))
	if err != nil {
		return &Metrics{}
	}
	return m
}

// JobFinished counts a terminal job outcome.
func (m *Metrics) JobFinished(ctx context.Context, provider string, failed bool, errKind string) {
	if m == nil {
		return
	}
	if failed {
		if m.jobsFailed != nil {
			m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("error_kind", errKind),
			))
		}
		return
	}
	if m.jobsCompleted != nil {
		m.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// StageDone records one stage's latency.
func (m *Metrics) StageDone(ctx context.Context, stage, provider string, elapsed time.Duration, ok bool) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("provider", provider),
		attribute.Bool("ok", ok),
	))
}
