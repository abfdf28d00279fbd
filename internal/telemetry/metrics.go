package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/modpack"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Build metrics
	BuildsTotal        metric.Int64Counter
	BuildErrorsTotal   metric.Int64Counter
	BuildDuration      metric.Float64Histogram
	ModulesTransformed metric.Int64Counter
	ModulesReused      metric.Int64Counter
	ChunksEmitted      metric.Int64Counter

	// Dev server metrics
	ActiveClients     metric.Int64UpDownCounter
	PushMessagesTotal metric.Int64Counter
	WatchEventsTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer used for build spans
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.BuildsTotal, _ = meter.Int64Counter(
		"modpack.builds.total",
		metric.WithDescription("Total number of builds started"),
		metric.WithUnit("{build}"),
	)

	m.BuildErrorsTotal, _ = meter.Int64Counter(
		"modpack.builds.errors.total",
		metric.WithDescription("Total number of failed builds"),
		metric.WithUnit("{error}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"modpack.builds.duration",
		metric.WithDescription("Duration of builds"),
		metric.WithUnit("ms"),
	)

	m.ModulesTransformed, _ = meter.Int64Counter(
		"modpack.modules.transformed.total",
		metric.WithDescription("Total number of modules run through the loader pipeline"),
		metric.WithUnit("{module}"),
	)

	m.ModulesReused, _ = meter.Int64Counter(
		"modpack.modules.reused.total",
		metric.WithDescription("Total number of modules carried over by incremental rebuilds"),
		metric.WithUnit("{module}"),
	)

	m.ChunksEmitted, _ = meter.Int64Counter(
		"modpack.chunks.emitted.total",
		metric.WithDescription("Total number of chunks produced"),
		metric.WithUnit("{chunk}"),
	)

	m.ActiveClients, _ = meter.Int64UpDownCounter(
		"modpack.devserver.clients.active",
		metric.WithDescription("Number of connected dev server clients"),
		metric.WithUnit("{client}"),
	)

	m.PushMessagesTotal, _ = meter.Int64Counter(
		"modpack.devserver.push.total",
		metric.WithDescription("Total number of messages pushed to dev server clients"),
		metric.WithUnit("{message}"),
	)

	m.WatchEventsTotal, _ = meter.Int64Counter(
		"modpack.watch.events.total",
		metric.WithDescription("Total number of file system change batches observed"),
		metric.WithUnit("{event}"),
	)

	return m
}
