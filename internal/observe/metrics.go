// Package observe provides application-wide observability primitives for
// Relaydial: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Relaydial metrics.
const meterName = "github.com/relaydial/relaydial"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Bridge latency histograms (per conversation turn) ---

	// TurnDuration tracks total turn time: caller speech stop → response done.
	TurnDuration metric.Float64Histogram

	// TimeToFirstAudio tracks speech stop → first synthesised audio chunk.
	TimeToFirstAudio metric.Float64Histogram

	// ResponseStreamDuration tracks first → last audio chunk of a response.
	ResponseStreamDuration metric.Float64Histogram

	// --- Job counters ---

	// JobsProcessed counts finished jobs. Use with attributes:
	//   attribute.String("family", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// CallsPlaced counts outbound call initiations. Use with attribute:
	//   attribute.String("status", ...)
	CallsPlaced metric.Int64Counter

	// TranscriptsWritten counts persisted transcript entries. Use with
	// attribute: attribute.String("role", ...)
	TranscriptsWritten metric.Int64Counter

	// --- Error counters ---

	// BridgeErrors counts media-bridge failures. Use with attribute:
	//   attribute.String("stage", ...)
	BridgeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveWorkers tracks the number of workers currently running a job.
	ActiveWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("relaydial.bridge.turn.duration",
		metric.WithDescription("Total conversation turn time from speech stop to response done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("relaydial.bridge.first_audio.duration",
		metric.WithDescription("Time from caller speech stop to first synthesised audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseStreamDuration, err = m.Float64Histogram("relaydial.bridge.stream.duration",
		metric.WithDescription("Duration of one response's audio stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsProcessed, err = m.Int64Counter("relaydial.jobs.processed",
		metric.WithDescription("Total finished jobs by family and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsPlaced, err = m.Int64Counter("relaydial.calls.placed",
		metric.WithDescription("Total outbound call initiations by status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsWritten, err = m.Int64Counter("relaydial.transcripts.written",
		metric.WithDescription("Total persisted transcript entries by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BridgeErrors, err = m.Int64Counter("relaydial.bridge.errors",
		metric.WithDescription("Total media-bridge failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("relaydial.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("relaydial.active_workers",
		metric.WithDescription("Number of workers currently running a job."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("relaydial.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordJobProcessed records a finished job with the standard attribute set.
func (m *Metrics) RecordJobProcessed(ctx context.Context, family, status string) {
	m.JobsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("family", family),
			attribute.String("status", status),
		),
	)
}

// RecordCallPlaced records an outbound call initiation.
func (m *Metrics) RecordCallPlaced(ctx context.Context, status string) {
	m.CallsPlaced.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranscript records a persisted transcript entry.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.TranscriptsWritten.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordBridgeError records a media-bridge failure at the given stage.
func (m *Metrics) RecordBridgeError(ctx context.Context, stage string) {
	m.BridgeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
