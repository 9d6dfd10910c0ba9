// Package observe provides application-wide observability primitives for
// Tolkbrug: OpenTelemetry metrics and the Prometheus exporter bridge.
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

// meterName is the instrumentation scope name used for all Tolkbrug metrics.
const meterName = "github.com/hvanleeuwen/tolkbrug"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency (one-shot calls).
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks text translation latency.
	TranslateDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PipelineDuration tracks the full translate→synthesize pass per final
	// transcript.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// EngineRequests counts engine API calls. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	EngineRequests metric.Int64Counter

	// Broadcasts counts listener broadcasts. Use with attribute:
	//   attribute.String("kind", "audio"|"fallback")
	Broadcasts metric.Int64Counter

	// DroppedFrames counts audio frames dropped by queue overflow.
	DroppedFrames metric.Int64Counter

	// ModeSwitches counts processing mode transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	ModeSwitches metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// CacheLookups counts translation cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// --- Gauges ---

	// ActiveListeners tracks connected listener sockets across all streams.
	ActiveListeners metric.Int64UpDownCounter

	// ActiveSessions tracks live streaming recognition sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("tolkbrug.stt.duration",
		metric.WithDescription("Latency of one-shot speech recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = m.Float64Histogram("tolkbrug.translate.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("tolkbrug.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("tolkbrug.pipeline.duration",
		metric.WithDescription("Full translate→synthesize latency per final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EngineRequests, err = m.Int64Counter("tolkbrug.engine.requests",
		metric.WithDescription("Total engine API requests by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("tolkbrug.broadcasts",
		metric.WithDescription("Total listener broadcasts by payload kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("tolkbrug.dropped_frames",
		metric.WithDescription("Audio frames dropped due to queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.ModeSwitches, err = m.Int64Counter("tolkbrug.mode_switches",
		metric.WithDescription("Processing mode transitions by direction."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("tolkbrug.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("tolkbrug.cache.lookups",
		metric.WithDescription("Translation cache lookups by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveListeners, err = m.Int64UpDownCounter("tolkbrug.active_listeners",
		metric.WithDescription("Connected listener sockets across all streams."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("tolkbrug.active_sessions",
		metric.WithDescription("Live streaming recognition sessions."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEngineRequest records an engine request counter increment with the
// standard attribute set.
func (m *Metrics) RecordEngineRequest(ctx context.Context, stage, status string) {
	m.EngineRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordBroadcast records a listener broadcast by payload kind.
func (m *Metrics) RecordBroadcast(ctx context.Context, kind string) {
	m.Broadcasts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordModeSwitch records a processing mode transition.
func (m *Metrics) RecordModeSwitch(ctx context.Context, from, to string) {
	m.ModeSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
