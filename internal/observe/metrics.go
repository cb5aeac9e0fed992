// Package observe provides application-wide observability primitives for
// voxintent: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxintent metrics.
const meterName = "github.com/MrWong99/voxintent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FrameDuration tracks how long the engine takes to consume one frame.
	FrameDuration metric.Float64Histogram

	// UtteranceDuration tracks the audio time from the first frame after a
	// reset to finalization.
	UtteranceDuration metric.Float64Histogram

	// AssetFetchDuration tracks context and model blob loading.
	AssetFetchDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts frames handed to an engine.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames discarded before reaching an engine. Use with
	// attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Inferences counts finalized inferences. Use with attributes:
	//   attribute.Bool("understood", ...), attribute.String("intent", ...)
	Inferences metric.Int64Counter

	// JournalWrites counts journal Record calls. Use with attribute:
	//   attribute.String("status", ...)
	JournalWrites metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts errors reported by sessions. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live controllers.
	ActiveSessions metric.Int64UpDownCounter

	// ListeningSessions tracks controllers currently subscribed to audio.
	ListeningSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// utterance and asset latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// frameBuckets covers per-frame engine latency. A 512 sample frame at 16 kHz
// is 32 ms of audio, so anything above that falls behind real time.
var frameBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.032, 0.05, 0.1, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FrameDuration, err = m.Float64Histogram("voxintent.frame.duration",
		metric.WithDescription("Latency of a single engine Process call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("voxintent.utterance.duration",
		metric.WithDescription("Audio time from the start of an utterance to its finalization."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AssetFetchDuration, err = m.Float64Histogram("voxintent.asset.fetch.duration",
		metric.WithDescription("Latency of loading a context or model blob."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("voxintent.frames.processed",
		metric.WithDescription("Total frames handed to an engine."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxintent.frames.dropped",
		metric.WithDescription("Total frames discarded before the engine, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Inferences, err = m.Int64Counter("voxintent.inferences",
		metric.WithDescription("Total finalized inferences by outcome and intent."),
	); err != nil {
		return nil, err
	}
	if met.JournalWrites, err = m.Int64Counter("voxintent.journal.writes",
		metric.WithDescription("Total journal writes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("voxintent.session.errors",
		metric.WithDescription("Total session errors by kind and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxintent.active_sessions",
		metric.WithDescription("Number of live session controllers."),
	); err != nil {
		return nil, err
	}
	if met.ListeningSessions, err = m.Int64UpDownCounter("voxintent.listening_sessions",
		metric.WithDescription("Number of session controllers subscribed to audio."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxintent.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInference records a finalized inference. intentName is ignored for
// inferences that were not understood.
func (m *Metrics) RecordInference(ctx context.Context, understood bool, intentName string) {
	if !understood {
		intentName = ""
	}
	m.Inferences.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("understood", understood),
			attribute.String("intent", intentName),
		),
	)
}

// RecordSessionError records a session error counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, kind, status string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records a dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordJournalWrite records a journal write outcome ("ok", "error" or
// "rejected" when the circuit is open).
func (m *Metrics) RecordJournalWrite(ctx context.Context, status string) {
	m.JournalWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
