// Package observe provides application-wide observability primitives for
// Kokovox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware for the diagnostics listener.
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

// meterName is the instrumentation scope name used for all Kokovox metrics.
const meterName = "github.com/kokovox/kokovox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks the latency of speech synthesis round trips
	// against the Kokoro backend. Use with attribute:
	//   attribute.String("format", ...)
	SynthesisDuration metric.Float64Histogram

	// ProbeDuration tracks the latency of voice catalog fetches and health
	// probes. Use with attribute:
	//   attribute.String("op", ...)
	ProbeDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// VoiceModeTransitions counts voice mode state changes. Use with attribute:
	//   attribute.String("state", ...)
	VoiceModeTransitions metric.Int64Counter

	// PlaybackRuns counts local audio playback attempts. Use with attribute:
	//   attribute.String("status", ...)
	PlaybackRuns metric.Int64Counter

	// --- Error counters ---

	// BackendErrors counts classified backend failures. Use with attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	BackendErrors metric.Int64Counter

	// --- Payload histograms ---

	// AudioBytes tracks the size of synthesized audio payloads. Use with
	// attributes:
	//   attribute.String("format", ...), attribute.String("mode", ...)
	AudioBytes metric.Int64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics endpoint processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis round trips, which range from tens of milliseconds for short
// phrases to several seconds for long passages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sizeBuckets defines histogram bucket boundaries (in bytes) for audio
// payloads, spanning short spoken confirmations up to long-form narration.
var sizeBuckets = []float64{
	1 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 10 << 20, 50 << 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("kokovox.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProbeDuration, err = m.Float64Histogram("kokovox.probe.duration",
		metric.WithDescription("Latency of voice catalog fetches and health probes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("kokovox.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.VoiceModeTransitions, err = m.Int64Counter("kokovox.voicemode.transitions",
		metric.WithDescription("Total voice mode state changes by resulting state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackRuns, err = m.Int64Counter("kokovox.playback.runs",
		metric.WithDescription("Total local audio playback attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("kokovox.backend.errors",
		metric.WithDescription("Total classified backend failures by operation and kind."),
	); err != nil {
		return nil, err
	}

	// Payload histogram.
	if met.AudioBytes, err = m.Int64Histogram("kokovox.audio.bytes",
		metric.WithDescription("Size of synthesized audio payloads by format and delivery mode."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kokovox.http.request.duration",
		metric.WithDescription("Diagnostics endpoint latency by method and path."),
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

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBackendError is a convenience method that records a backend error
// counter increment.
func (m *Metrics) RecordBackendError(ctx context.Context, op, kind string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// RecordVoiceModeTransition is a convenience method that records a voice mode
// transition counter increment.
func (m *Metrics) RecordVoiceModeTransition(ctx context.Context, state string) {
	m.VoiceModeTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordPlayback is a convenience method that records a playback attempt
// counter increment.
func (m *Metrics) RecordPlayback(ctx context.Context, status string) {
	m.PlaybackRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
