// Package observe provides application-wide observability primitives for
// Screentalk: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Screentalk metrics.
const meterName = "github.com/yeyulab/screentalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionSetupDuration tracks the time from connecting the backend link
	// until the setup acknowledgement arrives.
	SessionSetupDuration metric.Float64Histogram

	// HostRequestDuration tracks extension host request round-trip latency.
	// Use with attribute: attribute.String("action", ...)
	HostRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFramesSent counts microphone frames forwarded to the backend.
	AudioFramesSent metric.Int64Counter

	// AudioBytesSent counts PCM bytes forwarded to the backend.
	AudioBytesSent metric.Int64Counter

	// ScreenshotsSent counts screenshots forwarded to the backend. Use with
	// attribute: attribute.String("trigger", "initial"|"auto"|"manual")
	ScreenshotsSent metric.Int64Counter

	// PlaybackSegments counts audio segments enqueued for playback.
	PlaybackSegments metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries. Use with
	// attribute: attribute.String("speaker", ...)
	TranscriptEntries metric.Int64Counter

	// LinkEvents counts backend events by kind. Use with attribute:
	//   attribute.String("kind", ...)
	LinkEvents metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts session failures. Use with attribute:
	//   attribute.String("stage", "permission"|"audio"|"connect"|"setup"|"stream")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// host round-trips at the low end and backend setup handshakes at the top.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionSetupDuration, err = m.Float64Histogram("screentalk.session.setup.duration",
		metric.WithDescription("Time from link connect until setup acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HostRequestDuration, err = m.Float64Histogram("screentalk.host.request.duration",
		metric.WithDescription("Extension host request round-trip latency by action."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFramesSent, err = m.Int64Counter("screentalk.audio.frames_sent",
		metric.WithDescription("Total microphone frames forwarded to the backend."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("screentalk.audio.bytes_sent",
		metric.WithDescription("Total PCM bytes forwarded to the backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ScreenshotsSent, err = m.Int64Counter("screentalk.screenshots_sent",
		metric.WithDescription("Total screenshots forwarded to the backend by trigger."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("screentalk.playback.segments",
		metric.WithDescription("Total audio segments enqueued for playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("screentalk.transcript.entries",
		metric.WithDescription("Total finalized transcript entries by speaker."),
	); err != nil {
		return nil, err
	}
	if met.LinkEvents, err = m.Int64Counter("screentalk.link.events",
		metric.WithDescription("Total backend events received by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("screentalk.session.errors",
		metric.WithDescription("Total session failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("screentalk.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("screentalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterPlaybackDepth registers an observable gauge that samples the
// playback queue depth via fn on every metric collection.
func RegisterPlaybackDepth(mp metric.MeterProvider, fn func() int) error {
	m := mp.Meter(meterName)
	_, err := m.Int64ObservableGauge("screentalk.playback.queue_depth",
		metric.WithDescription("Segments waiting in the playback queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}),
	)
	return err
}

// RegisterAudioLevel registers an observable gauge that samples the most
// recent microphone input level via fn on every metric collection.
func RegisterAudioLevel(mp metric.MeterProvider, fn func() float64) error {
	m := mp.Meter(meterName)
	_, err := m.Float64ObservableGauge("screentalk.audio.level",
		metric.WithDescription("Loudness of the most recent microphone frame, 0 to 1."),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
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

// RecordAudioFrame records one forwarded microphone frame of the given size.
func (m *Metrics) RecordAudioFrame(ctx context.Context, bytes int) {
	m.AudioFramesSent.Add(ctx, 1)
	m.AudioBytesSent.Add(ctx, int64(bytes))
}

// RecordScreenshot records a forwarded screenshot with its trigger.
func (m *Metrics) RecordScreenshot(ctx context.Context, trigger string) {
	m.ScreenshotsSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("trigger", trigger)),
	)
}

// RecordHostRequest records one extension host round-trip by action.
func (m *Metrics) RecordHostRequest(ctx context.Context, action string, seconds float64) {
	m.HostRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordLinkEvent records a backend event counter increment by kind.
func (m *Metrics) RecordLinkEvent(ctx context.Context, kind string) {
	m.LinkEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTranscriptEntry records a finalized transcript entry by speaker.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordSessionError records a session failure counter increment by stage.
func (m *Metrics) RecordSessionError(ctx context.Context, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
