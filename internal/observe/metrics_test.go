package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"screentalk.session.setup.duration", m.SessionSetupDuration},
		{"screentalk.host.request.duration", m.HostRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	attrs := metric.WithAttributes(attribute.String("trigger", "auto"))
	m.ScreenshotsSent.Add(ctx, 1, attrs)
	m.ScreenshotsSent.Add(ctx, 1, attrs)
	m.ScreenshotsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", "initial")))

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.screenshots_sent")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 (one per trigger)", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total screenshots = %d, want 3", total)
	}
}

func TestRecordAudioFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioFrame(ctx, 8192)
	m.RecordAudioFrame(ctx, 8192)

	rm := collect(t, reader)

	frames := findMetric(rm, "screentalk.audio.frames_sent")
	if frames == nil {
		t.Fatal("frames metric not found")
	}
	if got := frames.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 2 {
		t.Errorf("frames sent = %d, want 2", got)
	}

	bytes := findMetric(rm, "screentalk.audio.bytes_sent")
	if bytes == nil {
		t.Fatal("bytes metric not found")
	}
	if got := bytes.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 16384 {
		t.Errorf("bytes sent = %d, want 16384", got)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not an int64 sum")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestRecordSessionError_Attribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionError(ctx, "permission")

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.session.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	dp := met.Data.(metricdata.Sum[int64]).DataPoints[0]
	if v, ok := dp.Attributes.Value("stage"); !ok || v.AsString() != "permission" {
		t.Errorf("stage attribute = %v, want %q", v.AsString(), "permission")
	}
}

func TestRegisterPlaybackDepth_Sampled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	depth := 3
	if err := RegisterPlaybackDepth(mp, func() int { return depth }); err != nil {
		t.Fatalf("RegisterPlaybackDepth: %v", err)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.playback.queue_depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not an int64 gauge")
	}
	if got := g.DataPoints[0].Value; got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}
}

func TestRegisterAudioLevel_Sampled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	level := 0.25
	if err := RegisterAudioLevel(mp, func() float64 { return level }); err != nil {
		t.Fatalf("RegisterAudioLevel: %v", err)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.audio.level")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("metric is not a float64 gauge")
	}
	if got := g.DataPoints[0].Value; got != 0.25 {
		t.Errorf("audio level = %v, want 0.25", got)
	}
}

func TestRecordHostRequest_Attribute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHostRequest(ctx, "captureScreenshot", 0.2)

	rm := collect(t, reader)
	met := findMetric(rm, "screentalk.host.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("action")); !ok || v.AsString() != "captureScreenshot" {
		t.Errorf("action attribute = %v, want captureScreenshot", v.AsString())
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
