package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader so tests
// can collect and inspect recorded data programmatically.
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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumForAttr returns the counter value of the data point carrying the given
// string attribute, or -1 when no such point exists.
func sumForAttr(met *metricdata.Metrics, key, value string) int64 {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestRecordStageLatency(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStageLatency(ctx, "asr_to_llm", 80*time.Millisecond)
	m.RecordStageLatency(ctx, "asr_to_llm", 120*time.Millisecond)
	m.RecordStageLatency(ctx, "full_cycle", 1500*time.Millisecond)

	rm := collect(t, reader)

	met := findMetric(rm, "attune.pipeline.stage.duration")
	if met == nil {
		t.Fatal("stage duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("stage duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("stage samples = %d, want 3", total)
	}

	// The full_cycle sample also lands in the dedicated histogram.
	met = findMetric(rm, "attune.pipeline.duration")
	if met == nil {
		t.Fatal("pipeline duration metric not found")
	}
	hist, ok = met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("pipeline duration metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Error("pipeline duration should hold exactly the full_cycle sample")
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "asr", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "asr", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "asr", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.RecordInterruption(ctx, "vad")
	m.RecordInterruption(ctx, "vad")
	m.RecordInterruption(ctx, "manual")
	m.RecordBreakerTransition(ctx, "llm", "open")

	rm := collect(t, reader)

	tests := []struct {
		metric string
		key    string
		value  string
		want   int64
	}{
		{"attune.provider.requests", "status", "ok", 2},
		{"attune.provider.requests", "status", "error", 1},
		{"attune.provider.errors", "provider", "elevenlabs", 1},
		{"attune.interruptions", "kind", "vad", 2},
		{"attune.interruptions", "kind", "manual", 1},
		{"attune.breaker.transitions", "breaker", "llm", 1},
	}
	for _, tc := range tests {
		met := findMetric(rm, tc.metric)
		if met == nil {
			t.Errorf("metric %s not found", tc.metric)
			continue
		}
		if got := sumForAttr(met, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestUpDownCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActivePipelines.Add(ctx, 3)
	m.ActivePipelines.Add(ctx, -1)

	rm := collect(t, reader)
	for _, tc := range []struct {
		name string
		want int64
	}{
		{"attune.active_sessions", 2},
		{"attune.active_pipelines", 2},
	} {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no sum data", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
