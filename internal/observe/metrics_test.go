package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func readerMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
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

func lookup(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == name {
				return met
			}
		}
	}
	t.Fatalf("metric %q not recorded", name)
	return metricdata.Metrics{}
}

// sumWhere returns the int64 sum data point matching every attribute in
// attrs. An empty attrs matches the first data point.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := lookup(t, rm, name).Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
points:
	for _, dp := range sum.DataPoints {
		for _, kv := range attrs {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				continue points
			}
		}
		return dp.Value
	}
	t.Fatalf("metric %q: no data point with %v", name, attrs)
	return 0
}

func histCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	hist, ok := lookup(t, rm, name).Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a float64 histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestRecorders(t *testing.T) {
	m, reader := readerMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "absent", "active")
	m.RecordTransition(ctx, "active", "suspended")
	m.RecordTransition(ctx, "suspended", "active")
	m.RecordTransition(ctx, "absent", "active")
	m.RecordReactivation(ctx, "ok")
	m.RecordReactivation(ctx, "error")
	m.RecordReactivation(ctx, "ok")
	m.RecordAuthAttempt(ctx, "cache", "ok")
	m.RecordAuthAttempt(ctx, "pairing", "error")
	m.RecordAuthAttempt(ctx, "pairing", "ok")
	m.RecordBreakerTransition(ctx, "connect-session", "closed", "open")
	m.RecordBreakerTransition(ctx, "keyring", "closed", "open")

	rm := collect(t, reader)
	s := attribute.String
	tests := []struct {
		name   string
		metric string
		attrs  []attribute.KeyValue
		want   int64
	}{
		{"absent to active", "aoede.control.transitions", []attribute.KeyValue{s("from", "absent"), s("to", "active")}, 2},
		{"suspend", "aoede.control.transitions", []attribute.KeyValue{s("from", "active"), s("to", "suspended")}, 1},
		{"reactivations ok", "aoede.control.reactivations", []attribute.KeyValue{s("status", "ok")}, 2},
		{"reactivations error", "aoede.control.reactivations", []attribute.KeyValue{s("status", "error")}, 1},
		{"auth from cache", "aoede.auth.attempts", []attribute.KeyValue{s("source", "cache"), s("status", "ok")}, 1},
		{"failed pairing", "aoede.auth.attempts", []attribute.KeyValue{s("source", "pairing"), s("status", "error")}, 1},
		{"session breaker", "aoede.breaker.transitions", []attribute.KeyValue{s("name", "connect-session"), s("to", "open")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sumWhere(t, rm, tt.metric, tt.attrs...); got != tt.want {
				t.Errorf("%s%v = %d, want %d", tt.metric, tt.attrs, got, tt.want)
			}
		})
	}
}

func TestHistograms(t *testing.T) {
	m, reader := readerMetrics(t)
	ctx := context.Background()

	m.EnableDuration.Record(ctx, 0.123)
	m.EnableDuration.Record(ctx, 0.456)
	m.HTTPRequestDuration.Record(ctx, 0.05, metric.WithAttributes(
		attribute.String("method", "GET"),
		attribute.String("route", "/healthz"),
	))

	rm := collect(t, reader)
	if got := histCount(t, rm, "aoede.control.enable.duration"); got != 2 {
		t.Errorf("enable samples = %d, want 2", got)
	}
	if got := histCount(t, rm, "aoede.http.request.duration"); got != 1 {
		t.Errorf("http samples = %d, want 1", got)
	}
	hist := lookup(t, rm, "aoede.control.enable.duration").Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Bounds; len(got) != len(latencyBuckets) {
		t.Errorf("enable buckets = %v, want %v", got, latencyBuckets)
	}
}

func TestVoiceConnectionsGauge(t *testing.T) {
	m, reader := readerMetrics(t)
	ctx := context.Background()

	m.VoiceConnections.Add(ctx, 1)
	m.VoiceConnections.Add(ctx, 1)
	m.VoiceConnections.Add(ctx, -1)

	if got := sumWhere(t, collect(t, reader), "aoede.voice.connections"); got != 1 {
		t.Errorf("voice connections = %d, want 1", got)
	}
}

func TestBridgeObserver(t *testing.T) {
	m, reader := readerMetrics(t)
	obs := NewBridgeObserver(m, 2)

	for range 3 {
		obs.PacketWritten(1024)
	}
	obs.PacketDropped(errors.New("bad"))
	obs.FramesRead(960)
	obs.FramesRead(160)
	obs.Reset(0)
	obs.Reset(1120)

	if obs.Packets() != 3 {
		t.Errorf("Packets = %d, want 3", obs.Packets())
	}

	rm := collect(t, reader)
	want := map[string]int64{
		"aoede.bridge.packets":          3,
		"aoede.bridge.packets_dropped":  1,
		"aoede.bridge.frames_read":      1120,
		"aoede.bridge.resets":           2,
		"aoede.bridge.frames_discarded": 1120,
	}
	for name, n := range want {
		if got := sumWhere(t, rm, name); got != n {
			t.Errorf("%s = %d, want %d", name, got, n)
		}
	}
}

// brokenProvider hands out a meter that cannot create counters.
type brokenProvider struct{ noop.MeterProvider }

func (brokenProvider) Meter(string, ...metric.MeterOption) metric.Meter { return brokenMeter{} }

type brokenMeter struct{ noop.Meter }

var errNoCounter = errors.New("counter unavailable")

func (brokenMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errNoCounter
}

func TestNewMetrics_InstrumentError(t *testing.T) {
	m, err := NewMetrics(brokenProvider{})
	if !errors.Is(err, errNoCounter) {
		t.Fatalf("err = %v, want %v", err, errNoCounter)
	}
	if m != nil {
		t.Error("NewMetrics returned instruments alongside an error")
	}
}

func TestDefaultMetrics_Memoized(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
