// Package observe holds aoede's telemetry plumbing: OpenTelemetry
// instruments, span helpers, trace-aware logging and the HTTP middleware for
// the control API.
//
// Instruments are created against any [metric.MeterProvider]. In production
// that is the Prometheus-backed provider installed by [InitProvider] and
// served on /metrics; tests pass a provider with a manual reader to
// [NewMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/aoede"

// Metrics is the set of instruments aoede records into. The zero value is not
// usable; build one with [NewMetrics] or use [DefaultMetrics].
type Metrics struct {
	// Audio bridge.
	BridgePackets         metric.Int64Counter
	BridgePacketsDropped  metric.Int64Counter
	BridgeFramesRead      metric.Int64Counter
	BridgeResets          metric.Int64Counter
	BridgeFramesDiscarded metric.Int64Counter

	// Control channel. ControlTransitions carries "from" and "to",
	// ControlReactivations carries "status".
	ControlTransitions   metric.Int64Counter
	ControlRebuilds      metric.Int64Counter
	ControlReactivations metric.Int64Counter
	EnableDuration       metric.Float64Histogram

	// AuthAttempts carries "source" and "status".
	AuthAttempts metric.Int64Counter

	// BreakerTransitions carries "name", "from" and "to".
	BreakerTransitions metric.Int64Counter

	// VoiceConnections is the number of joined voice channels.
	VoiceConnections metric.Int64UpDownCounter

	// HTTPRequestDuration carries "method" and "route".
	HTTPRequestDuration metric.Float64Histogram
}

// Enable includes a fixed 100 ms disconnect grace, so the buckets reach well
// past a second.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates every instrument on mp. It fails if any instrument
// cannot be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var errs []error

	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	seconds := func(name, desc string, buckets ...float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if len(buckets) > 0 {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := m.Float64Histogram(name, opts...)
		errs = append(errs, err)
		return h
	}

	met := &Metrics{
		BridgePackets:         counter("aoede.bridge.packets", "Decoded packets accepted by the audio bridge."),
		BridgePacketsDropped:  counter("aoede.bridge.packets_dropped", "Malformed packets skipped by the audio bridge."),
		BridgeFramesRead:      counter("aoede.bridge.frames_read", "Stereo frames delivered to the voice transport."),
		BridgeResets:          counter("aoede.bridge.resets", "Audio bridge resets at track boundaries."),
		BridgeFramesDiscarded: counter("aoede.bridge.frames_discarded", "Queued frames discarded by resets."),

		ControlTransitions:   counter("aoede.control.transitions", "Control channel state transitions by source and target state."),
		ControlRebuilds:      counter("aoede.control.rebuilds", "Full control channel constructions."),
		ControlReactivations: counter("aoede.control.reactivations", "Control channel reactivation attempts by status."),
		EnableDuration:       seconds("aoede.control.enable.duration", "Latency of enabling the control channel.", latencyBuckets...),

		AuthAttempts:       counter("aoede.auth.attempts", "Credential resolution attempts by source and status."),
		BreakerTransitions: counter("aoede.breaker.transitions", "Circuit breaker state changes by breaker, source and target state."),

		HTTPRequestDuration: seconds("aoede.http.request.duration", "Control API request latency by method and route."),
	}

	vc, err := m.Int64UpDownCounter("aoede.voice.connections", metric.WithDescription("Number of joined voice channels."))
	errs = append(errs, err)
	met.VoiceConnections = vc

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to the global meter provider,
// created on first use. Components fall back to it when no [Metrics] is
// injected.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTransition records a control channel state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.ControlTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordReactivation records a reactivation attempt; status is "ok" or
// "error".
func (m *Metrics) RecordReactivation(ctx context.Context, status string) {
	m.ControlReactivations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAuthAttempt records a credential resolution. source is "cache" or
// "pairing".
func (m *Metrics) RecordAuthAttempt(ctx context.Context, source, status string) {
	m.AuthAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
