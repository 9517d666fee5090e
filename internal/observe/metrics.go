// Package observe provides application-wide observability primitives for
// Kotoha: OpenTelemetry metrics and the provider setup that bridges them to
// a Prometheus /metrics endpoint.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kotoha metrics.
const meterName = "github.com/kotoha-ai/kotoha"

// Timer lifecycle events recorded via [Metrics.RecordTimerEvent].
const (
	TimerArmed     = "armed"
	TimerFired     = "fired"
	TimerCancelled = "cancelled"
	TimerDropped   = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// NodeDuration tracks per-node handler latency. Use with attribute:
	//   attribute.String("node", ...)
	NodeDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// SynthesisDuration tracks per-fragment speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// NodeRetries counts executor retries by node name.
	NodeRetries metric.Int64Counter

	// TimerEvents counts inactivity-timer lifecycle events. Use with
	// attribute: attribute.String("event", ...)
	TimerEvents metric.Int64Counter

	// LLMRequests counts LLM provider calls. Use with attributes:
	//   attribute.String("api", ...), attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-pipeline latencies.
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
	if met.NodeDuration, err = m.Float64Histogram("kotoha.node.duration",
		metric.WithDescription("Latency of graph node handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("kotoha.turn.duration",
		metric.WithDescription("End-to-end conversation turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("kotoha.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("kotoha.synthesis.duration",
		metric.WithDescription("Latency of per-fragment speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.NodeRetries, err = m.Int64Counter("kotoha.node.retries",
		metric.WithDescription("Total executor retries by node name."),
	); err != nil {
		return nil, err
	}
	if met.TimerEvents, err = m.Int64Counter("kotoha.timer.events",
		metric.WithDescription("Inactivity-timer lifecycle events by event kind."),
	); err != nil {
		return nil, err
	}
	if met.LLMRequests, err = m.Int64Counter("kotoha.llm.requests",
		metric.WithDescription("Total LLM provider requests by api name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kotoha.active_sessions",
		metric.WithDescription("Number of connected client sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kotoha.http.request.duration",
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

// RecordNodeDuration records one node handler invocation.
func (m *Metrics) RecordNodeDuration(ctx context.Context, node string, d time.Duration) {
	m.NodeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("node", node)),
	)
}

// RecordTurnDuration records one completed turn.
func (m *Metrics) RecordTurnDuration(ctx context.Context, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds())
}

// AddNodeRetry records one executor retry for the named node.
func (m *Metrics) AddNodeRetry(ctx context.Context, node string) {
	m.NodeRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("node", node)),
	)
}

// RecordTimerEvent records an inactivity-timer lifecycle event, one of
// [TimerArmed], [TimerFired], [TimerCancelled], [TimerDropped].
func (m *Metrics) RecordTimerEvent(ctx context.Context, event string) {
	m.TimerEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordLLMDuration records inference latency for one provider call.
func (m *Metrics) RecordLLMDuration(ctx context.Context, api string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("api", api)),
	)
}

// RecordSynthesisDuration records latency for one synthesized fragment.
func (m *Metrics) RecordSynthesisDuration(ctx context.Context, d time.Duration) {
	m.SynthesisDuration.Record(ctx, d.Seconds())
}

// RecordLLMRequest records one LLM provider call outcome.
func (m *Metrics) RecordLLMRequest(ctx context.Context, api, status string) {
	m.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("api", api),
			attribute.String("status", status),
		),
	)
}
