// Package observe provides the observability primitives of voicepipe:
// OpenTelemetry metrics exported to Prometheus, tracing, log correlation and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from /metrics.
// Tests should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution. Every Record method is safe to call on a nil
// *Metrics, which records nothing.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicepipe/pkg/frame"
)

// meterName is the instrumentation scope name used for all voicepipe metrics.
const meterName = "github.com/MrWong99/voicepipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// ProviderLatency tracks provider call latency. Attribute "port" is one
	// of stt, llm, tts, or a sub-measure such as llm.first_token.
	ProviderLatency metric.Float64Histogram

	// ProviderRequests counts provider calls by provider, port and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed provider calls by provider, port and
	// class (transient, permanent, unclassified).
	ProviderErrors metric.Int64Counter

	// Retries counts retried provider calls by port.
	Retries metric.Int64Counter

	// FramesEmitted counts frames by stage and kind.
	FramesEmitted metric.Int64Counter

	// QueueHighWater reports the deepest occupancy seen per queue.
	QueueHighWater metric.Int64Gauge

	// StageExits counts stage goroutine exits by stage and outcome.
	StageExits metric.Int64Counter

	// TurnsCommitted counts conversation turns by role.
	TurnsCommitted metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsEnded counts finished sessions by final state.
	SessionsEnded metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// matched route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// voice pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderLatency, err = m.Float64Histogram("voicepipe.provider.latency",
		metric.WithDescription("Latency of provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voicepipe.provider.requests",
		metric.WithDescription("Provider calls by provider, port and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicepipe.provider.errors",
		metric.WithDescription("Provider errors by provider, port and class."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("voicepipe.provider.retries",
		metric.WithDescription("Retried provider calls by port."),
	); err != nil {
		return nil, err
	}
	if met.FramesEmitted, err = m.Int64Counter("voicepipe.frames.emitted",
		metric.WithDescription("Frames emitted by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.QueueHighWater, err = m.Int64Gauge("voicepipe.queue.high_water",
		metric.WithDescription("Deepest occupancy seen on an inter-stage queue."),
	); err != nil {
		return nil, err
	}
	if met.StageExits, err = m.Int64Counter("voicepipe.stage.exits",
		metric.WithDescription("Stage exits by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCommitted, err = m.Int64Counter("voicepipe.turns.committed",
		metric.WithDescription("Committed conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicepipe.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("voicepipe.sessions.ended",
		metric.WithDescription("Finished sessions by final state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepipe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Call it after [InitProvider].
// Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, port, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("port", port), Attr("status", status),
	))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, port, class string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("port", port), Attr("class", class),
	))
}

// RecordProviderLatency observes d for port.
func (m *Metrics) RecordProviderLatency(ctx context.Context, port string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("port", port)))
}

// RecordRetry counts one retried call on port.
func (m *Metrics) RecordRetry(ctx context.Context, port string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(Attr("port", port)))
}

// RecordTurn counts one committed turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.TurnsCommitted.Add(ctx, 1, metric.WithAttributes(Attr("role", role)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(Attr("transport", transport)))
}

// SessionEnded decrements the active session gauge and counts the final
// state.
func (m *Metrics) SessionEnded(ctx context.Context, transport, state string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(Attr("transport", transport)))
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(Attr("transport", transport), Attr("state", state)))
}

// PipelineObserver reports pipeline events to the metrics instruments. It
// satisfies pipeline.Observer.
type PipelineObserver struct {
	m   *Metrics
	ctx context.Context
}

// PipelineObserver returns an observer for one pipeline run. ctx carries
// the span and baggage the measurements are attributed to.
func (m *Metrics) PipelineObserver(ctx context.Context) *PipelineObserver {
	return &PipelineObserver{m: m, ctx: context.WithoutCancel(ctx)}
}

// FrameEmitted counts one frame.
func (o *PipelineObserver) FrameEmitted(stage string, kind frame.Kind) {
	if o == nil || o.m == nil {
		return
	}
	o.m.FramesEmitted.Add(o.ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("kind", kind.String())))
}

// QueueHighWater records a new occupancy maximum.
func (o *PipelineObserver) QueueHighWater(queue string, depth int) {
	if o == nil || o.m == nil {
		return
	}
	o.m.QueueHighWater.Record(o.ctx, int64(depth), metric.WithAttributes(Attr("queue", queue)))
}

// StageExited counts how a stage finished.
func (o *PipelineObserver) StageExited(stage string, err error) {
	if o == nil || o.m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	o.m.StageExits.Add(o.ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("outcome", outcome)))
}
