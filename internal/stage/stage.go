// Package stage implements the provider-backed stages of a voice pipeline:
// transport input with voice activity detection, speech recognition, language
// model streaming, speech synthesis and transport output.
//
// The two context aggregator stages live in internal/aggregator. Every stage
// here follows the pipeline.Stage contract: it owns its loop, selects on its
// input, its provider streams and ctx, and closes every provider resource it
// opened before Run returns.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/pkg/provider"
)

// Stage names as they appear in logs, metrics and queue statistics.
const (
	NameTransportIn  = "transport-in"
	NameSTT          = "stt"
	NameLLM          = "llm"
	NameTTS          = "tts"
	NameTransportOut = "transport-out"
)

type options struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	retry    resilience.RetryPolicy
	provider string
}

// Option configures a stage.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records provider calls, errors and retries on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRetry sets how transient provider failures are retried.
// The default allows two retries with [resilience.DefaultBackoff].
func WithRetry(p resilience.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithProviderName labels metrics and logs with the configured provider name.
func WithProviderName(name string) Option {
	return func(o *options) { o.provider = name }
}

func buildOptions(stage string, opts []Option) options {
	o := options{
		retry:    resilience.RetryPolicy{MaxRetries: 2},
		provider: "unknown",
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With("stage", stage)
	return o
}

// retryPolicy returns the configured policy with logging and metrics hooked
// into OnRetry.
func (o *options) retryPolicy(ctx context.Context, port string) resilience.RetryPolicy {
	p := o.retry
	user := p.OnRetry
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.log.Warn("provider call failed, retrying",
			"provider", o.provider, "attempt", attempt, "delay", delay, "err", err)
		o.metrics.RecordRetry(ctx, port)
		if user != nil {
			user(attempt, err, delay)
		}
	}
	return p
}

// recordOutcome counts one provider call on the metrics instruments.
func (o *options) recordOutcome(ctx context.Context, port string, start time.Time, err error) {
	if err != nil {
		o.metrics.RecordProviderRequest(ctx, o.provider, port, "error")
		o.metrics.RecordProviderError(ctx, o.provider, port, errorClass(err))
		return
	}
	o.metrics.RecordProviderRequest(ctx, o.provider, port, "ok")
	o.metrics.RecordProviderLatency(ctx, port, time.Since(start))
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, provider.ErrPermanent):
		return "permanent"
	case provider.IsTransient(err):
		return "transient"
	default:
		return "unclassified"
	}
}
