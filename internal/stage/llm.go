package stage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicepipe/internal/aggregator"
	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/frame"
	"github.com/MrWong99/voicepipe/pkg/provider"
	"github.com/MrWong99/voicepipe/pkg/provider/llm"
)

// DefaultSystemPrompt is used when LLMConfig.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful AI voice assistant. Keep your responses concise and natural for voice conversation."

// History is the read side of the conversation context.
type History interface {
	Snapshot() []aggregator.Turn
}

// LLMConfig holds the request parameters of the language model stage.
type LLMConfig struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// ContextTokens caps the estimated size of the history sent with each
	// request. Zero derives the cap from the model's context window.
	ContextTokens int
}

// LLM answers every committed user turn with one streamed response. Each
// Transcript frame starts a completion over the current conversation
// snapshot; tokens are emitted as LLMToken frames and the response ends with
// exactly one LLMComplete.
//
// Transcripts that arrive while a response is streaming are answered in
// order afterwards. Control(Interrupt) cancels the response in flight, emits
// LLMComplete{Interrupted: true} and is then forwarded.
//
// Failures before the first token are retried with backoff up to the retry
// policy's MaxRetries; a failure after tokens were emitted completes the
// response with what was said so far. Permanent errors and exhausted retries
// end Run with an error.
type LLM struct {
	provider llm.Provider
	history  History
	cfg      LLMConfig
	budget   int // history token budget, 0 for none
	o        options
}

// NewLLM returns a language model stage over p. history supplies the
// conversation for every request.
func NewLLM(p llm.Provider, history History, cfg LLMConfig, opts ...Option) *LLM {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &LLM{
		provider: p,
		history:  history,
		cfg:      cfg,
		budget:   historyBudget(cfg.ContextTokens, p.Capabilities(), cfg),
		o:        buildOptions(NameLLM, opts),
	}
}

// Name implements pipeline.Stage.
func (s *LLM) Name() string { return NameLLM }

// Boundary implements pipeline.Stage.
func (s *LLM) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		In:       frame.NewSet(frame.KindTranscript, frame.KindControl),
		Out:      frame.NewSet(frame.KindLLMToken, frame.KindLLMComplete, frame.KindControl),
		Requires: frame.NewSet(frame.KindTranscript),
	}
}

// response is one user turn being answered.
type response struct {
	text    string
	attempt int  // failed attempts so far
	emitted bool // at least one token went downstream
	started time.Time

	cancel context.CancelFunc
	chunks <-chan llm.Chunk
	timer  *time.Timer // backoff before the next attempt
	span   trace.Span  // covers every attempt
}

func (s *LLM) newResponse(ctx context.Context, text string) *response {
	_, span := observe.StartSpan(ctx, "llm.response", trace.WithAttributes(
		attribute.String("llm.provider", s.o.provider),
		attribute.Int("llm.history_budget", s.budget),
	))
	return &response{text: text, span: span}
}

// end closes the span of r with its outcome.
func (r *response) end(outcome string, err error) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.String("llm.outcome", outcome),
		attribute.Int("llm.failed_attempts", r.attempt),
	)
	observe.EndSpan(r.span, err)
	r.span = nil
}

// stop cancels the stream and waits for the provider to close it.
func (r *response) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.chunks != nil {
		audio.Drain(r.chunks)
		r.chunks = nil
	}
}

// Run implements pipeline.Stage.
func (s *LLM) Run(ctx context.Context, in <-chan frame.Frame, out pipeline.Emitter) error {
	var (
		queue []string
		cur   *response
	)
	defer func() {
		if cur != nil {
			cur.stop()
			cur.end("aborted", nil)
		}
	}()

	for {
		if cur == nil && len(queue) > 0 {
			cur = s.newResponse(ctx, queue[0])
			queue = queue[1:]
			if err := s.attempt(ctx, cur); err != nil {
				return err
			}
		}
		if in == nil && cur == nil {
			return nil
		}

		var (
			chunks <-chan llm.Chunk
			retry  <-chan time.Time
		)
		if cur != nil {
			chunks = cur.chunks
			if cur.timer != nil {
				retry = cur.timer.C
			}
		}

		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			switch f.Kind {
			case frame.KindTranscript:
				queue = append(queue, f.Text)
			case frame.KindControl:
				if f.Signal == frame.SignalInterrupt && cur != nil {
					cur.stop()
					cur.end("interrupted", nil)
					cur = nil
					s.o.log.Debug("response interrupted")
					if err := out.Emit(ctx, frame.NewLLMComplete(true)); err != nil {
						return err
					}
				}
				if err := out.Emit(ctx, f); err != nil {
					return err
				}
			}

		case <-retry:
			cur.timer = nil
			if err := s.attempt(ctx, cur); err != nil {
				return err
			}

		case c, ok := <-chunks:
			if !ok {
				cur.cancel()
				cur.chunks = nil
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.o.recordOutcome(ctx, "llm", cur.started, nil)
				cur.end("completed", nil)
				cur = nil
				if err := out.Emit(ctx, frame.NewLLMComplete(false)); err != nil {
					return err
				}
				continue
			}
			if c.Err != nil {
				cur.stop()
				done, err := s.fail(ctx, cur, c.Err, out)
				if err != nil {
					cur.end("failed", err)
					return err
				}
				if done {
					cur.end("partial", c.Err)
					cur = nil
				}
				continue
			}
			if c.Text == "" {
				continue
			}
			if !cur.emitted {
				cur.emitted = true
				s.o.metrics.RecordProviderLatency(ctx, "llm.first_token", time.Since(cur.started))
			}
			if err := out.Emit(ctx, frame.NewLLMToken(c.Text)); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// attempt opens the stream for r. A failure to open goes through fail, so it
// either schedules a retry or ends Run.
func (s *LLM) attempt(ctx context.Context, r *response) error {
	callCtx, cancel := context.WithCancel(trace.ContextWithSpan(ctx, r.span))
	r.started = time.Now()
	chunks, err := s.provider.StreamCompletion(callCtx, s.request(r.text))
	if err != nil {
		cancel()
		if _, err = s.fail(ctx, r, err, nil); err != nil {
			r.end("failed", err)
		}
		return err
	}
	r.cancel = cancel
	r.chunks = chunks
	return nil
}

// fail handles an error from the stream of r, whose stream must already be
// stopped. It schedules a retry and returns done=false, or completes the
// response with the partial text and returns done=true, or returns the error
// that ends Run. out may be nil only when nothing was emitted yet.
func (s *LLM) fail(ctx context.Context, r *response, err error, out pipeline.Emitter) (done bool, _ error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.o.recordOutcome(ctx, "llm", r.started, err)
	r.attempt++

	retryable := provider.Retryable(err)
	switch {
	case r.emitted && retryable:
		s.o.log.Warn("llm stream failed mid-response, keeping partial text",
			"provider", s.o.provider, "err", err)
		return true, out.Emit(ctx, frame.NewLLMComplete(false))
	case !retryable:
		return false, fmt.Errorf("llm: %w", err)
	case r.attempt > s.o.retry.MaxRetries:
		return false, fmt.Errorf("llm: giving up after %d attempts: %w", r.attempt, err)
	}

	delay := s.o.retry.Backoff.Delay(r.attempt - 1)
	s.o.retryPolicy(ctx, "llm").OnRetry(r.attempt, err, delay)
	r.timer = time.NewTimer(delay)
	return false, nil
}

// request builds the completion request for a user turn from the current
// conversation snapshot, trimmed to the history budget.
func (s *LLM) request(text string) llm.CompletionRequest {
	turns := s.history.Snapshot()
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Text})
	}
	if n := len(msgs); n == 0 || msgs[n-1].Role != llm.RoleUser {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	}
	return llm.CompletionRequest{
		Messages:     trimHistory(msgs, s.budget),
		SystemPrompt: s.cfg.SystemPrompt,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	}
}

var _ pipeline.Stage = (*LLM)(nil)
