package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/frame"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
)

// STT streams inbound audio to a speech recogniser and emits what it hears as
// PartialTranscript and Transcript frames. Turn boundaries and control frames
// pass through in order.
//
// A session that ends on the provider side is reopened. Opening is retried
// according to the stage's retry policy; once that is exhausted, or the
// provider answers with a permanent error, Run fails.
type STT struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	o        options
}

// NewSTT returns a recognition stage using p. Audio is converted to
// cfg.SampleRate and cfg.Channels before it is sent.
func NewSTT(p stt.Provider, cfg stt.StreamConfig, opts ...Option) *STT {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &STT{provider: p, cfg: cfg, o: buildOptions(NameSTT, opts)}
}

// Name implements pipeline.Stage.
func (s *STT) Name() string { return NameSTT }

// Boundary implements pipeline.Stage.
func (s *STT) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		In:       frame.NewSet(frame.KindAudioChunk, frame.KindTurnBoundary, frame.KindControl),
		Out:      frame.NewSet(frame.KindTranscript, frame.KindPartialTranscript, frame.KindTurnBoundary, frame.KindControl),
		Requires: frame.NewSet(frame.KindAudioChunk),
	}
}

// Run implements pipeline.Stage.
func (s *STT) Run(ctx context.Context, in <-chan frame.Frame, out pipeline.Emitter) error {
	sess, err := s.open(ctx)
	if err != nil {
		return err
	}
	// sess is nil while a dropped session is being reopened.
	defer func() { s.closeSession(sess) }()

	conv := audio.NewFormatConverter(audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels})
	results := sess.Results()
	drops := 0

	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			if f.Kind != frame.KindAudioChunk {
				if err := out.Emit(ctx, f); err != nil {
					return err
				}
				continue
			}
			pcm := conv.Convert(f.Audio)
			if len(pcm.Data) == 0 {
				continue
			}
			if err := sess.SendAudio(pcm.Data); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
				s.o.log.Warn("stt: dropping audio", "provider", s.o.provider, "err", err)
			}

		case t, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				drops++
				if drops > s.o.retry.MaxRetries {
					return fmt.Errorf("stt: session ended %d times without producing results", drops)
				}
				s.o.log.Warn("stt session ended, reopening", "provider", s.o.provider, "drops", drops)
				s.closeSession(sess)
				sess = nil
				if err := resilience.Sleep(ctx, s.o.retry.Backoff.Delay(drops-1)); err != nil {
					return err
				}
				next, err := s.open(ctx)
				if err != nil {
					return err
				}
				sess, results = next, next.Results()
				continue
			}
			drops = 0
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			f := frame.NewPartialTranscript(text)
			if t.IsFinal {
				f = frame.NewTranscript(text)
			}
			if err := out.Emit(ctx, f); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *STT) open(ctx context.Context) (stt.SessionHandle, error) {
	sess, err := resilience.RetryWithResult(ctx, s.o.retryPolicy(ctx, "stt"), func(ctx context.Context) (stt.SessionHandle, error) {
		start := time.Now()
		sess, err := s.provider.StartStream(ctx, s.cfg)
		s.o.recordOutcome(ctx, "stt", start, err)
		return sess, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stt: start stream: %w", err)
	}
	return sess, nil
}

func (s *STT) closeSession(sess stt.SessionHandle) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		s.o.log.Debug("close stt session", "provider", s.o.provider, "err", err)
	}
}

var _ pipeline.Stage = (*STT)(nil)
