package aggregator

import (
	"context"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/pkg/frame"
)

// UserStage feeds transcripts and voice activity boundaries into the
// Aggregator and emits each committed user turn as a Transcript frame for the
// language model. With interruptions enabled it emits Control(Interrupt) when
// the user starts speaking.
type UserStage struct {
	agg                *Aggregator
	allowInterruptions bool
}

// NewUserStage returns the user side of agg.
func NewUserStage(agg *Aggregator, allowInterruptions bool) *UserStage {
	return &UserStage{agg: agg, allowInterruptions: allowInterruptions}
}

// Name implements pipeline.Stage.
func (s *UserStage) Name() string { return "user-aggregator" }

// Boundary implements pipeline.Stage.
func (s *UserStage) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		In:       frame.NewSet(frame.KindTranscript, frame.KindPartialTranscript, frame.KindTurnBoundary, frame.KindControl),
		Out:      frame.NewSet(frame.KindTranscript, frame.KindControl),
		Requires: frame.NewSet(frame.KindTranscript),
	}
}

// Run implements pipeline.Stage.
func (s *UserStage) Run(ctx context.Context, in <-chan frame.Frame, out pipeline.Emitter) error {
	defer s.agg.Close()
	for {
		select {
		case f, ok := <-in:
			if !ok {
				// Turns committed by the last frames still go out.
				return s.emitReady(ctx, out)
			}
			if err := s.handle(ctx, f, out); err != nil {
				return err
			}
		case <-s.agg.Ready():
			if err := s.emitReady(ctx, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *UserStage) emitReady(ctx context.Context, out pipeline.Emitter) error {
	for _, text := range s.agg.TakeReady() {
		if err := out.Emit(ctx, frame.NewTranscript(text)); err != nil {
			return err
		}
	}
	return nil
}

func (s *UserStage) handle(ctx context.Context, f frame.Frame, out pipeline.Emitter) error {
	switch f.Kind {
	case frame.KindTranscript:
		s.agg.OnTranscript(f.Text, true)
	case frame.KindPartialTranscript:
		s.agg.OnTranscript(f.Text, false)
	case frame.KindTurnBoundary:
		if f.Speaker != frame.SpeakerUser {
			return nil
		}
		if f.Edge == frame.EdgeStart {
			s.agg.UserStarted()
			if s.allowInterruptions {
				return out.Emit(ctx, frame.NewControl(frame.SignalInterrupt))
			}
			return nil
		}
		s.agg.UserStopped()
	case frame.KindControl:
		return out.Emit(ctx, f)
	}
	return nil
}

// AssistantStage accumulates the streamed response into the Aggregator and
// forwards every frame unchanged.
type AssistantStage struct {
	agg *Aggregator
}

// NewAssistantStage returns the assistant side of agg.
func NewAssistantStage(agg *Aggregator) *AssistantStage {
	return &AssistantStage{agg: agg}
}

// Name implements pipeline.Stage.
func (s *AssistantStage) Name() string { return "assistant-aggregator" }

// Boundary implements pipeline.Stage.
func (s *AssistantStage) Boundary() pipeline.Boundary {
	kinds := frame.NewSet(frame.KindLLMToken, frame.KindLLMComplete, frame.KindControl)
	return pipeline.Boundary{
		In:       kinds,
		Out:      kinds,
		Requires: frame.NewSet(frame.KindLLMToken, frame.KindLLMComplete),
	}
}

// Run implements pipeline.Stage.
func (s *AssistantStage) Run(ctx context.Context, in <-chan frame.Frame, out pipeline.Emitter) error {
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch f.Kind {
			case frame.KindLLMToken:
				s.agg.OnLLMToken(f.Text)
			case frame.KindLLMComplete:
				s.agg.OnLLMComplete(f.Interrupted)
			}
			if err := out.Emit(ctx, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var (
	_ pipeline.Stage = (*UserStage)(nil)
	_ pipeline.Stage = (*AssistantStage)(nil)
)
