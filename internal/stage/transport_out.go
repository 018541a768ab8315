package stage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/frame"
)

// TransportOut is the sink of the pipeline. It converts synthesized audio to
// the transport's output format and sends it. On Control(Interrupt) it asks
// transports that implement audio.Interrupter to drop buffered playback.
//
// A closed transport ends the stage cleanly; any other send error drops the
// frame.
type TransportOut struct {
	transport audio.Transport
	log       *slog.Logger
}

// NewTransportOut returns a sink writing to t.
func NewTransportOut(t audio.Transport, opts ...Option) *TransportOut {
	o := buildOptions(NameTransportOut, opts)
	return &TransportOut{transport: t, log: o.log}
}

// Name implements pipeline.Stage.
func (s *TransportOut) Name() string { return NameTransportOut }

// Boundary implements pipeline.Stage.
func (s *TransportOut) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		In:       frame.NewSet(frame.KindSynthesizedAudio, frame.KindControl),
		Requires: frame.NewSet(frame.KindSynthesizedAudio),
	}
}

// Run implements pipeline.Stage.
func (s *TransportOut) Run(ctx context.Context, in <-chan frame.Frame, _ pipeline.Emitter) error {
	conv := audio.NewFormatConverter(s.transport.OutputFormat())
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return nil
			}
			switch f.Kind {
			case frame.KindSynthesizedAudio:
				af := conv.Convert(f.Audio)
				if len(af.Data) == 0 {
					continue
				}
				err := s.transport.Send(ctx, af)
				switch {
				case err == nil:
				case errors.Is(err, audio.ErrTransportClosed):
					s.log.Debug("transport closed, stopping output")
					return nil
				case ctx.Err() != nil:
					return ctx.Err()
				default:
					s.log.Warn("dropping outbound audio", "err", err)
				}
			case frame.KindControl:
				if f.Signal != frame.SignalInterrupt {
					continue
				}
				if ir, ok := s.transport.(audio.Interrupter); ok {
					ir.ClearOutput()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ pipeline.Stage = (*TransportOut)(nil)
