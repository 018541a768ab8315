package stage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/frame"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// TransportIn is the source of the pipeline. It reads captured audio from a
// transport, forwards it as AudioChunk frames and runs voice activity
// detection on it, emitting a TurnBoundary for the user when speech starts and
// when silence has lasted long enough to end the turn.
//
// TransportIn returns nil when the transport's input channel closes, which
// drains the rest of the chain.
type TransportIn struct {
	transport audio.Transport
	engine    vad.Engine
	vadCfg    vad.Config
	log       *slog.Logger
}

// NewTransportIn returns a source stage reading from t. Speech detection uses
// engine with cfg; cfg.SampleRate selects the format frames are converted to
// before detection.
func NewTransportIn(t audio.Transport, engine vad.Engine, cfg vad.Config, opts ...Option) *TransportIn {
	o := buildOptions(NameTransportIn, opts)
	return &TransportIn{transport: t, engine: engine, vadCfg: cfg, log: o.log}
}

// Name implements pipeline.Stage.
func (s *TransportIn) Name() string { return NameTransportIn }

// Boundary implements pipeline.Stage.
func (s *TransportIn) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		Out: frame.NewSet(frame.KindAudioChunk, frame.KindTurnBoundary, frame.KindControl),
	}
}

// Run implements pipeline.Stage.
func (s *TransportIn) Run(ctx context.Context, _ <-chan frame.Frame, out pipeline.Emitter) error {
	sess, err := s.engine.NewSession(s.vadCfg)
	if err != nil {
		return fmt.Errorf("transport-in: open vad session: %w", err)
	}
	defer sess.Close()

	if err := out.Emit(ctx, frame.NewControl(frame.SignalStart)); err != nil {
		return err
	}

	det := detector{
		sess:       sess,
		conv:       audio.NewFormatConverter(audio.Format{SampleRate: s.vadCfg.SampleRate, Channels: 1}),
		frameBytes: s.vadCfg.SampleRate * s.vadCfg.FrameSizeMs / 1000 * 2,
		log:        s.log,
	}

	input := s.transport.Input()
	for {
		select {
		case af, ok := <-input:
			if !ok {
				s.log.Debug("transport input closed")
				return nil
			}
			if len(af.Data) == 0 {
				continue
			}
			if err := out.Emit(ctx, frame.NewAudioChunk(af)); err != nil {
				return err
			}
			for _, edge := range det.feed(af) {
				if err := out.Emit(ctx, frame.NewTurnBoundary(frame.SpeakerUser, edge)); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// detector slices converted audio into VAD frames and turns speech events
// into turn edges.
type detector struct {
	sess       vad.SessionHandle
	conv       *audio.FormatConverter
	frameBytes int // 0 passes whole frames through
	buf        []byte
	speaking   bool
	log        *slog.Logger
}

func (d *detector) feed(af audio.AudioFrame) []frame.Edge {
	pcm := d.conv.Convert(af).Data
	if len(pcm) == 0 {
		return nil
	}
	if d.frameBytes <= 0 {
		return d.process(pcm, nil)
	}

	d.buf = append(d.buf, pcm...)
	var edges []frame.Edge
	n := 0
	for len(d.buf)-n >= d.frameBytes {
		edges = d.process(d.buf[n:n+d.frameBytes], edges)
		n += d.frameBytes
	}
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
	return edges
}

func (d *detector) process(pcm []byte, edges []frame.Edge) []frame.Edge {
	ev, err := d.sess.ProcessFrame(pcm)
	if err != nil {
		d.log.Warn("vad: dropping frame", "err", err)
		return edges
	}
	switch ev.Type {
	case vad.SpeechStart:
		if !d.speaking {
			d.speaking = true
			edges = append(edges, frame.EdgeStart)
		}
	case vad.SpeechEnd:
		if d.speaking {
			d.speaking = false
			edges = append(edges, frame.EdgeEnd)
		}
	}
	return edges
}

var _ pipeline.Stage = (*TransportIn)(nil)
