package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/frame"
	"github.com/MrWong99/voicepipe/pkg/provider"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

// TTS turns streamed response tokens into speech. Tokens are collected into
// sentences, and every sentence is handed to the synthesiser as soon as it is
// complete, so playback starts before the response has finished.
//
// Responses are spoken one after another. Control(Interrupt) cancels the
// synthesis in flight, discards everything not yet spoken and is forwarded.
type TTS struct {
	provider tts.Provider
	voice    tts.Voice
	format   audio.Format
	o        options
}

// NewTTS returns a synthesis stage speaking with voice.
func NewTTS(p tts.Provider, voice tts.Voice, opts ...Option) *TTS {
	return &TTS{provider: p, voice: voice, format: p.OutputFormat(), o: buildOptions(NameTTS, opts)}
}

// Name implements pipeline.Stage.
func (s *TTS) Name() string { return NameTTS }

// Boundary implements pipeline.Stage.
func (s *TTS) Boundary() pipeline.Boundary {
	return pipeline.Boundary{
		In:       frame.NewSet(frame.KindLLMToken, frame.KindLLMComplete, frame.KindControl),
		Out:      frame.NewSet(frame.KindSynthesizedAudio, frame.KindControl),
		Requires: frame.NewSet(frame.KindLLMToken),
	}
}

// utterance is the speech for one LLM response.
type utterance struct {
	buf       strings.Builder // tokens not yet split into sentences
	sentences []string        // complete sentences not yet handed to the synthesiser
	complete  bool

	// Set once synthesis has started.
	cancel     context.CancelFunc
	text       chan string
	textClosed bool
	audio      <-chan []byte
	started    time.Time
	spoken     bool
	carry      []byte // odd trailing byte of the previous chunk
	offset     time.Duration
}

func (u *utterance) add(token string) {
	u.buf.WriteString(token)
	rest := u.buf.String()
	for {
		i := firstSentenceBoundary(rest)
		if i < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:i+1]); s != "" {
			u.sentences = append(u.sentences, s)
		}
		rest = rest[i+1:]
	}
	u.buf.Reset()
	u.buf.WriteString(rest)
}

func (u *utterance) finish() {
	if s := strings.TrimSpace(u.buf.String()); s != "" {
		u.sentences = append(u.sentences, s)
	}
	u.buf.Reset()
	u.complete = true
}

// stop cancels synthesis and waits for the provider to close its audio
// channel.
func (u *utterance) stop() {
	if u.cancel != nil {
		u.cancel()
	}
	if u.text != nil && !u.textClosed {
		close(u.text)
		u.textClosed = true
	}
	if u.audio != nil {
		audio.Drain(u.audio)
		u.audio = nil
	}
}

// Run implements pipeline.Stage.
func (s *TTS) Run(ctx context.Context, in <-chan frame.Frame, out pipeline.Emitter) error {
	var (
		queue []*utterance
		// skipping drops the rest of a response whose synthesis could not
		// be started.
		skipping bool
	)
	defer func() {
		for _, u := range queue {
			u.stop()
		}
	}()

	tail := func() *utterance {
		if n := len(queue); n > 0 && !queue[n-1].complete {
			return queue[n-1]
		}
		u := &utterance{}
		queue = append(queue, u)
		return u
	}

	for {
		// Start synthesis for the head and close its text once everything
		// has been handed over.
		for len(queue) > 0 {
			head := queue[0]
			if head.audio == nil {
				if head.complete && len(head.sentences) == 0 {
					queue = queue[1:]
					continue
				}
				ok, err := s.start(ctx, head)
				if err != nil {
					return err
				}
				if !ok {
					skipping = !head.complete
					queue = queue[1:]
					continue
				}
			}
			if head.complete && len(head.sentences) == 0 && !head.textClosed {
				close(head.text)
				head.textClosed = true
			}
			break
		}
		if in == nil && len(queue) == 0 {
			return nil
		}

		var (
			send     chan<- string
			sentence string
			audioCh  <-chan []byte
		)
		if len(queue) > 0 {
			head := queue[0]
			audioCh = head.audio
			if len(head.sentences) > 0 {
				send, sentence = head.text, head.sentences[0]
			}
		}

		select {
		case f, ok := <-in:
			if !ok {
				in = nil
				if n := len(queue); n > 0 {
					queue[n-1].finish()
				}
				continue
			}
			switch f.Kind {
			case frame.KindLLMToken:
				if !skipping {
					tail().add(f.Text)
				}
			case frame.KindLLMComplete:
				skipping = false
				if n := len(queue); n > 0 && !queue[n-1].complete {
					queue[n-1].finish()
				}
			case frame.KindControl:
				if f.Signal == frame.SignalInterrupt {
					for _, u := range queue {
						u.stop()
					}
					queue = nil
					skipping = false
				}
				if err := out.Emit(ctx, f); err != nil {
					return err
				}
			}

		case send <- sentence:
			queue[0].sentences = queue[0].sentences[1:]

		case chunk, ok := <-audioCh:
			head := queue[0]
			if !ok {
				early := !head.textClosed || len(head.sentences) > 0
				head.audio = nil
				head.stop()
				queue = queue[1:]
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if early {
					s.o.log.Warn("tts stream ended early, dropping rest of response", "provider", s.o.provider)
				}
				continue
			}
			if err := s.emitAudio(ctx, head, chunk, out); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start opens the synthesis stream for u. It returns false when the stream
// could not be opened for a transient reason and the utterance should be
// skipped.
func (s *TTS) start(ctx context.Context, u *utterance) (bool, error) {
	callCtx, cancel := context.WithCancel(ctx)
	text := make(chan string)
	audioCh, err := resilience.RetryWithResult(callCtx, s.o.retryPolicy(ctx, "tts"), func(ctx context.Context) (<-chan []byte, error) {
		start := time.Now()
		ch, err := s.provider.SynthesizeStream(ctx, text, s.voice)
		s.o.recordOutcome(ctx, "tts", start, err)
		return ch, err
	})
	if err != nil {
		cancel()
		switch {
		case ctx.Err() != nil:
			return false, ctx.Err()
		case provider.Retryable(err):
			s.o.log.Warn("tts unavailable, skipping response", "provider", s.o.provider, "err", err)
			return false, nil
		default:
			return false, fmt.Errorf("tts: %w", err)
		}
	}
	u.cancel = cancel
	u.text = text
	u.audio = audioCh
	u.started = time.Now()
	return true, nil
}

func (s *TTS) emitAudio(ctx context.Context, u *utterance, chunk []byte, out pipeline.Emitter) error {
	if len(u.carry) > 0 {
		chunk = append(u.carry, chunk...)
		u.carry = nil
	}
	if len(chunk)%2 == 1 {
		u.carry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	if len(chunk) == 0 {
		return nil
	}
	if !u.spoken {
		u.spoken = true
		s.o.metrics.RecordProviderLatency(ctx, "tts.first_audio", time.Since(u.started))
	}
	af := audio.AudioFrame{
		Data:       chunk,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  u.offset,
	}
	u.offset += af.Duration()
	return out.Emit(ctx, frame.NewSynthesizedAudio(af))
}

// firstSentenceBoundary returns the index of the first sentence-ending
// punctuation mark that is followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

var _ pipeline.Stage = (*TTS)(nil)
