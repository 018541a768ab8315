package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several synthesis
// backends. All backends must produce the same output format, so the
// transport-out stage never sees the format change mid-session.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	format audio.Format
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		format: primary.OutputFormat(),
	}
}

// AddFallback registers an additional TTS provider. It fails when the
// provider's output format differs from the primary's.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got := p.OutputFormat(); got != f.format {
		return fmt.Errorf("resilience: tts fallback %q outputs %s, primary outputs %s", name, got, f.format)
	}
	f.group.AddFallback(name, p)
	return nil
}

// SynthesizeStream starts synthesis on the first healthy backend. Only stream
// setup fails over: the text channel cannot be replayed once a backend has
// read from it.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

// OutputFormat implements tts.Provider.
func (f *TTSFallback) OutputFormat() audio.Format { return f.format }
