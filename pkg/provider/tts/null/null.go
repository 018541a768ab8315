// Package null provides a TTS provider that synthesises silence. It is
// registered as "fake-null" and lets the pipeline run end to end without a
// speech backend.
package null

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

// chunkDuration is the length of silence produced per text fragment.
const chunkDuration = 20 * time.Millisecond

// Provider implements tts.Provider.
type Provider struct {
	format audio.Format
}

// New returns a Provider producing silence in format f. A zero format
// defaults to 16 kHz mono.
func New(f audio.Format) *Provider {
	if !f.Valid() {
		f = audio.Mono16k
	}
	return &Provider{format: f}
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format { return p.format }

// SynthesizeStream emits one chunk of silence for every non-blank fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.Voice) (<-chan []byte, error) {
	size := p.format.BytesPerSecond() * int(chunkDuration) / int(time.Second)
	ch := make(chan []byte, 8)
	go func() {
		defer close(ch)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(s) == "" {
					continue
				}
				select {
				case ch <- make([]byte, size):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ tts.Provider = (*Provider)(nil)
