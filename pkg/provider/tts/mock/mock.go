// Package mock provides a test double for the tts.Provider interface.
//
// Provider answers every text fragment with one audio chunk (AudioPerText, or a
// copy of the fragment's bytes when unset) and records what it was asked to
// say.
//
//	p := &mock.Provider{Format: audio.Mono16k}
//	ch, _ := p.SynthesizeStream(ctx, textCh, tts.Voice{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the Voice passed to SynthesizeStream.
	Voice tts.Voice

	// Texts holds the fragments read from the text channel so far.
	Texts []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Format is returned by OutputFormat. Zero means audio.Mono16k.
	Format audio.Format

	// AudioPerText, if non-nil, is emitted once per received fragment.
	AudioPerText []byte

	// ChunkDelay is waited before emitting each chunk.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned by the first FailTimes calls,
	// or every call when FailTimes is zero.
	SynthesizeErr error
	FailTimes     int

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	open      int
	cancelled int
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Format.Valid() {
		return audio.Mono16k
	}
	return p.Format
}

// SynthesizeStream records the call and starts echoing fragments as audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	if p.SynthesizeErr != nil && (p.FailTimes == 0 || idx < p.FailTimes) {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	fixed := p.AudioPerText
	delay := p.ChunkDelay
	p.open++
	p.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		defer func() {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
		}()
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.SynthesizeStreamCalls[idx].Texts = append(p.SynthesizeStreamCalls[idx].Texts, s)
				p.mu.Unlock()

				out := fixed
				if out == nil {
					out = []byte(s)
				} else {
					out = append([]byte(nil), out...)
				}
				if delay > 0 {
					t := time.NewTimer(delay)
					select {
					case <-t.C:
					case <-ctx.Done():
						t.Stop()
						p.markCancelled()
						return
					}
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					p.markCancelled()
					return
				}
			case <-ctx.Done():
				p.markCancelled()
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
}

// Calls returns a deep copy of SynthesizeStreamCalls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	for i, c := range p.SynthesizeStreamCalls {
		out[i] = SynthesizeStreamCall{Voice: c.Voice, Texts: append([]string(nil), c.Texts...)}
	}
	return out
}

// OpenStreams returns how many synthesis goroutines are still running.
func (p *Provider) OpenStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// CancelledCount returns how many streams ended through ctx cancellation.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.cancelled = 0
}

var _ tts.Provider = (*Provider)(nil)
