// Package echo provides a deterministic language model that repeats the last
// user message back. It is registered as "fake-echo" and is used for local
// smoke tests of the pipeline without any network access.
package echo

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider/llm"
)

// Prefix starts every reply.
const Prefix = "You said: "

// Provider implements llm.Provider without a backend.
type Provider struct {
	delay time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithTokenDelay waits d between streamed tokens.
func WithTokenDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// New returns an echo Provider.
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Reply returns the complete response the provider gives for a conversation
// whose last user message is text.
func Reply(text string) string {
	return Prefix + text
}

// StreamCompletion implements llm.Provider. The reply is streamed one word at
// a time, each token carrying its leading space, so that concatenating the
// tokens yields exactly Reply(lastUserMessage).
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	tokens := Tokens(Reply(last))

	ch := make(chan llm.Chunk, 1)
	go func() {
		defer close(ch)
		for _, tok := range tokens {
			if p.delay > 0 {
				t := time.NewTimer(p.delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			select {
			case ch <- llm.Chunk{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilities{ContextWindow: 1 << 20, MaxOutputTokens: 1 << 20, SupportsStreaming: true}
}

// Tokens splits s into word tokens. Every token after the first keeps the
// space that preceded it.
func Tokens(s string) []string {
	words := strings.Fields(s)
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

var _ llm.Provider = (*Provider)(nil)
