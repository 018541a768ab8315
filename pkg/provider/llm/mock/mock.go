// Package mock provides a test double for the llm.Provider interface.
//
// Provider can fail the first N calls, stream a fixed chunk sequence, hold a
// stream open until the caller cancels it, and records every call together
// with whether its context was cancelled.
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Hi"}, {FinishReason: "stop"}},
//	    FailTimes:    2,
//	    FailErr:      provider.Transient(errors.New("503")),
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Req is the request passed to StreamCompletion.
	Req llm.CompletionRequest

	// Failed reports whether the call returned an error.
	Failed bool
}

// Provider is a mock implementation of llm.Provider. Configure it before use.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is emitted on every successful stream, in order.
	StreamChunks []llm.Chunk

	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration

	// FailTimes is how many calls fail with FailErr before calls succeed.
	FailTimes int

	// FailErr is returned by the failing calls. When FailMidStream is set it
	// is delivered as the Err of the first chunk instead of from
	// StreamCompletion itself.
	FailErr       error
	FailMidStream bool

	// StreamErr, if non-nil, is returned by every call after FailTimes.
	StreamErr error

	// HoldOpen keeps each stream open after StreamChunks until its context
	// is cancelled.
	HoldOpen bool

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records ---

	// StreamCalls records every invocation of StreamCompletion.
	StreamCalls []StreamCall

	// Cancelled counts streams that ended because their context was done.
	Cancelled int

	// Open is the number of stream goroutines that have not exited.
	Open int

	started      chan struct{}
	once         sync.Once
	closeStarted sync.Once
}

// Started returns a channel that is closed when the first successful stream
// has delivered all of StreamChunks.
func (p *Provider) Started() <-chan struct{} {
	p.once.Do(func() { p.started = make(chan struct{}) })
	return p.started
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.Started()

	p.mu.Lock()
	call := len(p.StreamCalls)
	failing := call < p.FailTimes
	rec := StreamCall{Req: copyRequest(req)}
	if failing && !p.FailMidStream {
		rec.Failed = true
		p.StreamCalls = append(p.StreamCalls, rec)
		err := p.FailErr
		p.mu.Unlock()
		return nil, err
	}
	if !failing && p.StreamErr != nil {
		rec.Failed = true
		p.StreamCalls = append(p.StreamCalls, rec)
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	p.StreamCalls = append(p.StreamCalls, rec)
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	if failing {
		chunks = []llm.Chunk{{FinishReason: "error", Err: p.FailErr}}
	}
	delay, hold := p.ChunkDelay, p.HoldOpen && !failing
	p.Open++
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		defer func() {
			p.mu.Lock()
			p.Open--
			p.mu.Unlock()
		}()
		cancelled := func() {
			p.mu.Lock()
			p.Cancelled++
			p.mu.Unlock()
		}

		for _, c := range chunks {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					cancelled()
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				cancelled()
				return
			}
		}
		if !failing {
			p.closeStarted.Do(func() { close(p.started) })
		}
		if hold {
			<-ctx.Done()
			cancelled()
		}
	}()
	return ch, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of StreamCalls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// CancelledCount returns Cancelled under the lock.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

// OpenCount returns Open under the lock.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Open
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.Cancelled = 0
}

func copyRequest(req llm.CompletionRequest) llm.CompletionRequest {
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	return req
}

var _ llm.Provider = (*Provider)(nil)
