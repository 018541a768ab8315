// Package llm defines the LanguageModel capability port.
//
// A Provider turns a conversation snapshot into a stream of text fragments.
// Backends (OpenAI-compatible APIs, any-llm-go, the deterministic echo model
// used in tests) implement Provider independently; nothing is shared between
// them except this contract.
//
// Implementations must be safe for concurrent use. The channel returned by
// StreamCompletion must be closed by the implementation when generation ends
// or when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel of Chunk
	// values in generation order. The channel is closed when generation
	// finishes or ctx is cancelled; it is never nil when err is nil.
	//
	// The returned error is non-nil only if the stream could not be started.
	// Failures after the stream has started are reported as a final Chunk
	// with Err set. Errors should be classified with provider.Transient or
	// provider.Permanent so the caller can decide whether to retry.
	//
	// Callers must drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata about the configured model.
	Capabilities() ModelCapabilities
}
