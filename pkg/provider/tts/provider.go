// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, Deepgram Aura,
// a silent test double) and presents a uniform streaming interface. The entry
// point is SynthesizeStream, which accepts a channel of text fragments and
// returns a channel of raw PCM audio as it becomes available, so synthesis of
// the first sentence starts while the language model is still generating.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text and returns a channel
	// that emits 16-bit little-endian PCM in OutputFormat as it is synthesised.
	//
	// The audio channel is closed when all text has been synthesised, when ctx
	// is cancelled, or when the backend fails mid-stream. The caller must drain
	// it. Only a failure to start the stream is reported as an error; such
	// errors are classified with the provider package.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// OutputFormat reports the PCM layout of the synthesised audio.
	OutputFormat() audio.Format
}
