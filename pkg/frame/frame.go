// Package frame defines the unit of data that moves through a voice pipeline.
//
// A [Frame] is a tagged variant: its [Kind] selects which payload fields are
// meaningful. Frames are plain values. Once a frame has been emitted it must not
// be modified; in particular the PCM slice inside an audio payload is shared
// read-only between the producer and every consumer that sees the frame.
//
// Sequence numbers and timestamps are assigned once, on first emission, by a
// [Sequencer] shared by every stage of a single pipeline run.
package frame

import (
	"fmt"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

// Speaker identifies who a [KindTurnBoundary] frame refers to.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerAssistant
)

// String returns "user" or "assistant".
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("Speaker(%d)", int(s))
	}
}

// Edge marks whether a turn boundary opens or closes an utterance.
type Edge int

const (
	EdgeStart Edge = iota
	EdgeEnd
)

// String returns "start" or "end".
func (e Edge) String() string {
	if e == EdgeStart {
		return "start"
	}
	return "end"
}

// Signal is the payload of a [KindControl] frame.
type Signal int

const (
	// SignalStart is the first frame a source emits in a run.
	SignalStart Signal = iota

	// SignalInterrupt asks every stage downstream of the emitter to abandon the
	// response currently in flight (barge-in).
	SignalInterrupt
)

// String returns the lower-case signal name.
func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Frame is the atomic unit of streaming data.
type Frame struct {
	Kind Kind

	// Seq is a run-wide, strictly increasing sequence number. Zero means the
	// frame has not been emitted yet.
	Seq uint64

	// Timestamp is the wall-clock time of first emission.
	Timestamp time.Time

	// Audio is set for KindAudioChunk and KindSynthesizedAudio.
	Audio audio.AudioFrame

	// Text is set for KindTranscript, KindPartialTranscript and KindLLMToken.
	Text string

	// Speaker and Edge are set for KindTurnBoundary.
	Speaker Speaker
	Edge    Edge

	// Signal is set for KindControl.
	Signal Signal

	// Interrupted is set on KindLLMComplete when the response was cut short.
	Interrupted bool
}

// String renders the frame for logs without dumping audio payloads.
func (f Frame) String() string {
	switch f.Kind {
	case KindAudioChunk, KindSynthesizedAudio:
		return fmt.Sprintf("%s#%d(%d bytes)", f.Kind, f.Seq, len(f.Audio.Data))
	case KindTranscript, KindPartialTranscript, KindLLMToken:
		return fmt.Sprintf("%s#%d(%q)", f.Kind, f.Seq, f.Text)
	case KindTurnBoundary:
		return fmt.Sprintf("%s#%d(%s %s)", f.Kind, f.Seq, f.Speaker, f.Edge)
	case KindLLMComplete:
		return fmt.Sprintf("%s#%d(interrupted=%t)", f.Kind, f.Seq, f.Interrupted)
	case KindControl:
		return fmt.Sprintf("%s#%d(%s)", f.Kind, f.Seq, f.Signal)
	default:
		return fmt.Sprintf("%s#%d", f.Kind, f.Seq)
	}
}

// NewAudioChunk wraps captured PCM.
func NewAudioChunk(a audio.AudioFrame) Frame {
	return Frame{Kind: KindAudioChunk, Audio: a}
}

// NewTranscript returns a final transcript frame.
func NewTranscript(text string) Frame {
	return Frame{Kind: KindTranscript, Text: text}
}

// NewPartialTranscript returns an interim transcript frame.
func NewPartialTranscript(text string) Frame {
	return Frame{Kind: KindPartialTranscript, Text: text}
}

// NewTurnBoundary returns a boundary frame for speaker.
func NewTurnBoundary(speaker Speaker, edge Edge) Frame {
	return Frame{Kind: KindTurnBoundary, Speaker: speaker, Edge: edge}
}

// NewLLMToken returns a streamed text fragment.
func NewLLMToken(text string) Frame {
	return Frame{Kind: KindLLMToken, Text: text}
}

// NewLLMComplete terminates one language-model response.
func NewLLMComplete(interrupted bool) Frame {
	return Frame{Kind: KindLLMComplete, Interrupted: interrupted}
}

// NewSynthesizedAudio wraps PCM produced by speech synthesis.
func NewSynthesizedAudio(a audio.AudioFrame) Frame {
	return Frame{Kind: KindSynthesizedAudio, Audio: a}
}

// NewControl returns a control frame.
func NewControl(sig Signal) Frame {
	return Frame{Kind: KindControl, Signal: sig}
}
