// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that multiple concurrent audio streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, which suits the transport input stage that turns it into turn
// boundaries.
//
// A single SessionHandle should not be shared across goroutines unless the
// implementation documents otherwise.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the mono 16-bit PCM passed
	// to ProcessFrame.
	SampleRate int

	// FrameSizeMs, when non-zero, requires every frame to be exactly this
	// long. Zero accepts frames of any length.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64

	// SilenceDuration is how long silence must last before an active speech
	// segment ends. This is the turn boundary threshold.
	SilenceDuration time.Duration

	// MinSpeechDuration is how long speech must last before SpeechStart fires.
	MinSpeechDuration time.Duration
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("vad: invalid sample rate %d", c.SampleRate)
	case c.FrameSizeMs < 0:
		return fmt.Errorf("vad: invalid frame size %d ms", c.FrameSizeMs)
	case c.SpeechThreshold < 0 || c.SpeechThreshold > 1:
		return fmt.Errorf("vad: speech threshold %v out of range [0,1]", c.SpeechThreshold)
	case c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold:
		return fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold)
	case c.SilenceDuration < 0 || c.MinSpeechDuration < 0:
		return errors.New("vad: durations must not be negative")
	}
	return nil
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian 16-bit mono PCM and
	// returns the detection result. It must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
