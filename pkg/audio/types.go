package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one block of 16-bit little-endian PCM.
type AudioFrame struct {
	// Data holds interleaved int16 samples. It must not be written to after the
	// frame has been handed to another goroutine.
	Data []byte

	// SampleRate in Hz (16000 for STT input, 48000 for Opus transports).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp is the capture offset relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame. It returns 0 when the
// format is not set.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Common formats.
var (
	// Mono16k is what speech recognisers and the energy VAD consume.
	Mono16k = Format{SampleRate: 16000, Channels: 1}

	// Stereo48k is the Opus wire format used by Discord and WebRTC.
	Stereo48k = Format{SampleRate: 48000, Channels: 2}
)

// Valid reports whether both fields are positive.
func (f Format) Valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// BytesPerSecond returns the PCM byte rate for int16 samples.
func (f Format) BytesPerSecond() int { return f.SampleRate * f.Channels * 2 }

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
