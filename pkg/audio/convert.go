package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a fixed target format. It logs once on the
// first mismatch and once on the first malformed frame. Use one converter per
// stream; it is not safe for concurrent use.
type FormatConverter struct {
	Target Format

	mismatchOnce sync.Once
	corruptOnce  sync.Once
}

// NewFormatConverter returns a converter to target.
func NewFormatConverter(target Format) *FormatConverter {
	return &FormatConverter{Target: target}
}

// Convert returns frame in the target format. Frames already in the target
// format are returned as is. A frame whose byte count is not a whole number of
// samples is replaced by an empty frame; callers skip empty frames.
//
// Resampling happens before channel conversion so that a stereo-to-mono
// downmix never has to resample twice the samples.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("audio: odd PCM byte count, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.Format() == c.Target || !c.Target.Valid() {
		return frame
	}

	c.mismatchOnce.Do(func() {
		slog.Debug("audio: converting stream", "from", frame.Format().String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if frame.SampleRate > 0 && frame.SampleRate != c.Target.SampleRate {
		pcm = Resample(pcm, frame.Channels, frame.SampleRate, c.Target.SampleRate)
	}
	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertStream converts every frame from in and forwards non-empty results.
// The returned channel is closed after in is closed.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := NewFormatConverter(target)
		for f := range in {
			if f = conv.Convert(f); len(f.Data) > 0 {
				out <- f
			}
		}
	}()
	return out
}

// Samples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// MonoToStereo duplicates every mono sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, 2*len(in))
	for i, s := range in {
		out[2*i], out[2*i+1] = s, s
	}
	return Bytes(out)
}

// StereoToMono averages each L/R pair.
func StereoToMono(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return Bytes(out)
}

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate by linear interpolation. Invalid rates or a matching rate return
// pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	in := Samples(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			a := float64(in[idx*channels+ch])
			b := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(a + (b-a)*frac)
		}
	}
	return Bytes(out)
}
