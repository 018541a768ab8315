// Package opus converts between 20 ms Opus packets and 16-bit PCM for the
// transports that carry Opus on the wire (Discord and WebRTC). It wraps
// layeh.com/gopus, which links libopus.
package opus

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

// SampleRate is the only rate the transports negotiate.
const SampleRate = 48000

// FrameDuration is the packet length used for encoding.
const FrameDuration = 20 * time.Millisecond

// maxPacketBytes bounds a single encoded packet.
const maxPacketBytes = 4000

// frameSamples is the number of samples per channel in one frame.
const frameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

// maxDecodeSamples is the longest Opus frame (120 ms) per channel.
const maxDecodeSamples = SampleRate * 120 / 1000

// Decoder turns Opus packets from one stream into PCM.
// A Decoder keeps state between packets and must not be shared between
// streams.
type Decoder struct {
	dec      *gopus.Decoder
	channels int
}

// NewDecoder returns a decoder producing 48 kHz PCM with channels channels.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, channels: channels}, nil
}

// Format is the PCM format Decode produces.
func (d *Decoder) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: d.channels}
}

// Decode decodes one packet into little-endian PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxDecodeSamples, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Bytes(pcm), nil
}

// Encoder cuts PCM into 20 ms frames and encodes each one. PCM that does not
// fill a frame is kept for the next call.
type Encoder struct {
	enc      *gopus.Encoder
	channels int
	buf      []byte
}

// NewEncoder returns an encoder for 48 kHz PCM with channels channels.
func NewEncoder(channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc, channels: channels}, nil
}

// Format is the PCM format Encode expects.
func (e *Encoder) Format() audio.Format {
	return audio.Format{SampleRate: SampleRate, Channels: e.channels}
}

// FrameBytes is the PCM size of one encoded frame.
func (e *Encoder) FrameBytes() int { return frameSamples * e.channels * 2 }

// Encode appends pcm to the pending buffer and returns one packet per
// complete frame.
func (e *Encoder) Encode(pcm []byte) ([][]byte, error) {
	e.buf = append(e.buf, pcm...)
	size := e.FrameBytes()
	var packets [][]byte
	n := 0
	for len(e.buf)-n >= size {
		pkt, err := e.enc.Encode(audio.Samples(e.buf[n:n+size]), frameSamples, maxPacketBytes)
		n += size
		if err != nil {
			e.buf = e.buf[:copy(e.buf, e.buf[n:])]
			return packets, fmt.Errorf("opus: encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	e.buf = e.buf[:copy(e.buf, e.buf[n:])]
	return packets, nil
}

// Flush pads the pending PCM with silence to a full frame and encodes it.
// It returns nil when nothing is pending.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.buf) == 0 {
		return nil, nil
	}
	pad := e.FrameBytes() - len(e.buf)
	pkts, err := e.Encode(make([]byte, pad))
	if err != nil || len(pkts) == 0 {
		return nil, err
	}
	return pkts[0], nil
}

// Reset drops pending PCM.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }
