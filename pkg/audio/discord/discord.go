// Package discord implements [audio.Transport] on a Discord voice channel
// using bwmarrin/discordgo. Discord carries 48 kHz stereo Opus in both
// directions.
//
// A transport holds one conversation, so only one member is listened to:
// the first one heard after joining. Everyone else in the channel is
// ignored until the transport is closed.
package discord

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/audio/opus"
)

// Format is the PCM format on both sides of the transport.
var Format = audio.Stereo48k

// Options configures Join.
type Options struct {
	// Buffer is the frame capacity of each direction. Default: 64.
	Buffer int

	Logger *slog.Logger
}

// Transport is a joined voice channel.
type Transport struct {
	*audio.Endpoint

	vc    *discordgo.VoiceConnection
	log   *slog.Logger
	clear chan struct{}

	// speaker is the SSRC being listened to; 0 until someone speaks.
	speaker atomic.Uint32

	// Overridden in tests.
	disconnectVC func() error
	speaking     func(bool) error
}

var (
	_ audio.Transport   = (*Transport)(nil)
	_ audio.Interrupter = (*Transport)(nil)
)

// Join joins the voice channel and starts relaying audio. The session must
// already be open and own the guild.
func Join(s *discordgo.Session, guildID, channelID string, opts Options) (*Transport, error) {
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	t, err := newTransport(vc, vc.Disconnect, vc.Speaking, opts)
	if err != nil {
		_ = vc.Disconnect()
		return nil, err
	}
	return t, nil
}

func newTransport(vc *discordgo.VoiceConnection, disconnect func() error, speaking func(bool) error, opts Options) (*Transport, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	enc, err := opus.NewEncoder(Format.Channels)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	t := &Transport{
		vc:           vc,
		log:          opts.Logger,
		clear:        make(chan struct{}, 1),
		disconnectVC: disconnect,
		speaking:     speaking,
	}
	t.Endpoint = audio.NewEndpoint(Format, Format, opts.Buffer, t.shutdown)
	go t.recvLoop()
	go t.sendLoop(enc)
	return t, nil
}

// Speaker returns the SSRC of the member being listened to, or 0.
func (t *Transport) Speaker() uint32 { return t.speaker.Load() }

// ClearOutput drops queued playback, including packets already handed to
// the voice connection but not yet sent.
func (t *Transport) ClearOutput() {
	t.Endpoint.ClearOutput()
	select {
	case t.clear <- struct{}{}:
	default:
	}
}

func (t *Transport) shutdown() error {
	if err := t.disconnectVC(); err != nil {
		return fmt.Errorf("discord: disconnect: %w", err)
	}
	return nil
}

func (t *Transport) recvLoop() {
	defer t.EndInput()
	var dec *opus.Decoder
	for {
		select {
		case <-t.Done():
			return
		case pkt, ok := <-t.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			if !t.speaker.CompareAndSwap(0, pkt.SSRC) && t.speaker.Load() != pkt.SSRC {
				continue
			}
			if dec == nil {
				var err error
				if dec, err = opus.NewDecoder(Format.Channels); err != nil {
					t.log.Error("discord: create decoder", "err", err)
					return
				}
				t.log.Debug("discord: listening", "ssrc", pkt.SSRC)
			}
			pcm, err := dec.Decode(pkt.Opus)
			if err != nil {
				t.log.Debug("discord: decode", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			t.Deliver(audio.AudioFrame{
				Data:       pcm,
				SampleRate: Format.SampleRate,
				Channels:   Format.Channels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(Format.SampleRate),
			})
		}
	}
}

// sendLoop encodes playback into OpusSend. discordgo paces the packets
// itself.
func (t *Transport) sendLoop(enc *opus.Encoder) {
	speaking := false
	setSpeaking := func(b bool) {
		if b == speaking {
			return
		}
		speaking = b
		if err := t.speaking(b); err != nil {
			t.log.Debug("discord: speaking", "speaking", b, "err", err)
		}
	}
	defer setSpeaking(false)

	for {
		select {
		case <-t.Done():
			return
		case <-t.clear:
			enc.Reset()
			t.dropQueued()
			setSpeaking(false)
		case f := <-t.Outgoing():
			pkts, err := enc.Encode(f.Data)
			if err != nil {
				t.log.Debug("discord: encode", "err", err)
			}
			if len(pkts) > 0 {
				setSpeaking(true)
			}
			if !t.send(pkts) {
				enc.Reset()
				t.dropQueued()
				setSpeaking(false)
			}
		}
	}
}

// send hands pkts to the voice connection. It returns false when playback
// was cleared or the transport closed first.
func (t *Transport) send(pkts [][]byte) bool {
	for _, pkt := range pkts {
		select {
		case t.vc.OpusSend <- pkt:
		case <-t.clear:
			return false
		case <-t.Done():
			return false
		}
	}
	return true
}

// dropQueued empties OpusSend without blocking.
func (t *Transport) dropQueued() {
	for {
		select {
		case <-t.vc.OpusSend:
		default:
			return
		}
	}
}
