// Package webrtc implements [audio.Transport] over a WebRTC peer connection
// negotiated with a single offer/answer exchange. The browser sends and
// receives one Opus audio track; no trickle ICE is used, so the answer
// already carries every local candidate.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/audio/opus"
)

// Format is the PCM format on both sides of the transport.
var Format = audio.Format{SampleRate: opus.SampleRate, Channels: 1}

// Config configures NewFromOffer.
type Config struct {
	// ICEServers are STUN/TURN URLs offered to the ICE agent.
	ICEServers []string

	// Buffer is the frame capacity of each direction. Default: 64.
	Buffer int

	Logger *slog.Logger
}

// Transport is one negotiated peer connection.
type Transport struct {
	*audio.Endpoint

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	enc   *opus.Encoder
	log   *slog.Logger
	clear chan struct{}
}

var (
	_ audio.Transport   = (*Transport)(nil)
	_ audio.Interrupter = (*Transport)(nil)
)

// NewFromOffer answers the remote SDP offer and returns the transport along
// with the answer SDP. ctx bounds negotiation only; the connection lives until
// Close or until the peer goes away.
func NewFromOffer(ctx context.Context, offerSDP string, cfg Config) (*Transport, string, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	t, err := newTransport(pc, cfg)
	if err != nil {
		_ = pc.Close()
		return nil, "", err
	}
	answer, err := t.negotiate(ctx, offerSDP)
	if err != nil {
		_ = t.Close()
		return nil, "", err
	}
	go t.sendLoop()
	return t, answer, nil
}

func newTransport(pc *webrtc.PeerConnection, cfg Config) (*Transport, error) {
	enc, err := opus.NewEncoder(Format.Channels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opus.SampleRate, Channels: 2},
		"audio", "voicepipe",
	)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("webrtc: add track: %w", err)
	}

	t := &Transport{
		pc:    pc,
		track: track,
		enc:   enc,
		log:   cfg.Logger,
		clear: make(chan struct{}, 1),
	}
	t.Endpoint = audio.NewEndpoint(Format, Format, cfg.Buffer, t.shutdown)

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Debug("webrtc: remote track", "codec", remote.Codec().MimeType, "ssrc", uint32(remote.SSRC()))
		go t.receive(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("webrtc: connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.EndInput()
		}
	})
	return t, nil
}

func (t *Transport) negotiate(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("webrtc: gather candidates: %w", ctx.Err())
	}
	return t.pc.LocalDescription().SDP, nil
}

// receive decodes the remote track until it ends.
func (t *Transport) receive(remote *webrtc.TrackRemote) {
	defer t.EndInput()
	dec, err := opus.NewDecoder(Format.Channels)
	if err != nil {
		t.log.Error("webrtc: create decoder", "err", err)
		return
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		t.handlePacket(dec, pkt)
	}
}

func (t *Transport) handlePacket(dec *opus.Decoder, pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	pcm, err := dec.Decode(pkt.Payload)
	if err != nil {
		t.log.Debug("webrtc: decode", "err", err)
		return
	}
	t.Deliver(audio.AudioFrame{Data: pcm, SampleRate: Format.SampleRate, Channels: Format.Channels})
}

// ClearOutput drops queued playback, including audio already encoded.
func (t *Transport) ClearOutput() {
	t.Endpoint.ClearOutput()
	select {
	case t.clear <- struct{}{}:
	default:
	}
}

// sendLoop writes one Opus packet per frame interval. Packets are paced
// because the track forwards samples as fast as they are written.
func (t *Transport) sendLoop() {
	ticker := time.NewTicker(opus.FrameDuration)
	defer ticker.Stop()

	var pending [][]byte
	for {
		select {
		case <-t.Done():
			return
		case <-t.clear:
			pending = nil
			t.enc.Reset()
		case <-ticker.C:
			pending = t.fill(pending)
			if len(pending) == 0 {
				continue
			}
			err := t.track.WriteSample(media.Sample{Data: pending[0], Duration: opus.FrameDuration})
			pending = pending[1:]
			if err != nil && !errors.Is(err, context.Canceled) {
				t.log.Debug("webrtc: write sample", "err", err)
			}
		}
	}
}

// fill encodes queued frames until at least one packet is pending or the
// playback queue is empty.
func (t *Transport) fill(pending [][]byte) [][]byte {
	for len(pending) == 0 {
		select {
		case f := <-t.Outgoing():
			pkts, err := t.enc.Encode(f.Data)
			if err != nil {
				t.log.Debug("webrtc: encode", "err", err)
				continue
			}
			pending = append(pending, pkts...)
		default:
			// Nothing queued: send the tail of the last response.
			pkt, err := t.enc.Flush()
			if err != nil {
				t.log.Debug("webrtc: encode", "err", err)
			}
			if pkt != nil {
				pending = append(pending, pkt)
			}
			return pending
		}
	}
	return pending
}

func (t *Transport) shutdown() error {
	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("webrtc: close peer connection: %w", err)
	}
	return nil
}
