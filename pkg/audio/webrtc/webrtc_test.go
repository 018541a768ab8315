package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/audio/opus"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	enc, err := opus.NewEncoder(Format.Channels)
	if err != nil {
		t.Fatal(err)
	}
	tr := &Transport{enc: enc, log: slog.New(slog.DiscardHandler), clear: make(chan struct{}, 1)}
	tr.Endpoint = audio.NewEndpoint(Format, Format, 8, nil)
	return tr
}

func TestHandlePacket_DeliversPCM(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(t)
	dec, err := opus.NewDecoder(Format.Channels)
	if err != nil {
		t.Fatal(err)
	}
	pkts, err := tr.enc.Encode(make([]byte, tr.enc.FrameBytes()))
	if err != nil || len(pkts) != 1 {
		t.Fatalf("Encode = %d packets, %v", len(pkts), err)
	}

	tr.handlePacket(dec, &rtp.Packet{Payload: pkts[0]})
	tr.handlePacket(dec, &rtp.Packet{}) // empty payloads are ignored

	select {
	case f := <-tr.Input():
		if f.SampleRate != 48000 || f.Channels != 1 {
			t.Errorf("format = %d/%d, want 48000/1", f.SampleRate, f.Channels)
		}
		if len(f.Data) != 1920 {
			t.Errorf("len(Data) = %d, want 1920", len(f.Data))
		}
	default:
		t.Fatal("no frame delivered")
	}
	select {
	case f := <-tr.Input():
		t.Fatalf("unexpected second frame of %d bytes", len(f.Data))
	default:
	}
}

func TestFill_EncodesAndFlushes(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(t)
	ctx := context.Background()
	frameBytes := tr.enc.FrameBytes()

	if err := tr.Send(ctx, audio.AudioFrame{Data: make([]byte, frameBytes+100), SampleRate: 48000, Channels: 1}); err != nil {
		t.Fatal(err)
	}
	pending := tr.fill(nil)
	if len(pending) != 1 {
		t.Fatalf("first fill = %d packets, want 1", len(pending))
	}
	// The queue is empty now, so the 100 leftover bytes are padded and sent.
	pending = tr.fill(nil)
	if len(pending) != 1 {
		t.Fatalf("second fill = %d packets, want 1", len(pending))
	}
	if pending = tr.fill(nil); len(pending) != 0 {
		t.Errorf("third fill = %d packets, want 0", len(pending))
	}
}

func TestClearOutput_SignalsSendLoop(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(t)
	for range 3 {
		if err := tr.Send(context.Background(), audio.AudioFrame{Data: make([]byte, 320), SampleRate: 48000, Channels: 1}); err != nil {
			t.Fatal(err)
		}
	}
	tr.ClearOutput()
	tr.ClearOutput()

	if n := len(tr.Outgoing()); n != 0 {
		t.Errorf("%d frames still queued", n)
	}
	if n := len(tr.clear); n != 1 {
		t.Errorf("clear signals = %d, want 1", n)
	}
}

func TestOfferHandler_RejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := OfferHandler(Config{}, func(*Transport, string) (string, error) {
		t.Error("start called")
		return "", nil
	})
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "sdp"},
		{name: "wrong type", body: `{"type":"answer","sdp":"v=0"}`},
		{name: "missing sdp", body: `{"type":"offer"}`},
		{name: "garbage sdp", body: `{"type":"offer","sdp":"not an sdp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestOfferHandler_Loopback(t *testing.T) {
	t.Parallel()

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		t.Fatal(err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(client)
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("client gathering timed out")
	}

	started := make(chan *Transport, 1)
	srv := httptest.NewServer(OfferHandler(Config{}, func(tr *Transport, remote string) (string, error) {
		started <- tr
		return "session-1", nil
	}))
	defer srv.Close()

	body, _ := json.Marshal(Offer{Type: "offer", SDP: client.LocalDescription().SDP})
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ans Answer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		t.Fatal(err)
	}
	if ans.Type != "answer" || ans.SessionID != "session-1" {
		t.Errorf("answer = %+v", ans)
	}
	if !strings.Contains(strings.ToLower(ans.SDP), "opus") {
		t.Errorf("answer does not negotiate opus:\n%s", ans.SDP)
	}

	tr := <-started
	if err := tr.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	// Closing the peer connection ends input.
	select {
	case _, ok := <-tr.Input():
		for ok {
			_, ok = <-tr.Input()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("input not closed after Close")
	}
}
