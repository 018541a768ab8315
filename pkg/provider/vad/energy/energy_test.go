package energy

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// frame returns 20 ms of 16 kHz PCM at a constant amplitude.
func frame(amp int16) []byte {
	b := make([]byte, 640)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(amp))
	}
	return b
}

func TestProbability(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		min  float64
		max  float64
	}{
		{"empty", nil, 0, 0},
		{"silence", frame(0), 0, 0},
		{"loud", frame(16384), 1, 1},
		{"quiet", frame(10), 0, 0.01},
		{"mid", frame(328), 0.45, 0.55}, // about -40 dBFS
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Probability(tt.in)
			if p < tt.min || p > tt.max {
				t.Errorf("Probability = %v, want [%v, %v]", p, tt.min, tt.max)
			}
		})
	}
}

func TestSession_StartContinueEnd(t *testing.T) {
	cfg := DefaultConfig(16000)
	cfg.MinSpeechDuration = 40 * time.Millisecond
	cfg.SilenceDuration = 100 * time.Millisecond
	s, err := New().NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	loud, quiet := frame(16384), frame(0)
	var got []vad.EventType
	feed := func(f []byte, n int) {
		for range n {
			ev, err := s.ProcessFrame(f)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, ev.Type)
		}
	}
	feed(quiet, 2)
	feed(loud, 3)
	feed(quiet, 5)
	feed(quiet, 1)

	want := []vad.EventType{
		vad.Silence, vad.Silence,
		vad.Silence, vad.SpeechStart, vad.SpeechContinue,
		vad.SpeechContinue, vad.SpeechContinue, vad.SpeechContinue, vad.SpeechContinue, vad.SpeechEnd,
		vad.Silence,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSession_ShortPauseKeepsSpeaking(t *testing.T) {
	cfg := DefaultConfig(16000)
	cfg.MinSpeechDuration = 0
	s, _ := New().NewSession(cfg)

	if ev, _ := s.ProcessFrame(frame(16384)); ev.Type != vad.SpeechStart {
		t.Fatalf("first loud frame = %v", ev.Type)
	}
	for range 10 { // 200 ms < 500 ms
		if ev, _ := s.ProcessFrame(frame(0)); ev.Type != vad.SpeechContinue {
			t.Fatalf("pause frame = %v, want continue", ev.Type)
		}
	}
	if ev, _ := s.ProcessFrame(frame(16384)); ev.Type != vad.SpeechContinue {
		t.Fatalf("resumed frame = %v", ev.Type)
	}
}

func TestSession_ResetAndClose(t *testing.T) {
	cfg := DefaultConfig(16000)
	cfg.MinSpeechDuration = 0
	s, _ := New().NewSession(cfg)
	_, _ = s.ProcessFrame(frame(16384))
	s.Reset()
	if ev, _ := s.ProcessFrame(frame(0)); ev.Type != vad.Silence {
		t.Errorf("after Reset got %v, want silence", ev.Type)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessFrame(frame(0)); err != vad.ErrSessionClosed {
		t.Errorf("ProcessFrame after Close = %v", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*vad.Config)
	}{
		{"zero rate", func(c *vad.Config) { c.SampleRate = 0 }},
		{"threshold > 1", func(c *vad.Config) { c.SpeechThreshold = 1.5 }},
		{"silence above speech", func(c *vad.Config) { c.SilenceThreshold = 0.9 }},
		{"negative duration", func(c *vad.Config) { c.SilenceDuration = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(16000)
			tt.mod(&cfg)
			if _, err := New().NewSession(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProcessFrame_FrameSize(t *testing.T) {
	cfg := DefaultConfig(16000)
	cfg.FrameSizeMs = 30
	s, _ := New().NewSession(cfg)
	if _, err := s.ProcessFrame(frame(0)); err == nil {
		t.Error("expected error for 20 ms frame with 30 ms config")
	}
	if _, err := s.ProcessFrame([]byte{1}); err == nil {
		t.Error("expected error for odd length")
	}
}
