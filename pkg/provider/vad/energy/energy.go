// Package energy implements a VAD engine that classifies frames by their RMS
// level. It has no model and no external dependency, which makes it the
// default detector for local runs.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

const (
	// floorDB and ceilDB map signal level onto a [0,1] speech probability.
	floorDB = -60.0
	ceilDB  = -20.0
)

// Engine implements vad.Engine.
type Engine struct{}

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// DefaultConfig returns thresholds that work for close-talking microphones.
func DefaultConfig(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:        sampleRate,
		SpeechThreshold:   0.5,
		SilenceThreshold:  0.35,
		SilenceDuration:   500 * time.Millisecond,
		MinSpeechDuration: 60 * time.Millisecond,
	}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	mu       sync.Mutex
	cfg      vad.Config
	speaking bool
	speech   time.Duration
	silence  time.Duration
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrSessionClosed
	}
	if len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("vad: odd frame length %d", len(frame))
	}
	d := time.Duration(len(frame)/2) * time.Second / time.Duration(s.cfg.SampleRate)
	if s.cfg.FrameSizeMs > 0 && d != time.Duration(s.cfg.FrameSizeMs)*time.Millisecond {
		return vad.Event{}, fmt.Errorf("vad: frame is %v, want %d ms", d, s.cfg.FrameSizeMs)
	}

	p := Probability(frame)
	ev := vad.Event{Probability: p}

	if !s.speaking {
		if p >= s.cfg.SpeechThreshold {
			s.speech += d
		} else {
			s.speech = 0
		}
		if s.speech > 0 && s.speech >= s.cfg.MinSpeechDuration {
			s.speaking = true
			s.silence = 0
			ev.Type = vad.SpeechStart
			return ev, nil
		}
		ev.Type = vad.Silence
		return ev, nil
	}

	if p < s.cfg.SilenceThreshold {
		s.silence += d
	} else {
		s.silence = 0
	}
	if s.silence >= s.cfg.SilenceDuration && s.silence > 0 {
		s.speaking = false
		s.speech = 0
		s.silence = 0
		ev.Type = vad.SpeechEnd
		return ev, nil
	}
	ev.Type = vad.SpeechContinue
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speech = 0
	s.silence = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Probability maps the RMS level of a 16-bit little-endian PCM frame onto
// [0,1]: -60 dBFS and below is 0, -20 dBFS and above is 1.
func Probability(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(frame[2*i:]))) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	return math.Min(1, math.Max(0, (db-floorDB)/(ceilDB-floorDB)))
}

var _ vad.Engine = (*Engine)(nil)
