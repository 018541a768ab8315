// Package mock provides test doubles for the vad package interfaces.
//
// Session returns scripted events in order, then Default for every later
// frame:
//
//	eng := &mock.Engine{Script: []vad.EventType{vad.SpeechStart, vad.SpeechEnd}}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Script is copied into every new session.
	Script []vad.EventType

	// Default is returned once a session's script is exhausted, provided
	// DefaultSet is true. Otherwise exhausted sessions report vad.Silence.
	Default    vad.EventType
	DefaultSet bool

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall

	// Sessions holds every session created.
	Sessions []*Session
}

// NewSession records the call and returns a scripted Session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	def := vad.Silence
	if e.DefaultSet {
		def = e.Default
	}
	s := &Session{script: append([]vad.EventType(nil), e.Script...), def: def}
	e.Sessions = append(e.Sessions, s)
	return s, nil
}

// OpenSessions returns how many created sessions have not been closed.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	sessions := append([]*Session(nil), e.Sessions...)
	e.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if s.CloseCallCount() == 0 {
			n++
		}
	}
	return n
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	script []vad.EventType
	def    vad.EventType

	frames     int
	resets     int
	closeCalls int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return vad.Event{}, vad.ErrSessionClosed
	}
	s.frames++
	typ := s.def
	if len(s.script) > 0 {
		typ = s.script[0]
		s.script = s.script[1:]
	}
	p := 0.0
	if typ == vad.SpeechStart || typ == vad.SpeechContinue {
		p = 1
	}
	return vad.Event{Type: typ, Probability: p}, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// FrameCount returns how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// CloseCallCount returns how often Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ vad.SessionHandle = (*Session)(nil)
