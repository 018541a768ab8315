// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh Session per StartStream call and keeps every
// session it created so tests can push transcripts into them and check they
// were closed.
//
//	p := &mock.Provider{}
//	// ... start the stage under test ...
//	sess := <-p.Started()
//	sess.Push(stt.Transcript{Text: "hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicepipe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// FailTimes makes the first FailTimes calls return StartStreamErr; after
	// that calls succeed. Zero means StartStreamErr applies to every call.
	FailTimes int

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every session created, in order.
	Sessions []*Session

	started chan *Session
}

// Started returns a channel that receives every new session.
func (p *Provider) Started() <-chan *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	return p.started
}

func (p *Provider) initLocked() {
	if p.started == nil {
		p.started = make(chan *Session, 64)
	}
}

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.StartStreamErr != nil && (p.FailTimes == 0 || len(p.StartStreamCalls) <= p.FailTimes) {
		return nil, p.StartStreamErr
	}
	s := NewSession(16)
	p.Sessions = append(p.Sessions, s)
	select {
	case p.started <- s:
	default:
	}
	return s, nil
}

// FailFrom makes every StartStream call from now on return err. Use it to
// fail a reopen after earlier sessions succeeded.
func (p *Provider) FailFrom(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
	p.FailTimes = 0
}

// OpenSessions returns how many created sessions have not been closed.
func (p *Provider) OpenSessions() int {
	p.mu.Lock()
	sessions := append([]*Session(nil), p.Sessions...)
	p.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if s.CloseCallCount() == 0 {
			n++
		}
	}
	return n
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	audio      [][]byte
	closeCalls int

	results chan stt.Transcript
	done    chan struct{}
	endOnce sync.Once
	pushMu  sync.Mutex
}

// NewSession returns a Session whose result channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{
		results: make(chan stt.Transcript, buffer),
		done:    make(chan struct{}),
	}
}

// Push delivers t to the consumer. It returns false if the session has
// already ended.
func (s *Session) Push(t stt.Transcript) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.results <- t:
		return true
	case <-s.done:
		return false
	}
}

// End closes the result stream as if the provider had dropped the connection.
func (s *Session) End() {
	s.endOnce.Do(func() {
		close(s.done)
		s.pushMu.Lock()
		close(s.results)
		s.pushMu.Unlock()
	})
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return s.SendAudioErr
}

// Results implements stt.SessionHandle.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Close ends the session and records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.End()
	return nil
}

// Audio returns copies of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// CloseCallCount returns how often Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ stt.SessionHandle = (*Session)(nil)
