// Package mock provides an in-memory [audio.Transport] for unit tests.
//
// Tests push captured audio with [Transport.Push], end the session with
// [Transport.Disconnect], and inspect what the pipeline sent back through the
// Sent* fields. All methods are safe for concurrent use.
//
//	tr := mock.NewTransport(audio.Mono16k, 16)
//	tr.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
//	tr.Disconnect()
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

// Transport is a mock implementation of [audio.Transport] and
// [audio.Interrupter].
type Transport struct {
	mu sync.Mutex

	pushMu  sync.Mutex
	in      chan audio.AudioFrame
	inOnce  sync.Once
	closed  chan struct{}
	cloOnce sync.Once

	format audio.Format

	// SendDelay, if non-zero, is slept (honouring ctx) before each Send is
	// accepted. Use it to simulate a slow peer.
	SendDelay time.Duration

	// SendErr, if non-nil, is returned by every Send.
	SendErr error

	// CloseErr is returned by the first Close.
	CloseErr error

	// OutFormat is reported by OutputFormat. Defaults to the input format.
	OutFormat audio.Format

	// --- Call records ---

	// Sent holds every frame accepted by Send, in order.
	Sent []audio.AudioFrame

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	// ClearOutputCallCount is the number of ClearOutput calls.
	ClearOutputCallCount int
}

// NewTransport returns a Transport whose input channel has the given buffer
// size and reports format as its input format.
func NewTransport(format audio.Format, buffer int) *Transport {
	return &Transport{
		in:     make(chan audio.AudioFrame, buffer),
		closed: make(chan struct{}),
		format: format,
	}
}

// Push delivers a captured frame to the pipeline. It blocks while the input
// buffer is full and returns false once the transport is closed.
func (t *Transport) Push(f audio.AudioFrame) bool {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()
	select {
	case <-t.closed:
		return false
	default:
	}
	select {
	case t.in <- f:
		return true
	case <-t.closed:
		return false
	}
}

// Disconnect simulates the peer leaving: the input channel is closed and
// subsequent Sends fail with [audio.ErrTransportClosed].
func (t *Transport) Disconnect() {
	t.cloOnce.Do(func() { close(t.closed) })
	t.pushMu.Lock()
	t.inOnce.Do(func() { close(t.in) })
	t.pushMu.Unlock()
}

// Closed reports whether Close or Disconnect has been called.
func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Input implements [audio.Transport].
func (t *Transport) Input() <-chan audio.AudioFrame { return t.in }

// InputFormat implements [audio.Transport].
func (t *Transport) InputFormat() audio.Format { return t.format }

// OutputFormat implements [audio.Transport].
func (t *Transport) OutputFormat() audio.Format {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OutFormat.Valid() {
		return t.OutFormat
	}
	return t.format
}

// Send implements [audio.Transport].
func (t *Transport) Send(ctx context.Context, f audio.AudioFrame) error {
	t.mu.Lock()
	delay, sendErr := t.SendDelay, t.SendErr
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if t.Closed() {
		return fmt.Errorf("mock: send: %w", audio.ErrTransportClosed)
	}
	if sendErr != nil {
		return sendErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sent = append(t.Sent, f)
	return nil
}

// ClearOutput implements [audio.Interrupter].
func (t *Transport) ClearOutput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ClearOutputCallCount++
}

// Close implements [audio.Transport].
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CloseCallCount++
	first := t.CloseCallCount == 1
	t.mu.Unlock()

	t.Disconnect()
	if first {
		return t.CloseErr
	}
	return nil
}

// SentFrames returns a copy of the frames accepted so far.
func (t *Transport) SentFrames() []audio.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.AudioFrame, len(t.Sent))
	copy(out, t.Sent)
	return out
}

// Closes returns CloseCallCount under the lock.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCallCount
}

var (
	_ audio.Transport   = (*Transport)(nil)
	_ audio.Interrupter = (*Transport)(nil)
)
