package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Endpoint is the plumbing shared by network transports: an input channel
// fed by the transport's receive loop and a bounded playback queue drained
// by its send loop. It implements every [Transport] method except that Close
// also calls the hook given to [NewEndpoint].
//
// Deliver and EndInput may race with Close.
type Endpoint struct {
	inFmt, outFmt Format

	inMu     sync.Mutex
	in       chan AudioFrame
	inClosed bool

	out     chan AudioFrame
	done    chan struct{}
	once    sync.Once
	onClose func() error
	dropped atomic.Int64
}

// NewEndpoint returns an Endpoint with room for buffer frames in each
// direction. onClose, if non-nil, runs once on the first Close.
func NewEndpoint(in, out Format, buffer int, onClose func() error) *Endpoint {
	if buffer <= 0 {
		buffer = 64
	}
	return &Endpoint{
		inFmt:   in,
		outFmt:  out,
		in:      make(chan AudioFrame, buffer),
		out:     make(chan AudioFrame, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Input implements Transport.
func (e *Endpoint) Input() <-chan AudioFrame { return e.in }

// InputFormat implements Transport.
func (e *Endpoint) InputFormat() Format { return e.inFmt }

// OutputFormat implements Transport.
func (e *Endpoint) OutputFormat() Format { return e.outFmt }

// Deliver hands one captured frame to the pipeline. A full input buffer
// drops the frame: capture runs in real time and cannot wait. Deliver
// reports false once input has ended.
func (e *Endpoint) Deliver(f AudioFrame) bool {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	if e.inClosed {
		return false
	}
	select {
	case e.in <- f:
	default:
		e.dropped.Add(1)
	}
	return true
}

// Dropped returns the number of captured frames dropped by Deliver.
func (e *Endpoint) Dropped() int64 { return e.dropped.Load() }

// EndInput closes the input channel. The peer is gone; nothing more will be
// delivered. Safe to call more than once.
func (e *Endpoint) EndInput() {
	e.inMu.Lock()
	defer e.inMu.Unlock()
	if !e.inClosed {
		e.inClosed = true
		close(e.in)
	}
}

// Send queues f for playback. It blocks while the queue is full.
func (e *Endpoint) Send(ctx context.Context, f AudioFrame) error {
	select {
	case <-e.done:
		return ErrTransportClosed
	default:
	}
	select {
	case e.out <- f:
		return nil
	case <-e.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outgoing is read by the transport's send loop.
func (e *Endpoint) Outgoing() <-chan AudioFrame { return e.out }

// ClearOutput discards every frame queued for playback.
func (e *Endpoint) ClearOutput() {
	for {
		select {
		case <-e.out:
		default:
			return
		}
	}
}

// Done is closed by Close.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Close ends input, stops playback and runs the close hook. Later calls
// return nil.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		e.EndInput()
		if e.onClose != nil {
			if cerr := e.onClose(); cerr != nil {
				err = fmt.Errorf("audio: close transport: %w", cerr)
			}
		}
	})
	return err
}

var (
	_ Transport   = (*Endpoint)(nil)
	_ Interrupter = (*Endpoint)(nil)
)
