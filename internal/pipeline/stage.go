// Package pipeline connects an ordered chain of stages with bounded queues and
// runs them concurrently.
//
// A Pipeline is built once from a validated chain of [Stage] values and can be
// started at most once at a time. Every stage runs in its own goroutine; the
// output queue of stage i is the input of stage i+1. The pipeline does not
// interpret frames, it only routes them, enforces each stage's declared output
// kinds, and applies backpressure: [Emitter.Emit] blocks while the downstream
// queue is full.
//
// Shutdown is driven by the context tree and by channel closure. When a stage's
// Run returns, its output queue is closed, so a source that returns nil after a
// transport disconnect drains the whole chain in order. A stage that returns a
// non-nil error cancels every other stage.
package pipeline

import (
	"context"

	"github.com/MrWong99/voicepipe/pkg/frame"
)

// Boundary declares which frame kinds a stage consumes and produces.
type Boundary struct {
	// In is the set of kinds the stage accepts. Empty for a source.
	In frame.Set

	// Out is the set of kinds the stage may emit. Empty for a sink.
	Out frame.Set

	// Requires lists kinds the upstream stage must be able to produce for this
	// stage to do anything useful. Requires ⊆ In.
	Requires frame.Set
}

// Stage is one processing step of the pipeline.
//
// Run consumes in until it is closed or ctx is done, and emits results through
// out. A stage may also emit out-of-band, for example from provider callbacks,
// as long as every emission happens before Run returns. Returning nil or
// [ErrDownstreamClosed] is a clean exit; any other error is fatal for the whole
// pipeline. Recoverable problems are logged and the frame is dropped.
type Stage interface {
	Name() string
	Boundary() Boundary
	Run(ctx context.Context, in <-chan frame.Frame, out Emitter) error
}

// Emitter sends frames to the next stage.
type Emitter interface {
	// Emit stamps f with a sequence number and timestamp if it has none, then
	// blocks until the downstream queue accepts it. It returns ctx.Err() when
	// ctx ends first and ErrDownstreamClosed when the consumer has exited.
	Emit(ctx context.Context, f frame.Frame) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, f frame.Frame) error

// Emit calls fn(ctx, f).
func (fn EmitterFunc) Emit(ctx context.Context, f frame.Frame) error { return fn(ctx, f) }
