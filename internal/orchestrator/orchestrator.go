// Package orchestrator drives one pipeline run for one connected participant.
//
// A [Runner] owns a validated [pipeline.Pipeline] and the [audio.Transport]
// its source and sink stages talk to. It moves through a small state machine:
//
//	Created → Running → Stopping → Stopped
//	             │          │
//	             └──────────┴──→ Failed
//
// The run ends when the transport disconnects (Stopped), when a stage fails
// fatally (Failed, with the cause available from [Runner.Err]) or when
// [Runner.Stop] is called. In every case all stage goroutines have returned
// and the transport is closed before the final state is entered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/pkg/audio"
)

// ErrInvalidState is returned when an operation is not allowed in the
// Runner's current state.
var ErrInvalidState = errors.New("orchestrator: invalid state")

// State is the lifecycle state of a Runner.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Final reports whether s is Stopped or Failed.
func (s State) Final() bool { return s == StateStopped || s == StateFailed }

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithOnStateChange registers fn to be called after every state transition,
// in transition order. fn must not call Stop.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(r *Runner) { r.onChange = append(r.onChange, fn) }
}

// Runner executes a pipeline over a transport. All methods are safe for
// concurrent use.
type Runner struct {
	pipe      *pipeline.Pipeline
	transport audio.Transport
	log       *slog.Logger
	onChange  []func(from, to State)

	mu    sync.Mutex
	state State
	err   error
	run   *pipeline.Run
	done  chan struct{}

	// parent is the context passed to Start.
	parent context.Context

	// notifyMu is taken while mu is still held so callbacks observe
	// transitions in order.
	notifyMu sync.Mutex
}

// New returns a Runner in StateCreated. The Runner takes ownership of t and
// closes it when the run ends.
func New(p *pipeline.Pipeline, t audio.Transport, opts ...Option) *Runner {
	r := &Runner{
		pipe:      p,
		transport: t,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the pipeline. ctx bounds the whole run: cancelling it, or
// reaching its deadline, stops the Runner as Stop would. Start returns ErrInvalidState unless the Runner
// is in StateCreated.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateCreated {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, st)
	}
	run, err := r.pipe.Start(ctx)
	if err != nil {
		err = fmt.Errorf("orchestrator: start pipeline: %w", err)
		r.err = err
		r.closeTransport()
		r.transitionLocked(StateFailed)
		close(r.done)
		return err
	}
	r.run = run
	r.parent = ctx
	r.transitionLocked(StateRunning)
	r.log.Info("pipeline running", "stages", r.pipe.Stages())

	go r.supervise(run)
	return nil
}

// supervise waits for the run to end, releases the transport and enters the
// final state.
func (r *Runner) supervise(run *pipeline.Run) {
	err := run.Wait()
	r.closeTransport()

	r.mu.Lock()
	final := StateStopped
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Stop, or the parent context went away.
	case errors.Is(err, context.DeadlineExceeded) && r.parent.Err() != nil:
		// The parent's deadline, not a provider timeout.
	default:
		final = StateFailed
		r.err = err
	}
	if final == StateFailed {
		r.log.Error("pipeline failed", "err", err)
	} else {
		r.log.Info("pipeline stopped")
	}
	r.transitionLocked(final)
	close(r.done)
}

// Stop cancels every stage and in-flight provider call, waits for all of them
// to return and closes the transport. On a Runner that was never started it
// only closes the transport. Stop on a stopped or failed Runner returns nil.
//
// If ctx ends before the run has wound down, Stop returns an error wrapping
// ctx.Err(); the Runner keeps stopping in the background and Done is closed
// once it has.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateCreated:
		r.closeTransport()
		r.transitionLocked(StateStopped)
		close(r.done)
		return nil
	case StateStopped, StateFailed:
		r.mu.Unlock()
		return nil
	case StateRunning:
		r.transitionLocked(StateStopping)
		r.run.Cancel()
	default:
		r.mu.Unlock()
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: stop: %w", ctx.Err())
	}
}

// transitionLocked moves to next, unlocks r.mu and runs the callbacks.
func (r *Runner) transitionLocked(next State) {
	prev := r.state
	r.state = next
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.log.Debug("runner state changed", "from", prev, "to", next)
	for _, fn := range r.onChange {
		fn(prev, next)
	}
}

func (r *Runner) closeTransport() {
	if r.transport == nil {
		return
	}
	if err := r.transport.Close(); err != nil {
		r.log.Warn("close transport", "err", err)
	}
}

// Wait blocks until the Runner is Stopped or Failed and returns the cause of
// a failure, or nil.
func (r *Runner) Wait() error {
	<-r.done
	return r.Err()
}

// Done is closed once the Runner has reached a final state.
func (r *Runner) Done() <-chan struct{} { return r.done }

// State returns the current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the cause of a failure, or nil.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns the queue statistics of the current run, or nil before Start.
func (r *Runner) Stats() []pipeline.QueueStats {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return nil
	}
	return run.Stats()
}
