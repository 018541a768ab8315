package stage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/pkg/frame"
)

// recorder is a pipeline.Emitter that keeps every emitted frame.
type recorder struct {
	mu     sync.Mutex
	frames []frame.Frame
	seq    *frame.Sequencer
	// delay, if set, is slept before each Emit returns.
	delay time.Duration
}

func newRecorder() *recorder {
	return &recorder{seq: frame.NewSequencer(time.Now)}
}

func (r *recorder) Emit(ctx context.Context, f frame.Frame) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, r.seq.Stamp(f))
	return nil
}

func (r *recorder) snapshot() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.frames...)
}

func (r *recorder) kinds() []frame.Kind {
	var ks []frame.Kind
	for _, f := range r.snapshot() {
		ks = append(ks, f.Kind)
	}
	return ks
}

func (r *recorder) count(k frame.Kind) int {
	n := 0
	for _, f := range r.snapshot() {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// runStage starts st in a goroutine and returns its input channel and a
// channel that receives Run's result.
func runStage(ctx context.Context, st pipeline.Stage, out pipeline.Emitter) (chan<- frame.Frame, <-chan error) {
	in := make(chan frame.Frame, 16)
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx, in, out) }()
	return in, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("stage did not return")
		return nil
	}
}

// fastRetry retries quickly so tests do not wait out real backoff.
func fastRetry(n int) Option {
	return WithRetry(resilience.RetryPolicy{MaxRetries: n, Backoff: resilience.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}})
}
