package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicepipe/pkg/frame"
)

// QueueStats describes one inter-stage queue after or during a run.
type QueueStats struct {
	// Name is "<producer>→<consumer>".
	Name      string
	Capacity  int
	HighWater int
	Sent      uint64
}

// Run is the live state of one pipeline execution.
type Run struct {
	p       *Pipeline
	ctx     context.Context
	cancel  context.CancelFunc
	seq     *frame.Sequencer
	queues  []*queue
	started time.Time

	done chan struct{}
	mu   sync.Mutex
	err  error
}

type queue struct {
	name      string
	ch        chan frame.Frame
	consumed  chan struct{} // closed when the consuming stage has exited
	highWater atomic.Int64
	sent      atomic.Uint64
}

func newRun(parent context.Context, p *Pipeline) *Run {
	ctx, cancel := context.WithCancel(parent)
	r := &Run{
		p:       p,
		ctx:     ctx,
		cancel:  cancel,
		seq:     frame.NewSequencer(p.cfg.Now),
		started: p.cfg.Now(),
		done:    make(chan struct{}),
	}
	r.queues = make([]*queue, len(p.stages)-1)
	for i := range r.queues {
		r.queues[i] = &queue{
			name:     p.stages[i].Name() + "→" + p.stages[i+1].Name(),
			ch:       make(chan frame.Frame, p.cfg.QueueCapacity),
			consumed: make(chan struct{}),
		}
	}
	return r
}

func (r *Run) start() {
	g, gctx := errgroup.WithContext(r.ctx)
	n := len(r.p.stages)

	// Stage i is cancelled when stage i+1 exits, so that a stage blocked on
	// its input notices a consumer that went away.
	stageCtx := make([]context.Context, n)
	stageCancel := make([]context.CancelFunc, n)
	for i := range n {
		stageCtx[i], stageCancel[i] = context.WithCancel(gctx)
	}

	log := r.p.cfg.Logger
	for i, st := range r.p.stages {
		var in <-chan frame.Frame
		var upstream *queue
		if i > 0 {
			upstream = r.queues[i-1]
			in = upstream.ch
		}
		var out *queue
		if i < n-1 {
			out = r.queues[i]
		}
		em := &emitter{
			stage:    st.Name(),
			declared: r.p.bounds[i].Out,
			q:        out,
			seq:      r.seq,
			obs:      r.p.cfg.Observer,
		}

		g.Go(func() error {
			log.Debug("stage started", "stage", st.Name())
			err := st.Run(stageCtx[i], in, em)

			downstreamGone := out != nil && isClosed(out.consumed)
			if out != nil {
				close(out.ch)
			}
			if upstream != nil {
				close(upstream.consumed)
			}
			stageCancel[i]()
			if i > 0 {
				stageCancel[i-1]()
			}

			switch {
			case err == nil, errors.Is(err, ErrDownstreamClosed):
				err = nil
			case errors.Is(err, context.Canceled) && downstreamGone && gctx.Err() == nil:
				// Cancelled only because the consumer exited.
				err = nil
			}
			if r.p.cfg.Observer != nil {
				r.p.cfg.Observer.StageExited(st.Name(), err)
			}
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Error("stage failed", "stage", st.Name(), "err", err)
				}
				return &StageError{Stage: st.Name(), Err: err}
			}
			log.Debug("stage finished", "stage", st.Name())
			return nil
		})
	}

	go func() {
		err := g.Wait()
		for _, c := range stageCancel {
			c()
		}
		r.cancel()
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	}()
}

// Cancel asks every stage to stop. It does not wait; use Wait or Done.
func (r *Run) Cancel() { r.cancel() }

// Done is closed once every stage goroutine has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until every stage has returned and reports the first fatal
// error, wrapped in a *StageError. A run ended by Cancel reports an error
// wrapping context.Canceled.
func (r *Run) Wait() error {
	<-r.done
	return r.Err()
}

// Err returns the run's error after Done is closed, nil before.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Running reports whether any stage goroutine is still active.
func (r *Run) Running() bool { return !isClosed(r.done) }

// Sequencer returns the run-wide frame sequencer.
func (r *Run) Sequencer() *frame.Sequencer { return r.seq }

// StartedAt returns when the run was started.
func (r *Run) StartedAt() time.Time { return r.started }

// Stats returns a snapshot of every queue's occupancy statistics.
func (r *Run) Stats() []QueueStats {
	out := make([]QueueStats, len(r.queues))
	for i, q := range r.queues {
		out[i] = QueueStats{
			Name:      q.name,
			Capacity:  cap(q.ch),
			HighWater: int(q.highWater.Load()),
			Sent:      q.sent.Load(),
		}
	}
	return out
}

type emitter struct {
	stage    string
	declared frame.Set
	q        *queue
	seq      *frame.Sequencer
	obs      Observer
}

func (e *emitter) Emit(ctx context.Context, f frame.Frame) error {
	if e.q == nil || !e.declared.Has(f.Kind) {
		return fmt.Errorf("stage %q emitted %s: %w", e.stage, f.Kind, ErrUndeclaredKind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if isClosed(e.q.consumed) {
		return ErrDownstreamClosed
	}
	f = e.seq.Stamp(f)
	select {
	case e.q.ch <- f:
	case <-e.q.consumed:
		return ErrDownstreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	e.q.sent.Add(1)
	depth := int64(len(e.q.ch))
	for {
		hw := e.q.highWater.Load()
		if depth <= hw {
			break
		}
		if e.q.highWater.CompareAndSwap(hw, depth) {
			if e.obs != nil {
				e.obs.QueueHighWater(e.q.name, int(depth))
			}
			break
		}
	}
	if e.obs != nil {
		e.obs.FrameEmitted(e.stage, f.Kind)
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
