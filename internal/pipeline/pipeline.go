package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicepipe/pkg/frame"
)

// DefaultQueueCapacity is used when Config.QueueCapacity is zero.
const DefaultQueueCapacity = 64

// Observer receives pipeline events, typically to record metrics. All methods
// are called from stage goroutines and must not block.
type Observer interface {
	FrameEmitted(stage string, kind frame.Kind)
	QueueHighWater(queue string, depth int)
	StageExited(stage string, err error)
}

// Config holds the immutable settings of a Pipeline.
type Config struct {
	// QueueCapacity bounds every inter-stage queue.
	QueueCapacity int

	// Logger receives stage lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Observer, if non-nil, is notified of emitted frames and queue depth.
	Observer Observer

	// Now is the clock used to timestamp frames. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline is a validated, immutable chain of stages.
type Pipeline struct {
	cfg    Config
	stages []Stage
	bounds []Boundary

	mu  sync.Mutex
	run *Run
}

// New validates the chain and returns a Pipeline. Any violation is reported
// as a *ConstructionError.
func New(cfg Config, stages ...Stage) (*Pipeline, error) {
	if cfg.QueueCapacity < 0 {
		return nil, &ConstructionError{Index: -1, Reason: fmt.Sprintf("queue capacity %d must not be negative", cfg.QueueCapacity), Err: ErrInvalidChain}
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	bounds, err := validate(stages)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:    cfg,
		stages: append([]Stage(nil), stages...),
		bounds: bounds,
	}, nil
}

func validate(stages []Stage) ([]Boundary, error) {
	if len(stages) < 2 {
		return nil, &ConstructionError{Index: -1, Reason: fmt.Sprintf("need at least 2 stages, got %d", len(stages)), Err: ErrInvalidChain}
	}

	names := make(map[string]int, len(stages))
	bounds := make([]Boundary, len(stages))
	for i, s := range stages {
		if s == nil {
			return nil, &ConstructionError{Index: i, Reason: fmt.Sprintf("stage %d is nil", i), Err: ErrInvalidChain}
		}
		name := s.Name()
		if name == "" {
			return nil, &ConstructionError{Index: i, Reason: fmt.Sprintf("stage %d has an empty name", i), Err: ErrInvalidChain}
		}
		if j, dup := names[name]; dup {
			return nil, &ConstructionError{Index: i, Stage: name, Reason: fmt.Sprintf("duplicate name, first used by stage %d", j), Err: ErrInvalidChain}
		}
		names[name] = i
		b := s.Boundary()
		if !b.Requires.SubsetOf(b.In) {
			return nil, &ConstructionError{Index: i, Stage: name, Reason: fmt.Sprintf("requires %s outside its input %s", b.Requires, b.In), Err: ErrInvalidChain}
		}
		bounds[i] = b
	}

	first, last := bounds[0], bounds[len(bounds)-1]
	if !first.In.Empty() {
		return nil, &ConstructionError{Index: 0, Stage: stages[0].Name(), Reason: fmt.Sprintf("first stage must be a source but consumes %s", first.In), Err: ErrInvalidChain}
	}
	if !last.Out.Empty() {
		n := len(stages) - 1
		return nil, &ConstructionError{Index: n, Stage: stages[n].Name(), Reason: fmt.Sprintf("last stage must be a sink but produces %s", last.Out), Err: ErrInvalidChain}
	}

	for i := 1; i < len(stages); i++ {
		prev, next := bounds[i-1], bounds[i]
		if !prev.Out.SubsetOf(next.In) {
			return nil, &ConstructionError{
				Index:  i,
				Stage:  stages[i].Name(),
				Reason: fmt.Sprintf("does not accept %s produced by %q", prev.Out.Minus(next.In), stages[i-1].Name()),
				Err:    ErrIncompatibleStages,
			}
		}
		if !next.Requires.SubsetOf(prev.Out) {
			return nil, &ConstructionError{
				Index:  i,
				Stage:  stages[i].Name(),
				Reason: fmt.Sprintf("requires %s which %q never produces", next.Requires.Minus(prev.Out), stages[i-1].Name()),
				Err:    ErrIncompatibleStages,
			}
		}
	}
	return bounds, nil
}

// Stages returns the stage names in chain order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// QueueCapacity returns the capacity of every inter-stage queue.
func (p *Pipeline) QueueCapacity() int { return p.cfg.QueueCapacity }

// Start launches one goroutine per stage and returns the live Run. It returns
// ErrAlreadyRunning while a previous run has not finished.
func (p *Pipeline) Start(ctx context.Context) (*Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		select {
		case <-p.run.Done():
		default:
			return nil, ErrAlreadyRunning
		}
	}
	r := newRun(ctx, p)
	p.run = r
	r.start()
	return r, nil
}
