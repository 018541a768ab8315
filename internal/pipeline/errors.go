package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a previous run is active.
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrDownstreamClosed is returned by Emit after the consuming stage has
	// exited. Stages treat it as a clean end of their work.
	ErrDownstreamClosed = errors.New("pipeline: downstream closed")

	// ErrIncompatibleStages marks a chain whose neighbouring boundaries do not
	// fit together.
	ErrIncompatibleStages = errors.New("pipeline: incompatible stages")

	// ErrInvalidChain marks a structurally invalid chain: too short, duplicate
	// names, or a first stage that consumes or last stage that produces.
	ErrInvalidChain = errors.New("pipeline: invalid chain")

	// ErrUndeclaredKind is returned by Emit for a frame kind the stage did not
	// declare in its Boundary.Out.
	ErrUndeclaredKind = errors.New("pipeline: frame kind not declared by stage")
)

// ConstructionError reports why a chain was rejected by New.
type ConstructionError struct {
	// Index is the position of the offending stage, or -1 for chain-wide
	// problems.
	Index int

	// Stage is the name of the offending stage, if any.
	Stage string

	// Reason describes the problem.
	Reason string

	// Err is ErrIncompatibleStages or ErrInvalidChain.
	Err error
}

func (e *ConstructionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("pipeline: stage %d %q: %s", e.Index, e.Stage, e.Reason)
	}
	return "pipeline: " + e.Reason
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// StageError wraps the fatal error a stage returned.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }
