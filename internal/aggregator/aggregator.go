// Package aggregator owns the conversation history of one pipeline run and
// turns the transcript and token streams into committed turns.
//
// The user side buffers final transcripts while the user speaks and commits
// them when voice activity ends. The assistant side accumulates streamed
// tokens and commits one turn per completed response. Turns always alternate:
// a user turn committed while the previous user turn is still unanswered is
// held back and released together with the next assistant turn.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one committed conversation entry. Committed turns are never
// modified.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Aggregator owns the ConversationContext. All methods are safe for
// concurrent use.
type Aggregator struct {
	mu    sync.RWMutex
	turns []Turn

	now      func() time.Time
	grace    time.Duration
	log      *slog.Logger
	onCommit []func(Turn)

	// User side.
	speaking    bool
	finals      []string
	lastPartial string
	graceTimer  *time.Timer
	graceGen    uint64
	pending     []string // deferred user text, released with the next assistant turn
	ready       []string // committed user text not yet taken by the user stage
	notify      chan struct{}

	// Assistant side.
	tokens strings.Builder

	closed bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithFinalGrace sets how long to wait for a final transcript after the user
// stopped speaking before falling back to the last partial. Zero commits the
// last partial immediately.
func WithFinalGrace(d time.Duration) Option {
	return func(a *Aggregator) { a.grace = d }
}

// WithOnCommit registers fn to observe every committed turn, in commit order.
// fn is called with the aggregator lock held and must not block or call back
// into the Aggregator.
func WithOnCommit(fn func(Turn)) Option {
	return func(a *Aggregator) { a.onCommit = append(a.onCommit, fn) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// WithHistory seeds the conversation with existing turns, e.g. a greeting.
func WithHistory(turns ...Turn) Option {
	return func(a *Aggregator) { a.turns = append(a.turns, turns...) }
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:    time.Now,
		grace:  500 * time.Millisecond,
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Snapshot returns a copy of all committed turns.
func (a *Aggregator) Snapshot() []Turn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Turn(nil), a.turns...)
}

// Len returns the number of committed turns.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.turns)
}

// ---- user side ----

// UserStarted records that voice activity began.
func (a *Aggregator) UserStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaking = true
	a.stopGraceLocked()
}

// UserStopped records that voice activity ended. Buffered finals are committed
// as one turn. Without finals, the aggregator waits for the grace period and
// then commits the last partial.
func (a *Aggregator) UserStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaking = false
	if len(a.finals) > 0 {
		a.commitUserLocked(strings.Join(a.finals, " "))
		return
	}
	if a.lastPartial == "" {
		return
	}
	if a.grace <= 0 {
		a.commitUserLocked(a.lastPartial)
		return
	}
	a.stopGraceLocked()
	gen := a.graceGen
	a.graceTimer = time.AfterFunc(a.grace, func() { a.graceExpired(gen) })
}

// OnTranscript accumulates a transcription result. A final that arrives while
// the user is not speaking commits immediately.
func (a *Aggregator) OnTranscript(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !isFinal {
		a.lastPartial = text
		return
	}
	a.finals = append(a.finals, text)
	if !a.speaking {
		a.stopGraceLocked()
		a.commitUserLocked(strings.Join(a.finals, " "))
	}
}

func (a *Aggregator) graceExpired(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.graceGen || a.speaking || a.closed {
		return
	}
	a.graceTimer = nil
	if a.lastPartial != "" {
		a.log.Debug("no final transcript within grace period, committing partial", "text", a.lastPartial)
		a.commitUserLocked(a.lastPartial)
	}
}

func (a *Aggregator) stopGraceLocked() {
	a.graceGen++
	if a.graceTimer != nil {
		a.graceTimer.Stop()
		a.graceTimer = nil
	}
}

// commitUserLocked commits text as a user turn, or defers it while the last
// turn is an unanswered user turn.
func (a *Aggregator) commitUserLocked(text string) {
	a.finals = nil
	a.lastPartial = ""
	if n := len(a.turns); n > 0 && a.turns[n-1].Role == RoleUser {
		a.pending = append(a.pending, text)
		a.log.Debug("user turn deferred until the assistant answers", "text", text)
		return
	}
	a.appendLocked(RoleUser, text)
	a.readyLocked(text)
}

func (a *Aggregator) readyLocked(text string) {
	a.ready = append(a.ready, text)
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever committed user text is waiting in TakeReady.
func (a *Aggregator) Ready() <-chan struct{} { return a.notify }

// TakeReady returns and clears the committed user texts that still need to be
// sent to the language model, oldest first.
func (a *Aggregator) TakeReady() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.ready
	a.ready = nil
	return out
}

// ---- assistant side ----

// OnLLMToken accumulates one streamed token.
func (a *Aggregator) OnLLMToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens.WriteString(token)
}

// OnLLMComplete commits the accumulated tokens as one assistant turn, even
// when the response was interrupted or empty, and atomically releases any
// deferred user text. It reports whether a turn was committed.
func (a *Aggregator) OnLLMComplete(interrupted bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := strings.TrimSpace(a.tokens.String())
	a.tokens.Reset()

	if n := len(a.turns); n > 0 && a.turns[n-1].Role == RoleAssistant {
		a.log.Warn("dropping assistant response without a preceding user turn", "text", text)
		return false
	}
	if interrupted {
		a.log.Debug("committing interrupted assistant response", "text", text)
	}
	a.appendLocked(RoleAssistant, text)

	if len(a.pending) > 0 {
		released := strings.Join(a.pending, " ")
		a.pending = nil
		a.appendLocked(RoleUser, released)
		a.readyLocked(released)
	}
	return true
}

func (a *Aggregator) appendLocked(role Role, text string) {
	ts := a.now()
	if n := len(a.turns); n > 0 && !ts.After(a.turns[n-1].Timestamp) {
		ts = a.turns[n-1].Timestamp.Add(time.Nanosecond)
	}
	t := Turn{Role: role, Text: text, Timestamp: ts}
	a.turns = append(a.turns, t)
	for _, fn := range a.onCommit {
		fn(t)
	}
}

// Close stops the grace timer. Later commits from a fired timer are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopGraceLocked()
}
