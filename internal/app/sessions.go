package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicepipe/internal/aggregator"
	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/internal/events"
	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/internal/orchestrator"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/internal/stage"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// ErrShuttingDown is returned by [SessionManager.Start] once Shutdown began.
var ErrShuttingDown = errors.New("app: shutting down")

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("app: session not found")

// SessionInfo describes one session for the /v1/sessions listing.
type SessionInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Turns     int       `json:"turns"`
}

type session struct {
	info   SessionInfo
	runner *orchestrator.Runner
	conv   *aggregator.Aggregator
	span   trace.Span
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Metrics may be nil.
	Metrics *observe.Metrics

	// Events may be nil.
	Events *events.Publisher

	Logger *slog.Logger
}

// SessionManager runs one voice pipeline per connected participant. Every
// session reads the configuration current at its start; a reload only
// affects sessions started afterwards. All methods are safe for concurrent
// use.
type SessionManager struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics
	events    *events.Publisher
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager(c SessionManagerConfig) *SessionManager {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	sm := &SessionManager{
		providers: c.Providers,
		metrics:   c.Metrics,
		events:    c.Events,
		log:       log,
		sessions:  make(map[string]*session),
	}
	sm.cfg.Store(c.Config)
	return sm
}

// SetConfig replaces the configuration used for new sessions.
func (sm *SessionManager) SetConfig(cfg *config.Config) { sm.cfg.Store(cfg) }

// Start builds the voice chain over t and starts it. The SessionManager owns
// t from here on, including when Start fails. ctx bounds the whole session.
func (sm *SessionManager) Start(ctx context.Context, t audio.Transport, transport, remote string) (SessionInfo, error) {
	cfg := sm.cfg.Load()
	id := uuid.NewString()
	log := sm.log.With("session_id", id, "transport", transport)
	ctx = observe.WithSessionID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "voicepipe.session", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.transport", transport),
	))

	sm.mu.Lock()
	if sm.closing {
		sm.mu.Unlock()
		_ = t.Close()
		observe.EndSpan(span, ErrShuttingDown)
		return SessionInfo{}, ErrShuttingDown
	}
	sm.mu.Unlock()

	var onCommit func(aggregator.Turn)
	if sm.events != nil {
		onCommit = sm.events.SessionHook(id)
	}
	chain, err := orchestrator.NewChain(t, orchestrator.Providers{
		VAD:   sm.providers.VAD,
		STT:   sm.providers.STT,
		LLM:   sm.providers.LLM,
		TTS:   sm.providers.TTS,
		Names: sm.providers.Names,
	}, chainConfig(cfg, onCommit, sm.metrics, log))
	if err != nil {
		_ = t.Close()
		err = fmt.Errorf("app: build session: %w", err)
		observe.EndSpan(span, err)
		return SessionInfo{}, err
	}

	s := &session{
		info: SessionInfo{
			ID:        id,
			Transport: transport,
			Remote:    remote,
			StartedAt: time.Now().UTC(),
		},
		conv: chain.Conversation,
		span: span,
	}
	s.runner = orchestrator.New(chain.Pipeline, t,
		orchestrator.WithLogger(log),
		orchestrator.WithOnStateChange(func(_, to orchestrator.State) {
			if to.Final() {
				sm.finish(ctx, s, to)
			}
		}),
	)

	sm.mu.Lock()
	if sm.closing {
		sm.mu.Unlock()
		_ = s.runner.Stop(ctx)
		s.conv.Close()
		observe.EndSpan(span, ErrShuttingDown)
		return SessionInfo{}, ErrShuttingDown
	}
	sm.sessions[id] = s
	sm.wg.Add(1)
	sm.mu.Unlock()
	sm.metrics.SessionStarted(ctx, transport)

	if err := s.runner.Start(ctx); err != nil {
		return SessionInfo{}, err
	}
	log.Info("session started", "remote", remote)
	return sm.snapshot(s), nil
}

// finish drops a session that reached a final state.
func (sm *SessionManager) finish(ctx context.Context, s *session, final orchestrator.State) {
	sm.mu.Lock()
	_, ok := sm.sessions[s.info.ID]
	delete(sm.sessions, s.info.ID)
	sm.mu.Unlock()
	if !ok {
		return
	}
	defer sm.wg.Done()

	s.conv.Close()
	sm.metrics.SessionEnded(context.WithoutCancel(ctx), s.info.Transport, final.String())
	err := s.runner.Err()
	s.span.SetAttributes(
		attribute.String("session.final_state", final.String()),
		attribute.Int("session.turns", s.conv.Len()),
	)
	observe.EndSpan(s.span, err)
	log := sm.log.With("session_id", s.info.ID, "transport", s.info.Transport)
	if err != nil {
		log.Warn("session failed", "err", err, "turns", s.conv.Len())
		return
	}
	log.Info("session ended", "turns", s.conv.Len())
}

// Wait blocks until the session with id has ended and returns its failure
// cause, or nil.
func (sm *SessionManager) Wait(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	return s.runner.Wait()
}

// Stop ends one session and waits until it has released its resources.
func (sm *SessionManager) Stop(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.runner.Stop(ctx)
}

// List returns the active sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, sm.snapshot(s))
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

func (sm *SessionManager) snapshot(s *session) SessionInfo {
	info := s.info
	info.State = s.runner.State().String()
	info.Turns = s.conv.Len()
	return info
}

// Shutdown rejects new sessions, stops every active one and waits for all of
// them to release their resources or ctx to end.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closing = true
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()

	sm.log.Info("stopping sessions", "count", len(all))
	var (
		errMu sync.Mutex
		errs  []error
		wg    sync.WaitGroup
	)
	for _, s := range all {
		wg.Go(func() {
			if err := s.runner.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.info.ID, err))
				errMu.Unlock()
			}
		})
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// chainConfig derives the per-session chain settings from cfg.
func chainConfig(cfg *config.Config, onCommit func(aggregator.Turn), m *observe.Metrics, log *slog.Logger) orchestrator.ChainConfig {
	p := cfg.Pipeline
	a := cfg.Agent
	var temp float64
	if a.Temperature != nil {
		temp = *a.Temperature
	}
	return orchestrator.ChainConfig{
		QueueCapacity: p.QueueCapacity,
		VAD: vad.Config{
			SampleRate:        p.InputSampleRate,
			FrameSizeMs:       20,
			SpeechThreshold:   0.5,
			SilenceThreshold:  0.35,
			SilenceDuration:   p.SilenceThreshold,
			MinSpeechDuration: 60 * time.Millisecond,
		},
		STT: stt.StreamConfig{
			SampleRate: p.InputSampleRate,
			Channels:   1,
			Language:   a.Language,
		},
		LLM: stage.LLMConfig{
			SystemPrompt:  a.SystemPrompt,
			Temperature:   temp,
			MaxTokens:     a.MaxTokens,
			ContextTokens: a.ContextTokens,
		},
		Voice:              tts.Voice{ID: a.VoiceID, SpeedFactor: a.SpeedFactor},
		AllowInterruptions: p.Interruptions(),
		FinalGrace:         p.FinalTranscriptGrace,
		Retry: &resilience.RetryPolicy{
			MaxRetries: p.MaxRetries(),
			Backoff: resilience.Backoff{
				Initial:    p.LLMRetryBackoff,
				Max:        5 * time.Second,
				Multiplier: 2,
			},
		},
		OnCommit: onCommit,
		Metrics:  m,
		Logger:   log,
	}
}
