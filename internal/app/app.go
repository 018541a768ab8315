// Package app wires providers, sessions and the HTTP surface into a running
// voicepipe server.
//
// New builds every subsystem, Run serves HTTP (or RunLocal drives a single
// session on an already connected transport) until the context ends, and
// Shutdown drains the sessions and tears everything down in order.
//
// Tests inject doubles through functional options (WithEventWriter,
// WithRegistry, ...). Everything not injected is created from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/internal/events"
	"github.com/MrWong99/voicepipe/internal/health"
	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/audio/webrtc"
	"github.com/MrWong99/voicepipe/pkg/audio/websocket"
)

// App owns the lifetime of every subsystem.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger

	metrics  *observe.Metrics
	registry *prometheus.Registry
	events   *events.Publisher
	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	eventOpts []events.Option

	// baseCtx outlives requests; sessions negotiated over plain HTTP use it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	server *http.Server

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics replaces the process-wide metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry serves reg on the metrics path instead of the default
// Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *App) { a.registry = reg }
}

// WithEventWriter publishes turns through w instead of a Kafka writer built
// from the config.
func WithEventWriter(w events.Writer) Option {
	return func(a *App) { a.eventOpts = append(a.eventOpts, events.WithWriter(w)) }
}

// New creates an App for cfg. The providers come from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil || providers == nil {
		return nil, errors.New("app: config and providers are required")
	}
	a := &App{providers: providers, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	a.events = events.New(events.Config{
		Brokers: cfg.Events.Kafka.Brokers,
		Topic:   cfg.Events.Kafka.Topic,
	}, append([]events.Option{events.WithLogger(a.log)}, a.eventOpts...)...)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Metrics:   a.metrics,
		Events:    a.events,
		Logger:    a.log,
	})

	a.health = health.New(
		health.Checker{Name: "providers", Check: a.checkProviders},
		health.Checker{Name: "events", Check: a.events.Ping},
	)
	a.handler = a.routes(cfg)
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP surface of the App.
func (a *App) Handler() http.Handler { return a.handler }

// Reload applies the agent and pipeline sections of cfg to sessions started
// from now on. Providers, listeners and the event sink are built once, so
// changes to them are only logged.
func (a *App) Reload(cfg *config.Config) {
	old := a.cfg.Swap(cfg)
	d := config.Diff(old, cfg)
	if d.Empty() {
		return
	}
	a.sessions.SetConfig(cfg)
	a.log.Info("config reloaded", "sections", d.Sections())
	if d.RestartRequired || len(d.ProvidersChanged) > 0 {
		a.log.Warn("some changes take effect only after a restart",
			"providers", d.ProvidersChanged, "restart_only", d.RestartRequired)
	}
}

func (a *App) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET "+cfg.Observe.MetricsPath, observe.MetricsHandler(a.registry))
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)

	if ws := cfg.Transports.WebSocket; ws.Enabled {
		opts := websocket.Options{
			InputFormat:    audio.Format{SampleRate: cfg.Pipeline.InputSampleRate, Channels: 1},
			OutputFormat:   a.providers.TTS.OutputFormat(),
			OriginPatterns: ws.OriginPatterns,
			Buffer:         cfg.Pipeline.QueueCapacity,
			Logger:         a.log,
		}
		mux.HandleFunc("GET "+ws.Path, func(w http.ResponseWriter, r *http.Request) {
			a.handleWebSocket(w, r, opts)
		})
	}
	if rtc := cfg.Transports.WebRTC; rtc.Enabled {
		mux.Handle("POST "+rtc.Path, webrtc.OfferHandler(webrtc.Config{
			ICEServers: rtc.ICEServers,
			Buffer:     cfg.Pipeline.QueueCapacity,
			Logger:     a.log,
		}, a.startWebRTC))
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Sessions []SessionInfo `json:"sessions"`
	}{a.sessions.List()})
}

// handleWebSocket runs one session for the lifetime of the connection.
func (a *App) handleWebSocket(w http.ResponseWriter, r *http.Request, opts websocket.Options) {
	t, err := websocket.Accept(w, r, opts)
	if err != nil {
		a.log.Debug("websocket accept failed", "err", err)
		return
	}
	// The request context ends with the handler; the session must end with
	// the App.
	info, err := a.sessions.Start(a.baseCtx, t, "websocket", r.RemoteAddr)
	if err != nil {
		a.log.Warn("session not started", "transport", "websocket", "err", err)
		return
	}
	_ = a.sessions.Wait(info.ID)
}

func (a *App) startWebRTC(t *webrtc.Transport, remote string) (string, error) {
	info, err := a.sessions.Start(a.baseCtx, t, "webrtc", remote)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (a *App) checkProviders(context.Context) error {
	p := a.providers
	if p.LLM == nil || p.STT == nil || p.TTS == nil || p.VAD == nil {
		return errors.New("provider missing")
	}
	return nil
}

// Run serves HTTP on the configured address until ctx ends or the server
// fails. It returns ctx.Err() on a normal stop.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return a.baseCtx },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	a.log.Info("http server listening", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// RunLocal runs a single session on t, which the App takes ownership of, and
// blocks until the session ends or ctx is done.
func (a *App) RunLocal(ctx context.Context, t audio.Transport, transport string) error {
	info, err := a.sessions.Start(a.baseCtx, t, transport, "local")
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- a.sessions.Wait(info.ID) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown marks the App as draining, stops the HTTP server and every
// session, and flushes the event publisher. It respects the ctx deadline.
// Later calls return the first call's result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count())
		a.health.SetDraining(true)

		var errs []error
		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			// Hijacked WebSocket connections are not tracked by Shutdown;
			// they end with their sessions below.
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		a.cancelBase()
		if err := a.events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		if a.stopErr == nil {
			a.log.Info("shutdown complete")
		}
	})
	return a.stopErr
}
