package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voicepipe/internal/aggregator"
	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/internal/pipeline"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/internal/stage"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// Providers is one implementation per port, plus the names they were
// configured under.
type Providers struct {
	VAD vad.Engine
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Names label logs and metrics per port ("stt", "llm", "tts").
	Names map[string]string
}

// ChainConfig holds the per-session settings of the voice chain.
type ChainConfig struct {
	QueueCapacity int

	VAD   vad.Config
	STT   stt.StreamConfig
	LLM   stage.LLMConfig
	Voice tts.Voice

	// AllowInterruptions lets user speech cancel the response being spoken.
	AllowInterruptions bool

	// FinalGrace is how long a finished user turn waits for a final
	// transcript before the last partial is committed.
	FinalGrace time.Duration

	// Retry governs transient failures of every provider-backed stage. Nil
	// keeps the stage default; MaxRetries 0 disables retries.
	Retry *resilience.RetryPolicy

	// History seeds the conversation.
	History []aggregator.Turn

	// OnCommit observes every committed turn.
	OnCommit func(aggregator.Turn)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Chain is a validated voice pipeline and the conversation it maintains.
type Chain struct {
	Pipeline     *pipeline.Pipeline
	Conversation *aggregator.Aggregator
}

// NewChain wires the seven-stage voice chain
//
//	transport-in → stt → user-aggregator → llm → assistant-aggregator → tts → transport-out
//
// over t and validates it.
func NewChain(t audio.Transport, p Providers, cfg ChainConfig) (*Chain, error) {
	if t == nil || p.VAD == nil || p.STT == nil || p.LLM == nil || p.TTS == nil {
		return nil, errors.New("orchestrator: transport and every provider are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	aggOpts := []aggregator.Option{aggregator.WithLogger(log), aggregator.WithHistory(cfg.History...)}
	if cfg.FinalGrace > 0 {
		aggOpts = append(aggOpts, aggregator.WithFinalGrace(cfg.FinalGrace))
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		aggOpts = append(aggOpts, aggregator.WithOnCommit(func(t aggregator.Turn) {
			m.RecordTurn(context.Background(), string(t.Role))
		}))
	}
	if cfg.OnCommit != nil {
		aggOpts = append(aggOpts, aggregator.WithOnCommit(cfg.OnCommit))
	}
	agg := aggregator.New(aggOpts...)

	opts := func(port string) []stage.Option {
		o := []stage.Option{stage.WithLogger(log), stage.WithMetrics(cfg.Metrics)}
		if cfg.Retry != nil {
			o = append(o, stage.WithRetry(*cfg.Retry))
		}
		if name := p.Names[port]; name != "" {
			o = append(o, stage.WithProviderName(name))
		}
		return o
	}

	var obs pipeline.Observer
	if cfg.Metrics != nil {
		obs = cfg.Metrics.PipelineObserver(context.Background())
	}

	pipe, err := pipeline.New(pipeline.Config{
		QueueCapacity: cfg.QueueCapacity,
		Logger:        log,
		Observer:      obs,
	},
		stage.NewTransportIn(t, p.VAD, cfg.VAD, opts("vad")...),
		stage.NewSTT(p.STT, cfg.STT, opts("stt")...),
		aggregator.NewUserStage(agg, cfg.AllowInterruptions),
		stage.NewLLM(p.LLM, agg, cfg.LLM, opts("llm")...),
		aggregator.NewAssistantStage(agg),
		stage.NewTTS(p.TTS, cfg.Voice, opts("tts")...),
		stage.NewTransportOut(t, opts("transport")...),
	)
	if err != nil {
		agg.Close()
		return nil, err
	}
	return &Chain{Pipeline: pipe, Conversation: agg}, nil
}
