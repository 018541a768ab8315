package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/internal/resilience"
	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// Providers holds one implementation per port, shared by every session.
// Providers must be safe for concurrent use.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// Names maps each port to the name of its primary provider.
	Names map[string]string
}

// breakerConfig is shared by every fallback group.
var breakerConfig = resilience.CircuitBreakerConfig{
	MaxFailures:  3,
	ResetTimeout: 30 * time.Second,
}

// BuildProviders instantiates every provider named in cfg through reg. An
// entry whose name is not registered, or whose factory fails, is a
// construction error. Entries with fallbacks are wrapped in a failover group
// that tries them in configured order.
func BuildProviders(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	fb := resilience.FallbackConfig{CircuitBreaker: breakerConfig, Logger: log}
	p := &Providers{Names: map[string]string{
		"llm": cfg.Providers.LLM.Name,
		"stt": cfg.Providers.STT.Name,
		"tts": cfg.Providers.TTS.Name,
		"vad": cfg.Providers.VAD.Name,
	}}

	// LLM
	primaryLLM, err := reg.CreateLLM(cfg.Providers.LLM.ProviderEntry)
	if err != nil {
		return nil, err
	}
	p.LLM = primaryLLM
	if fallbacks := cfg.Providers.LLM.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, cfg.Providers.LLM.Name, fb)
		for _, e := range fallbacks {
			alt, err := reg.CreateLLM(e)
			if err != nil {
				return nil, err
			}
			group.AddFallback(e.Name, alt)
		}
		p.LLM = group
	}

	// STT
	primarySTT, err := reg.CreateSTT(cfg.Providers.STT.ProviderEntry)
	if err != nil {
		return nil, err
	}
	p.STT = primarySTT
	if fallbacks := cfg.Providers.STT.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, fb)
		for _, e := range fallbacks {
			alt, err := reg.CreateSTT(e)
			if err != nil {
				return nil, err
			}
			group.AddFallback(e.Name, alt)
		}
		p.STT = group
	}

	// TTS
	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS.ProviderEntry)
	if err != nil {
		return nil, err
	}
	p.TTS = primaryTTS
	if fallbacks := cfg.Providers.TTS.Fallbacks; len(fallbacks) > 0 {
		group := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, fb)
		for _, e := range fallbacks {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				return nil, err
			}
			if err := group.AddFallback(e.Name, alt); err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
		}
		p.TTS = group
	}

	// VAD
	if p.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, err
	}

	for port, name := range p.Names {
		log.Info("provider created", "kind", port, "name", name)
	}
	return p, nil
}
