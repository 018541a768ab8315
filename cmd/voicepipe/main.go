// Command voicepipe is the voice pipeline server. It serves browser sessions
// over WebSocket and WebRTC, or with -transport discord runs a single
// session in a Discord voice channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicepipe/internal/app"
	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/internal/observe"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/audio/discord"
	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	"github.com/MrWong99/voicepipe/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicepipe/pkg/provider/llm/echo"
	"github.com/MrWong99/voicepipe/pkg/provider/llm/openai"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	sttdeepgram "github.com/MrWong99/voicepipe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	"github.com/MrWong99/voicepipe/pkg/provider/tts/coqui"
	ttsdeepgram "github.com/MrWong99/voicepipe/pkg/provider/tts/deepgram"
	"github.com/MrWong99/voicepipe/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voicepipe/pkg/provider/tts/null"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
	"github.com/MrWong99/voicepipe/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	transport := flag.String("transport", "server", `"server" serves HTTP; "discord" joins the configured voice channel`)
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if *transport != "server" && *transport != "discord" {
		fmt.Fprintf(os.Stderr, "voicepipe: unknown -transport %q\n", *transport)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicepipe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicepipe: %v\n", err)
		}
		return 1
	}
	if *printConfig {
		out, err := config.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voicepipe: %v\n", err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}
	if *transport == "discord" {
		if d := cfg.Transports.Discord; d.Token == "" || d.GuildID == "" || d.ChannelID == "" {
			fmt.Fprintln(os.Stderr, "voicepipe: -transport discord needs transports.discord.token, guild_id and channel_id")
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("voicepipe starting",
		"version", version,
		"config", *configPath,
		"transport", *transport,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, *transport)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		application.Reload(next)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	var runErr error
	switch *transport {
	case "discord":
		runErr = runDiscord(ctx, application, cfg.Transports.Discord, logger)
	default:
		slog.Info("server ready, press Ctrl+C to shut down")
		runErr = application.Run(ctx)
	}
	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// runDiscord joins the configured voice channel and runs one session there
// until it ends or ctx is cancelled.
func runDiscord(ctx context.Context, a *app.App, cfg config.DiscordConfig, log *slog.Logger) error {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("discord: close gateway", "err", err)
		}
	}()

	t, err := discord.Join(session, cfg.GuildID, cfg.ChannelID, discord.Options{Logger: log})
	if err != nil {
		return err
	}
	log.Info("joined voice channel", "guild_id", cfg.GuildID, "channel_id", cfg.ChannelID)
	return a.RunLocal(ctx, t, "discord")
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every provider that ships with voicepipe
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Groq speaks the OpenAI protocol.
	reg.RegisterLLM("groq", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = openai.GroqBaseURL
		}
		model := entry.Model
		if model == "" {
			model = "llama-3.1-70b-versatile"
		}
		return openai.New(entry.APIKey, model, openai.WithBaseURL(baseURL))
	})

	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterLLM("fake-echo", func(config.ProviderEntry) (llm.Provider, error) {
		return echo.New(), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttdeepgram.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, sttdeepgram.WithSampleRate(rate))
		}
		return sttdeepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("deepgram", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsdeepgram.Option
		if entry.Model != "" {
			opts = append(opts, ttsdeepgram.WithVoice(entry.Model))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, ttsdeepgram.WithSampleRate(rate))
		}
		return ttsdeepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithMode(coqui.Mode(mode)))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithSampleRate(rate))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("fake-null", func(entry config.ProviderEntry) (tts.Provider, error) {
		f := audio.Mono16k
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			f.SampleRate = rate
		}
		return null.New(f), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, transport string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicepipe startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", cfg.Agent.Name)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if transport == "discord" {
		printRow("Transport", "discord")
	} else {
		printRow("Listen addr", cfg.Server.ListenAddr)
		printRow("WebSocket", enabled(cfg.Transports.WebSocket.Enabled, cfg.Transports.WebSocket.Path))
		printRow("WebRTC", enabled(cfg.Transports.WebRTC.Enabled, cfg.Transports.WebRTC.Path))
	}
	if len(cfg.Events.Kafka.Brokers) > 0 {
		printRow("Turn events", cfg.Events.Kafka.Topic)
	} else {
		printRow("Turn events", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func enabled(on bool, path string) string {
	if !on {
		return "(disabled)"
	}
	return path
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML numbers decode as int; anything
// else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
