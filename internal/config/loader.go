package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per port.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "groq", "anthropic", "gemini", "ollama", "mistral", "deepseek", "fake-echo"},
	"stt": {"deepgram"},
	"tts": {"deepgram", "elevenlabs", "coqui", "fake-null"},
	"vad": {"energy"},
}

// supportedSampleRates are the input rates the pipeline converts to.
var supportedSampleRates = []int{8000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} and $VAR references are expanded from the environment
// before decoding, so credentials can stay out of the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	if t := cfg.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", *t))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens %d must not be negative", cfg.Agent.MaxTokens))
	}
	if cfg.Agent.ContextTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.context_tokens %d must not be negative", cfg.Agent.ContextTokens))
	}
	if sf := cfg.Agent.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("agent.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_capacity %d must be positive", p.QueueCapacity))
	}
	if p.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_threshold %s must be positive", p.SilenceThreshold))
	}
	if p.FinalTranscriptGrace < 0 {
		errs = append(errs, fmt.Errorf("pipeline.final_transcript_grace %s must not be negative", p.FinalTranscriptGrace))
	}
	if p.LLMMaxRetries != nil && (*p.LLMMaxRetries < 0 || *p.LLMMaxRetries > 10) {
		errs = append(errs, fmt.Errorf("pipeline.llm_max_retries %d is out of range [0, 10]", *p.LLMMaxRetries))
	}
	if p.LLMRetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("pipeline.llm_retry_backoff %s must not be negative", p.LLMRetryBackoff))
	}
	if p.InputSampleRate != 0 && !slices.Contains(supportedSampleRates, p.InputSampleRate) {
		errs = append(errs, fmt.Errorf("pipeline.input_sample_rate %d is unsupported; valid values: %v", p.InputSampleRate, supportedSampleRates))
	}

	// Providers
	errs = append(errs, validateEntry("llm", "providers.llm", cfg.Providers.LLM.ProviderEntry, true)...)
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		errs = append(errs, validateEntry("llm", fmt.Sprintf("providers.llm.fallbacks[%d]", i), fb, true)...)
	}
	errs = append(errs, validateEntry("stt", "providers.stt", cfg.Providers.STT.ProviderEntry, true)...)
	for i, fb := range cfg.Providers.STT.Fallbacks {
		errs = append(errs, validateEntry("stt", fmt.Sprintf("providers.stt.fallbacks[%d]", i), fb, true)...)
	}
	errs = append(errs, validateEntry("tts", "providers.tts", cfg.Providers.TTS.ProviderEntry, true)...)
	for i, fb := range cfg.Providers.TTS.Fallbacks {
		errs = append(errs, validateEntry("tts", fmt.Sprintf("providers.tts.fallbacks[%d]", i), fb, true)...)
	}
	errs = append(errs, validateEntry("vad", "providers.vad", cfg.Providers.VAD, false)...)

	// Transports
	t := cfg.Transports
	for _, path := range []struct{ field, value string }{
		{"transports.websocket.path", t.WebSocket.Path},
		{"transports.webrtc.path", t.WebRTC.Path},
	} {
		if path.value != "" && !strings.HasPrefix(path.value, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", path.field, path.value))
		}
	}
	if t.WebSocket.Enabled && t.WebRTC.Enabled && t.WebSocket.Path == t.WebRTC.Path {
		errs = append(errs, fmt.Errorf("transports.websocket.path and transports.webrtc.path are both %q", t.WebSocket.Path))
	}
	if d := t.Discord; d.Token != "" || d.GuildID != "" || d.ChannelID != "" {
		if d.Token == "" || d.GuildID == "" || d.ChannelID == "" {
			errs = append(errs, errors.New("transports.discord requires token, guild_id and channel_id together"))
		}
	}
	if !t.WebSocket.Enabled && !t.WebRTC.Enabled && t.Discord.Token == "" {
		slog.Warn("no transport enabled; the server will not accept sessions")
	}

	// Events
	if k := cfg.Events.Kafka; len(k.Brokers) > 0 && k.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}

// validateEntry checks one provider entry and logs a warning if its name is
// not a built-in provider.
func validateEntry(kind, field string, e ProviderEntry, required bool) []error {
	if e.Name == "" {
		if required {
			return []error{fmt.Errorf("%s.name is required", field)}
		}
		return nil
	}
	if known, ok := ValidProviderNames[kind]; ok && !slices.Contains(known, e.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"kind", kind,
			"name", e.Name,
			"known", known,
		)
	}
	return nil
}
