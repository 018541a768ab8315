// Package config provides the configuration schema, loader, file watcher and
// provider registry of the voicepipe server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to fields left empty.
const (
	DefaultListenAddr           = ":8080"
	DefaultAgentName            = "Voice Assistant"
	DefaultSystemPrompt         = "You are a helpful AI voice assistant. Keep your responses concise and natural for voice conversation."
	DefaultTemperature          = 0.7
	DefaultQueueCapacity        = 64
	DefaultSilenceThreshold     = 800 * time.Millisecond
	DefaultFinalTranscriptGrace = 500 * time.Millisecond
	DefaultLLMMaxRetries        = 2
	DefaultLLMRetryBackoff      = 200 * time.Millisecond
	DefaultInputSampleRate      = 16000
	DefaultWebSocketPath        = "/v1/ws"
	DefaultWebRTCPath           = "/v1/webrtc/offer"
	DefaultMetricsPath          = "/metrics"
	DefaultKafkaTopic           = "voicepipe.turns"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Transports TransportsConfig `yaml:"transports"`
	Events     EventsConfig     `yaml:"events"`
	Observe    ObserveConfig    `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AgentConfig describes the assistant's persona and response settings.
type AgentConfig struct {
	// Name is the bot's display name.
	Name string `yaml:"name"`

	// SystemPrompt is sent with every language model request.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature is the sampling temperature, in [0, 2].
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens limits the response length. Zero uses the model default.
	MaxTokens int `yaml:"max_tokens"`

	// ContextTokens caps the estimated size of the conversation history sent
	// with each request; the oldest turns are dropped first. Zero derives
	// the cap from the model's context window.
	ContextTokens int `yaml:"context_tokens"`

	// VoiceID selects the synthesis voice. Empty uses the provider default.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in [0.5, 2.0]. Zero means default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// Language is the BCP-47 tag passed to speech recognition.
	Language string `yaml:"language"`
}

// PipelineConfig holds the per-session pipeline settings. A running session
// keeps the values it was started with.
type PipelineConfig struct {
	// QueueCapacity bounds every inter-stage queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// SilenceThreshold is how long the user must be silent before their
	// turn ends.
	SilenceThreshold time.Duration `yaml:"silence_threshold"`

	// FinalTranscriptGrace is how long a finished user turn waits for a final
	// transcript before the last partial is committed.
	FinalTranscriptGrace time.Duration `yaml:"final_transcript_grace"`

	// AllowInterruptions lets user speech cancel the response being spoken.
	// Defaults to true.
	AllowInterruptions *bool `yaml:"allow_interruptions"`

	// LLMMaxRetries is how often a transient language model failure is
	// retried after the first attempt.
	LLMMaxRetries *int `yaml:"llm_max_retries"`

	// LLMRetryBackoff is the delay before the first retry; later retries
	// double it.
	LLMRetryBackoff time.Duration `yaml:"llm_retry_backoff"`

	// InputSampleRate is the rate audio is converted to for detection and
	// recognition.
	InputSampleRate int `yaml:"input_sample_rate"`
}

// ProvidersConfig selects the provider implementation for each port. Each
// entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	LLM FallbackEntry `yaml:"llm"`
	STT FallbackEntry `yaml:"stt"`
	TTS FallbackEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// FallbackEntry is a provider with an ordered list of providers to try when
// it fails. The primary's fields are inlined.
type FallbackEntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order after the primary.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// TransportsConfig enables the ways a participant can connect.
type TransportsConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// WebSocketConfig configures browser sessions over a WebSocket.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// OriginPatterns lists additional allowed Origin hosts.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// WebRTCConfig configures sessions negotiated with an SDP offer over HTTP.
type WebRTCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string `yaml:"ice_servers"`
}

// DiscordConfig configures the local Discord voice mode.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// GuildID is the server the bot joins.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel the bot joins.
	ChannelID string `yaml:"channel_id"`
}

// EventsConfig configures publishing of committed turns.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka turn publisher. Publishing is disabled
// when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ObserveConfig configures metrics.
type ObserveConfig struct {
	MetricsPath string `yaml:"metrics_path"`
}

// Interruptions returns the effective interruption setting.
func (p PipelineConfig) Interruptions() bool {
	return p.AllowInterruptions == nil || *p.AllowInterruptions
}

// MaxRetries returns the effective LLM retry limit.
func (p PipelineConfig) MaxRetries() int {
	if p.LLMMaxRetries == nil {
		return DefaultLLMMaxRetries
	}
	return *p.LLMMaxRetries
}

// applyDefaults fills empty fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Agent
	if a.Name == "" {
		a.Name = DefaultAgentName
	}
	if a.SystemPrompt == "" {
		a.SystemPrompt = DefaultSystemPrompt
	}
	if a.Temperature == nil {
		t := DefaultTemperature
		a.Temperature = &t
	}

	p := &cfg.Pipeline
	if p.QueueCapacity == 0 {
		p.QueueCapacity = DefaultQueueCapacity
	}
	if p.SilenceThreshold == 0 {
		p.SilenceThreshold = DefaultSilenceThreshold
	}
	if p.FinalTranscriptGrace == 0 {
		p.FinalTranscriptGrace = DefaultFinalTranscriptGrace
	}
	if p.LLMRetryBackoff == 0 {
		p.LLMRetryBackoff = DefaultLLMRetryBackoff
	}
	if p.InputSampleRate == 0 {
		p.InputSampleRate = DefaultInputSampleRate
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	t := &cfg.Transports
	if t.WebSocket.Path == "" {
		t.WebSocket.Path = DefaultWebSocketPath
	}
	if t.WebRTC.Path == "" {
		t.WebRTC.Path = DefaultWebRTCPath
	}
	if cfg.Events.Kafka.Topic == "" {
		cfg.Events.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = DefaultMetricsPath
	}
}
