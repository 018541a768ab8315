package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	"github.com/MrWong99/voicepipe/pkg/provider/vad"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

agent:
  name: Ada
  system_prompt: Answer in one sentence.
  temperature: 0.2
  max_tokens: 256
  voice_id: aura-luna-en

pipeline:
  queue_capacity: 32
  silence_threshold: 600ms
  final_transcript_grace: 300ms
  allow_interruptions: false
  llm_max_retries: 3
  llm_retry_backoff: 100ms
  input_sample_rate: 16000

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    fallbacks:
      - name: groq
        api_key: gsk-test
        model: llama-3.1-70b-versatile
  stt:
    name: deepgram
    api_key: dg-test
    options:
      language: en-US
  tts:
    name: elevenlabs
    api_key: el-test
  vad:
    name: energy

transports:
  websocket:
    enabled: true
  webrtc:
    enabled: true
    ice_servers:
      - stun:stun.l.google.com:19302

events:
  kafka:
    brokers: [localhost:9092]
    topic: turns
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Agent.Name != "Ada" || *cfg.Agent.Temperature != 0.2 || cfg.Agent.MaxTokens != 256 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	p := cfg.Pipeline
	if p.QueueCapacity != 32 || p.SilenceThreshold != 600*time.Millisecond || p.FinalTranscriptGrace != 300*time.Millisecond {
		t.Errorf("pipeline = %+v", p)
	}
	if p.Interruptions() {
		t.Error("allow_interruptions: got true, want false")
	}
	if p.MaxRetries() != 3 {
		t.Errorf("llm_max_retries = %d, want 3", p.MaxRetries())
	}
	if got := cfg.Providers.LLM.Fallbacks; len(got) != 1 || got[0].Name != "groq" {
		t.Errorf("llm fallbacks = %+v", got)
	}
	if got := cfg.Providers.STT.Options["language"]; got != "en-US" {
		t.Errorf("stt options language = %v", got)
	}
	if !cfg.Transports.WebSocket.Enabled || cfg.Transports.WebSocket.Path != config.DefaultWebSocketPath {
		t.Errorf("websocket = %+v", cfg.Transports.WebSocket)
	}
	if got := cfg.Transports.WebRTC.ICEServers; !slices.Equal(got, []string{"stun:stun.l.google.com:19302"}) {
		t.Errorf("ice servers = %v", got)
	}
	if cfg.Events.Kafka.Topic != "turns" {
		t.Errorf("kafka topic = %q", cfg.Events.Kafka.Topic)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
providers:
  llm: {name: fake-echo}
  stt: {name: deepgram, api_key: k}
  tts: {name: fake-null}
`)
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Agent.SystemPrompt != config.DefaultSystemPrompt || cfg.Agent.Name != config.DefaultAgentName {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if *cfg.Agent.Temperature != config.DefaultTemperature {
		t.Errorf("temperature = %v", *cfg.Agent.Temperature)
	}
	p := cfg.Pipeline
	if p.QueueCapacity != config.DefaultQueueCapacity ||
		p.SilenceThreshold != config.DefaultSilenceThreshold ||
		p.FinalTranscriptGrace != config.DefaultFinalTranscriptGrace ||
		p.InputSampleRate != config.DefaultInputSampleRate {
		t.Errorf("pipeline = %+v", p)
	}
	if !p.Interruptions() {
		t.Error("interruptions should default to on")
	}
	if p.MaxRetries() != config.DefaultLLMMaxRetries {
		t.Errorf("max retries = %d", p.MaxRetries())
	}
	if cfg.Providers.VAD.Name != "energy" {
		t.Errorf("vad = %q, want energy", cfg.Providers.VAD.Name)
	}
	if cfg.Observe.MetricsPath != config.DefaultMetricsPath {
		t.Errorf("metrics path = %q", cfg.Observe.MetricsPath)
	}
}

func TestLoadFromReader_ExpandsEnvironment(t *testing.T) {
	t.Setenv("VOICEPIPE_TEST_DG_KEY", "dg-from-env")
	cfg := mustLoad(t, `
providers:
  llm: {name: fake-echo}
  stt: {name: deepgram, api_key: "${VOICEPIPE_TEST_DG_KEY}"}
  tts: {name: fake-null}
`)
	if got := cfg.Providers.STT.APIKey; got != "dg-from-env" {
		t.Errorf("api_key = %q, want dg-from-env", got)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  listen_adr: ":8080"
`))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadFromReader_EmptyRequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, field := range []string{"providers.llm.name", "providers.stt.name", "providers.tts.name"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	data, err := config.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	again := mustLoad(t, string(data))
	if again.Server.ListenAddr != cfg.Server.ListenAddr || again.Server.LogLevel != cfg.Server.LogLevel {
		t.Errorf("server = %+v, want %+v", again.Server, cfg.Server)
	}
	if again.Pipeline.SilenceThreshold != cfg.Pipeline.SilenceThreshold {
		t.Errorf("silence_threshold = %s, want %s", again.Pipeline.SilenceThreshold, cfg.Pipeline.SilenceThreshold)
	}
	if *again.Agent.Temperature != *cfg.Agent.Temperature {
		t.Errorf("temperature = %v, want %v", *again.Agent.Temperature, *cfg.Agent.Temperature)
	}
	if len(again.Providers.LLM.Fallbacks) != 1 {
		t.Errorf("fallbacks lost: %+v", again.Providers.LLM)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

type stubLLM struct{}

func (stubLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, nil
}
func (stubLLM) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

type stubSTT struct{}

func (stubSTT) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, nil
}

type stubTTS struct{}

func (stubTTS) SynthesizeStream(context.Context, <-chan string, tts.Voice) (<-chan []byte, error) {
	return nil, nil
}
func (stubTTS) OutputFormat() audio.Format { return audio.Mono16k }

type stubVAD struct{}

func (stubVAD) NewSession(vad.Config) (vad.SessionHandle, error) { return nil, nil }

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	tests := []struct {
		kind   string
		create func() error
	}{
		{"llm", func() error { _, err := reg.CreateLLM(entry); return err }},
		{"stt", func() error { _, err := reg.CreateSTT(entry); return err }},
		{"tts", func() error { _, err := reg.CreateTTS(entry); return err }},
		{"vad", func() error { _, err := reg.CreateVAD(entry); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			t.Parallel()
			err := tt.create()
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
			}
			if !strings.Contains(err.Error(), tt.kind+`/"nope"`) {
				t.Errorf("err = %v, want it to name the port and provider", err)
			}
		})
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		got = e
		return stubLLM{}, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return stubSTT{}, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return stubTTS{}, nil })
	reg.RegisterVAD("stub", func(config.ProviderEntry) (vad.Engine, error) { return stubVAD{}, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "m1", APIKey: "k"}
	if _, err := reg.CreateLLM(entry); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if got.Model != "m1" || got.APIKey != "k" {
		t.Errorf("factory received %+v", got)
	}
	if _, err := reg.CreateSTT(entry); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateTTS(entry); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateVAD(entry); err != nil {
		t.Errorf("CreateVAD: %v", err)
	}

	names := reg.Names()
	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		if !slices.Equal(names[kind], []string{"stub"}) {
			t.Errorf("Names()[%s] = %v", kind, names[kind])
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	missing := errors.New("api key is required")
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return nil, missing })

	_, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"})
	if !errors.Is(err, missing) {
		t.Fatalf("err = %v, want %v", err, missing)
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		t.Error("factory errors must not look like missing registrations")
	}
}
