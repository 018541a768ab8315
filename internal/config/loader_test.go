package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voicepipe/internal/config"
)

const minimalProviders = `
providers:
  llm: {name: fake-echo}
  stt: {name: deepgram, api_key: k}
  tts: {name: fake-null}
`

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string // empty means valid
	}{
		{
			name: "minimal",
			yaml: minimalProviders,
		},
		{
			name:    "bad log level",
			yaml:    "server: {log_level: verbose}\n" + minimalProviders,
			wantErr: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    "server: {tls: {cert_file: c.pem}}\n" + minimalProviders,
			wantErr: "server.tls",
		},
		{
			name:    "temperature too high",
			yaml:    "agent: {temperature: 2.5}\n" + minimalProviders,
			wantErr: "agent.temperature",
		},
		{
			name:    "negative context tokens",
			yaml:    "agent: {context_tokens: -1}\n" + minimalProviders,
			wantErr: "agent.context_tokens",
		},
		{
			name: "zero temperature allowed",
			yaml: "agent: {temperature: 0}\n" + minimalProviders,
		},
		{
			name:    "speed factor",
			yaml:    "agent: {speed_factor: 3}\n" + minimalProviders,
			wantErr: "agent.speed_factor",
		},
		{
			name:    "negative queue capacity",
			yaml:    "pipeline: {queue_capacity: -1}\n" + minimalProviders,
			wantErr: "pipeline.queue_capacity",
		},
		{
			name:    "negative grace",
			yaml:    "pipeline: {final_transcript_grace: -1s}\n" + minimalProviders,
			wantErr: "pipeline.final_transcript_grace",
		},
		{
			name:    "too many retries",
			yaml:    "pipeline: {llm_max_retries: 11}\n" + minimalProviders,
			wantErr: "pipeline.llm_max_retries",
		},
		{
			name: "zero retries allowed",
			yaml: "pipeline: {llm_max_retries: 0}\n" + minimalProviders,
		},
		{
			name:    "unsupported sample rate",
			yaml:    "pipeline: {input_sample_rate: 44100}\n" + minimalProviders,
			wantErr: "pipeline.input_sample_rate",
		},
		{
			name: "missing stt",
			yaml: `
providers:
  llm: {name: fake-echo}
  tts: {name: fake-null}
`,
			wantErr: "providers.stt.name",
		},
		{
			name: "fallback without name",
			yaml: `
providers:
  llm:
    name: openai
    fallbacks:
      - model: gpt-4o
  stt: {name: deepgram}
  tts: {name: fake-null}
`,
			wantErr: "providers.llm.fallbacks[0].name",
		},
		{
			name: "unknown provider only warns",
			yaml: `
providers:
  llm: {name: my-llm}
  stt: {name: deepgram}
  tts: {name: fake-null}
`,
		},
		{
			name:    "relative websocket path",
			yaml:    "transports: {websocket: {enabled: true, path: ws}}\n" + minimalProviders,
			wantErr: "transports.websocket.path",
		},
		{
			name:    "same transport paths",
			yaml:    "transports: {websocket: {enabled: true, path: /rt}, webrtc: {enabled: true, path: /rt}}\n" + minimalProviders,
			wantErr: "are both",
		},
		{
			name:    "partial discord",
			yaml:    "transports: {discord: {token: t, guild_id: g}}\n" + minimalProviders,
			wantErr: "transports.discord",
		},
		{
			name: "complete discord",
			yaml: "transports: {discord: {token: t, guild_id: g, channel_id: c}}\n" + minimalProviders,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_KafkaTopicRequired(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("events: {kafka: {brokers: [b:9092]}}\n" + minimalProviders))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Events.Kafka.Topic != config.DefaultKafkaTopic {
		t.Fatalf("topic = %q, want default", cfg.Events.Kafka.Topic)
	}
	cfg.Events.Kafka.Topic = ""
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "events.kafka.topic") {
		t.Errorf("Validate: %v, want events.kafka.topic error", err)
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server: {log_level: loud}
agent: {temperature: -1}
pipeline: {queue_capacity: -5}
`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "agent.temperature", "pipeline.queue_capacity", "providers.llm.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for kind, want := range map[string]string{
		"llm": "fake-echo",
		"stt": "deepgram",
		"tts": "fake-null",
		"vad": "energy",
	} {
		if !slices.Contains(config.ValidProviderNames[kind], want) {
			t.Errorf("ValidProviderNames[%s] = %v, missing %q", kind, config.ValidProviderNames[kind], want)
		}
	}
}
