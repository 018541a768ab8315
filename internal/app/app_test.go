package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voicepipe/internal/config"
	"github.com/MrWong99/voicepipe/pkg/audio"
	audiomock "github.com/MrWong99/voicepipe/pkg/audio/mock"
	"github.com/MrWong99/voicepipe/pkg/provider/llm/echo"
	sttmock "github.com/MrWong99/voicepipe/pkg/provider/stt/mock"
	"github.com/MrWong99/voicepipe/pkg/provider/tts/null"
	vadmock "github.com/MrWong99/voicepipe/pkg/provider/vad/mock"
)

const testYAML = `
agent:
  name: Tester
providers:
  llm: {name: fake-echo}
  stt: {name: deepgram, api_key: k}
  tts: {name: fake-null}
transports:
  websocket: {enabled: true}
  webrtc: {enabled: true}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() *Providers {
	return &Providers{
		LLM: echo.New(),
		STT: &sttmock.Provider{},
		TTS: null.New(audio.Mono16k),
		VAD: &vadmock.Engine{},
		Names: map[string]string{
			"llm": "fake-echo", "stt": "mock", "tts": "fake-null", "vad": "mock",
		},
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), testProviders(),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

type sessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

func TestNew_RequiresConfigAndProviders(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), nil, testProviders()); err == nil {
		t.Error("New(nil config) succeeded")
	}
	if _, err := New(context.Background(), testConfig(t), nil); err == nil {
		t.Error("New(nil providers) succeeded")
	}
}

func TestApp_HTTPSurface(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/readyz", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
		{path: "/v1/sessions", want: http.StatusOK},
		{path: "/nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := getJSON(t, srv.URL+tt.path, nil); got != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, got, tt.want)
			}
		})
	}

	var list sessionList
	getJSON(t, srv.URL+"/v1/sessions", &list)
	if list.Sessions == nil || len(list.Sessions) != 0 {
		t.Errorf("sessions = %#v, want empty list", list.Sessions)
	}
}

func TestApp_WebRTCRejectsBadOffer(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+config.DefaultWebRTCPath, "application/json", strings.NewReader(`{"type":"offer"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if n := a.Sessions().Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestApp_WebSocketSession(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultWebSocketPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if typ != websocket.MessageText || !strings.Contains(string(data), `"ready"`) {
		t.Fatalf("first message = %s %q, want ready", typ, data)
	}

	eventually(t, "session to be listed", func() bool {
		var list sessionList
		getJSON(t, srv.URL+"/v1/sessions", &list)
		return len(list.Sessions) == 1 && list.Sessions[0].Transport == "websocket"
	})

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "session to end", func() bool { return a.Sessions().Count() == 0 })
}

func TestApp_RunLocal(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	tr := audiomock.NewTransport(audio.Mono16k, 4)

	done := make(chan error, 1)
	go func() { done <- a.RunLocal(context.Background(), tr, "discord") }()

	eventually(t, "session to start", func() bool { return a.Sessions().Count() == 1 })
	if got := a.Sessions().List()[0].Transport; got != "discord" {
		t.Errorf("Transport = %q, want discord", got)
	}

	tr.Disconnect()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunLocal() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunLocal did not return after disconnect")
	}
	if tr.Closes() == 0 {
		t.Error("transport not closed")
	}
}

func TestApp_ShutdownStopsSessionsAndDrains(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tr := audiomock.NewTransport(audio.Mono16k, 4)
	if _, err := a.Sessions().Start(context.Background(), tr, "mock", "test"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() = %v", err)
	}

	if n := a.Sessions().Count(); n != 0 {
		t.Errorf("Count() = %d after Shutdown", n)
	}
	if !tr.Closed() {
		t.Error("transport still open after Shutdown")
	}
	var body struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, srv.URL+"/readyz", &body); code != http.StatusServiceUnavailable || body.Status != "draining" {
		t.Errorf("readyz = %d %q, want 503 draining", code, body.Status)
	}

	_, err := a.Sessions().Start(context.Background(), audiomock.NewTransport(audio.Mono16k, 1), "mock", "late")
	if !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestApp_ReloadAffectsNewSessions(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	next := testConfig(t)
	next.Agent.Name = "Renamed"
	next.Pipeline.QueueCapacity = 8
	a.Reload(next)

	if got := a.Sessions().cfg.Load(); got != next {
		t.Error("session manager still uses the old config")
	}

	// Reloading an identical config is a no-op.
	same := testConfig(t)
	same.Agent.Name = "Renamed"
	same.Pipeline.QueueCapacity = 8
	a.Reload(same)
	if got := a.Sessions().cfg.Load(); got != next {
		t.Error("identical config replaced the current one")
	}
}

func TestChainConfig_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		yaml        string
		wantRetries int
		wantInitial time.Duration
	}{
		{name: "defaults", wantRetries: config.DefaultLLMMaxRetries, wantInitial: config.DefaultLLMRetryBackoff},
		{name: "disabled", yaml: "pipeline: {llm_max_retries: 0, llm_retry_backoff: 50ms}\n", wantRetries: 0, wantInitial: 50 * time.Millisecond},
		{name: "raised", yaml: "pipeline: {llm_max_retries: 5}\n", wantRetries: 5, wantInitial: config.DefaultLLMRetryBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(testYAML + tt.yaml))
			if err != nil {
				t.Fatalf("LoadFromReader: %v", err)
			}
			cc := chainConfig(cfg, nil, nil, slog.New(slog.DiscardHandler))
			if cc.Retry == nil {
				t.Fatal("retry policy not passed to the chain")
			}
			if cc.Retry.MaxRetries != tt.wantRetries || cc.Retry.Backoff.Initial != tt.wantInitial {
				t.Errorf("retry = %d after %v, want %d after %v",
					cc.Retry.MaxRetries, cc.Retry.Backoff.Initial, tt.wantRetries, tt.wantInitial)
			}
		})
	}
}
