package echo_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	"github.com/MrWong99/voicepipe/pkg/provider/llm/echo"
)

func TestStreamCompletion_EchoesLastUserMessage(t *testing.T) {
	t.Parallel()

	p := echo.New()
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "first"},
			{Role: llm.RoleAssistant, Content: "You said: first"},
			{Role: llm.RoleUser, Content: "hello there"},
		},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var sb strings.Builder
	var finish string
	for c := range ch {
		sb.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}
	if got, want := sb.String(), echo.Reply("hello there"); got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
}

func TestStreamCompletion_StopsOnCancel(t *testing.T) {
	t.Parallel()

	p := echo.New(echo.WithTokenDelay(50 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "a b c d e f g h"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	got := echo.Tokens("You said:  hi")
	want := []string{"You", " said:", " hi"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}
