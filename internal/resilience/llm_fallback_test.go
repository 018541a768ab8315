package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicepipe/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicepipe/pkg/provider/llm/mock"
)

func collectText(ch <-chan llm.Chunk) string {
	var s string
	for c := range ch {
		s += c.Text
	}
	return s
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		StreamChunks:      []llm.Chunk{{Text: "from primary"}, {FinishReason: "stop"}},
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192},
	}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "from secondary"}, {FinishReason: "stop"}},
	}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("groq", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectText(ch); got != "from primary" {
		t.Fatalf("text = %q, want from primary", got)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary called %d times, want 0", n)
	}
	if fb.Capabilities().ContextWindow != 8192 {
		t.Errorf("Capabilities did not come from the primary")
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "from secondary"}, {FinishReason: "stop"}},
	}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("groq", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := collectText(ch); got != "from secondary" {
		t.Fatalf("text = %q, want from secondary", got)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || calls[0].Req.Messages[0].Content != "hi" {
		t.Fatalf("secondary calls = %+v", calls)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{StreamErr: errTest}, "a", FallbackConfig{})
	fb.AddFallback("b", &llmmock.Provider{StreamErr: errTest})

	_, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if names := fb.Names(); len(names) != 2 {
		t.Fatalf("Names() = %v", names)
	}
}
