package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicepipe/pkg/audio"
	"github.com/MrWong99/voicepipe/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicepipe/pkg/provider/tts/mock"
)

func TestTTSFallback_SynthesizeStream_Failover(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{AudioPerText: []byte{1, 2, 3, 4}}
	fb := NewTTSFallback(primary, "elevenlabs", FallbackConfig{})
	if err := fb.AddFallback("deepgram", secondary); err != nil {
		t.Fatal(err)
	}

	text := make(chan string, 2)
	text <- "Hello."
	text <- "Bye."
	close(text)

	audioCh, err := fb.SynthesizeStream(context.Background(), text, tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	for range audioCh {
		n++
	}
	if n != 2 {
		t.Fatalf("got %d chunks, want 2", n)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "v1" || len(calls[0].Texts) != 2 {
		t.Fatalf("secondary calls = %+v", calls)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errTest}, "a", FallbackConfig{})
	if err := fb.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errTest}); err != nil {
		t.Fatal(err)
	}
	_, err := fb.SynthesizeStream(context.Background(), make(chan string), tts.Voice{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_RejectsFormatMismatch(t *testing.T) {
	t.Parallel()

	fb := NewTTSFallback(&ttsmock.Provider{Format: audio.Mono16k}, "a", FallbackConfig{})
	err := fb.AddFallback("b", &ttsmock.Provider{Format: audio.Format{SampleRate: 24000, Channels: 1}})
	if err == nil {
		t.Fatal("expected error for mismatched output format")
	}
	if got := fb.OutputFormat(); got != audio.Mono16k {
		t.Errorf("OutputFormat = %v, want %v", got, audio.Mono16k)
	}
}
