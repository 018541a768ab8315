package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
	audiomock "github.com/MrWong99/voicepipe/pkg/audio/mock"
	"github.com/MrWong99/voicepipe/pkg/frame"
)

func synthesized(n int) frame.Frame {
	return frame.NewSynthesizedAudio(pcm(n))
}

func TestTransportOut_ConvertsAndSends(t *testing.T) {
	t.Parallel()

	tr := audiomock.NewTransport(audio.Stereo48k, 4)
	in, done := runStage(context.Background(), NewTransportOut(tr), nil)
	in <- synthesized(640) // 20ms
	close(in)
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}

	sent := tr.SentFrames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0].Format() != audio.Stereo48k {
		t.Errorf("format = %+v, want %+v", sent[0].Format(), audio.Stereo48k)
	}
	if got := sent[0].Duration(); got != 20*time.Millisecond {
		t.Errorf("duration = %v, want 20ms", got)
	}
}

func TestTransportOut_InterruptClearsPlayback(t *testing.T) {
	t.Parallel()

	tr := audiomock.NewTransport(audio.Mono16k, 4)
	in, done := runStage(context.Background(), NewTransportOut(tr), nil)
	in <- frame.NewControl(frame.SignalStart)
	in <- frame.NewControl(frame.SignalInterrupt)
	close(in)
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	if tr.ClearOutputCallCount != 1 {
		t.Errorf("ClearOutput calls = %d, want 1", tr.ClearOutputCallCount)
	}
}

func TestTransportOut_SendErrors(t *testing.T) {
	t.Parallel()

	t.Run("closed transport ends cleanly", func(t *testing.T) {
		t.Parallel()

		tr := audiomock.NewTransport(audio.Mono16k, 4)
		tr.Disconnect()
		in, done := runStage(context.Background(), NewTransportOut(tr), nil)
		in <- synthesized(640)
		if err := waitDone(t, done); err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	})

	t.Run("other errors drop the frame", func(t *testing.T) {
		t.Parallel()

		tr := audiomock.NewTransport(audio.Mono16k, 4)
		tr.SendErr = errors.New("write: broken pipe")
		in, done := runStage(context.Background(), NewTransportOut(tr), nil)
		in <- synthesized(640)
		in <- synthesized(640)
		close(in)
		if err := waitDone(t, done); err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
		if n := len(tr.SentFrames()); n != 0 {
			t.Errorf("sent = %d, want 0", n)
		}
	})

	t.Run("cancel during send", func(t *testing.T) {
		t.Parallel()

		tr := audiomock.NewTransport(audio.Mono16k, 4)
		tr.SendDelay = time.Minute
		ctx, cancel := context.WithCancel(context.Background())
		in, done := runStage(ctx, NewTransportOut(tr), nil)
		in <- synthesized(640)
		time.Sleep(10 * time.Millisecond)
		cancel()
		if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	})
}
