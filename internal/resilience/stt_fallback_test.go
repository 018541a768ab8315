package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicepipe/pkg/provider/stt"
	sttmock "github.com/MrWong99/voicepipe/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}
	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		wantPrimary   int
		wantSecondary int
		wantErr       bool
	}{
		{name: "primary ok", wantPrimary: 1},
		{name: "failover", primaryErr: errors.New("primary down"), wantPrimary: 1, wantSecondary: 1},
		{name: "all fail", primaryErr: errTest, secondaryErr: errTest, wantPrimary: 1, wantSecondary: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			primary := &sttmock.Provider{StartStreamErr: tt.primaryErr}
			secondary := &sttmock.Provider{StartStreamErr: tt.secondaryErr}
			fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
			fb.AddFallback("backup", secondary)

			handle, err := fb.StartStream(context.Background(), cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
			} else {
				if err != nil {
					t.Fatal(err)
				}
				_ = handle.Close()
			}
			if got := primary.CallCount(); got != tt.wantPrimary {
				t.Errorf("primary calls = %d, want %d", got, tt.wantPrimary)
			}
			if got := secondary.CallCount(); got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
			if primary.OpenSessions()+secondary.OpenSessions() != 0 {
				t.Error("session left open")
			}
		})
	}
}
