package audio_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voicepipe/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.MonoToStereo(audio.Bytes([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.StereoToMono(audio.Bytes([]int16{100, 200, -100, -200, 32767, 32767})))
	want := []int16{150, -150, 32767}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        []int16
		channels  int
		src, dst  int
		wantLen   int
		wantFirst int16
	}{
		{name: "same rate", in: []int16{1, 2, 3, 4}, channels: 1, src: 16000, dst: 16000, wantLen: 4, wantFirst: 1},
		{name: "mono upsample x3", in: []int16{0, 300, 600, 900}, channels: 1, src: 16000, dst: 48000, wantLen: 12, wantFirst: 0},
		{name: "mono downsample x3", in: make([]int16, 960), channels: 1, src: 48000, dst: 16000, wantLen: 320},
		{name: "stereo downsample", in: make([]int16, 1920), channels: 2, src: 48000, dst: 16000, wantLen: 640},
		{name: "zero rate untouched", in: []int16{7, 8}, channels: 1, src: 0, dst: 16000, wantLen: 2, wantFirst: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Samples(audio.Resample(audio.Bytes(tt.in), tt.channels, tt.src, tt.dst))
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0] != tt.wantFirst {
				t.Errorf("first sample = %d, want %d", got[0], tt.wantFirst)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()
	got := audio.Samples(audio.Resample(audio.Bytes([]int16{0, 100}), 1, 1, 2))
	want := []int16{0, 50, 100, 100}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()

	t.Run("matching format is returned unchanged", func(t *testing.T) {
		conv := audio.NewFormatConverter(audio.Mono16k)
		in := audio.AudioFrame{Data: audio.Bytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
		out := conv.Convert(in)
		if &out.Data[0] != &in.Data[0] {
			t.Error("expected the input slice to be reused")
		}
	})

	t.Run("48k stereo to 16k mono", func(t *testing.T) {
		conv := audio.NewFormatConverter(audio.Mono16k)
		// 20 ms of 48 kHz stereo: 960 frames, 1920 samples.
		in := audio.AudioFrame{Data: make([]byte, 3840), SampleRate: 48000, Channels: 2, Timestamp: time.Second}
		out := conv.Convert(in)
		if out.Format() != audio.Mono16k {
			t.Fatalf("format = %s, want %s", out.Format(), audio.Mono16k)
		}
		if len(out.Data) != 640 {
			t.Errorf("len = %d, want 640", len(out.Data))
		}
		if out.Timestamp != time.Second {
			t.Errorf("timestamp not preserved: %v", out.Timestamp)
		}
		if out.Duration() != 20*time.Millisecond {
			t.Errorf("duration = %v, want 20ms", out.Duration())
		}
	})

	t.Run("odd byte count yields empty frame", func(t *testing.T) {
		conv := audio.NewFormatConverter(audio.Stereo48k)
		out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 2})
		if len(out.Data) != 0 {
			t.Errorf("expected empty data, got %d bytes", len(out.Data))
		}
	})
}

func TestConvertStream(t *testing.T) {
	t.Parallel()

	in := make(chan audio.AudioFrame, 4)
	in <- audio.AudioFrame{Data: audio.Bytes([]int16{5, 6}), SampleRate: 16000, Channels: 1}
	in <- audio.AudioFrame{Data: []byte{1}, SampleRate: 16000, Channels: 1}
	in <- audio.AudioFrame{Data: audio.Bytes([]int16{7}), SampleRate: 16000, Channels: 1}
	close(in)

	var got []audio.AudioFrame
	for f := range audio.ConvertStream(in, audio.Format{SampleRate: 16000, Channels: 2}) {
		got = append(got, f)
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2 (corrupt frame dropped)", len(got))
	}
	if s := audio.Samples(got[1].Data); !slices.Equal(s, []int16{7, 7}) {
		t.Errorf("second frame = %v", s)
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	if d := audio.Stereo48k.Duration(3840); d != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", d)
	}
	if d := (audio.Format{}).Duration(100); d != 0 {
		t.Errorf("zero format Duration = %v, want 0", d)
	}
}
