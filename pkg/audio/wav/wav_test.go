package wav_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/audio/wav"
	"github.com/MrWong99/voxintent/pkg/intent"
)

type sink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (s *sink) Write(f audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func writeTestFile(t *testing.T, samples []int16, rate int) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := wav.Encode(f, samples, rate); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestStream_DeliversAllSamples(t *testing.T) {
	t.Parallel()
	samples := make([]int16, 16000)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	f := writeTestFile(t, samples, 16000)

	s := &sink{}
	info, err := wav.Stream(context.Background(), f, s)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
		t.Errorf("info = %+v", info)
	}
	if info.Samples != 16000 {
		t.Errorf("Samples = %d, want 16000", info.Samples)
	}
	if info.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", info.Duration())
	}
	// 20 ms chunks at 16 kHz are 320 samples.
	if len(s.frames) != 50 {
		t.Fatalf("frames = %d, want 50", len(s.frames))
	}
	got := audio.BytesToInt16(s.frames[1].Data)
	if got[0] != samples[320] {
		t.Errorf("second chunk starts with %d, want %d", got[0], samples[320])
	}
}

func TestStream_TrailingSilence(t *testing.T) {
	t.Parallel()
	f := writeTestFile(t, make([]int16, 3200), 16000)
	s := &sink{}
	info, err := wav.Stream(context.Background(), f, s, wav.WithTrailingSilence(time.Second))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(s.frames) != 10+50 {
		t.Errorf("frames = %d, want 60", len(s.frames))
	}
	if info.Duration() != 1200*time.Millisecond {
		t.Errorf("Duration = %v, want 1.2s", info.Duration())
	}
}

func TestStream_Cancelled(t *testing.T) {
	t.Parallel()
	f := writeTestFile(t, make([]int16, 16000), 16000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wav.Stream(ctx, f, &sink{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStream_InvalidFile(t *testing.T) {
	t.Parallel()
	_, err := wav.Stream(context.Background(), bytes.NewReader([]byte("definitely not a wav file")), &sink{})
	if !errors.Is(err, intent.ErrIO) {
		t.Errorf("err = %v, want io error", err)
	}
}
