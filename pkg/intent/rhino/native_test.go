//go:build rhino && cgo

package rhino_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/rhino"
)

// nativeEnv returns the library, model, context and access key for native
// tests, skipping when RHINO_LIBRARY_PATH is not set.
func nativeEnv(t *testing.T) (lib, model string, ctxBlob []byte, key string) {
	t.Helper()
	lib = os.Getenv("RHINO_LIBRARY_PATH")
	if lib == "" {
		t.Skip("RHINO_LIBRARY_PATH not set; skipping native rhino test")
	}
	model = os.Getenv("RHINO_MODEL_PATH")
	key = os.Getenv("RHINO_ACCESS_KEY")
	ctxPath := os.Getenv("RHINO_CONTEXT_PATH")
	if model == "" || key == "" || ctxPath == "" {
		t.Skip("RHINO_MODEL_PATH, RHINO_CONTEXT_PATH and RHINO_ACCESS_KEY are required")
	}
	data, err := os.ReadFile(ctxPath)
	if err != nil {
		t.Fatalf("read context: %v", err)
	}
	return lib, model, data, key
}

func TestNative_Metadata(t *testing.T) {
	lib, model, _, _ := nativeEnv(t)
	eng, err := rhino.New(lib, rhino.WithModelPath(model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.FrameLength() <= 0 || eng.SampleRate() != 16000 || eng.Version() == "" {
		t.Errorf("metadata = %d, %d, %q", eng.FrameLength(), eng.SampleRate(), eng.Version())
	}
}

func TestNative_Lifecycle(t *testing.T) {
	lib, model, ctxBlob, key := nativeEnv(t)
	eng, err := rhino.New(lib, rhino.WithModelPath(model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := intent.DefaultConfig()
	cfg.AccessKey = key
	cfg.Context = ctxBlob
	h, err := eng.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.Contains(h.ContextInfo(), "context") {
		t.Errorf("ContextInfo = %q", h.ContextInfo())
	}
	inf, err := h.Process(make([]int16, eng.FrameLength()))
	if err != nil || inf.IsFinalized {
		t.Errorf("Process(silence) = %+v, %v", inf, err)
	}
	if _, err := h.Process(make([]int16, 3)); !errors.Is(err, intent.ErrProcess) {
		t.Errorf("short frame err = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); !errors.Is(err, intent.ErrInvalidState) {
		t.Errorf("second Release = %v", err)
	}
}

func TestNative_InvalidAccessKey(t *testing.T) {
	lib, model, ctxBlob, _ := nativeEnv(t)
	eng, err := rhino.New(lib, rhino.WithModelPath(model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := intent.DefaultConfig()
	cfg.Context = ctxBlob
	_, err = eng.Create(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "Invalid AccessKey") {
		t.Errorf("err = %v, want Invalid AccessKey", err)
	}
}
