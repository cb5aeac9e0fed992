// Package mock provides test doubles for the intent package interfaces.
//
// Use Engine to verify which Config a caller creates handles with. Use Handle
// to script the inferences returned by Process and to inspect which frames
// were delivered.
//
// Example:
//
//	h := &mock.Handle{Results: []intent.Inference{
//	    intent.Pending(),
//	    intent.Understood("lights", map[string]string{"state": "on"}),
//	}}
//	eng := &mock.Engine{Handle: h}
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// Defaults reported by a zero-value Engine.
const (
	DefaultFrameLength = 512
	DefaultSampleRate  = 16000
	DefaultVersion     = "mock-1.0"
)

// CreateCall records a single invocation of Engine.Create.
type CreateCall struct {
	Ctx context.Context
	Cfg intent.Config
}

// Engine is a mock implementation of intent.Engine.
type Engine struct {
	mu sync.Mutex

	// Handles, when non-empty, is consumed one entry per successful Create
	// call. Once exhausted Create falls back to Handle.
	Handles []*Handle

	// Handle is returned by Create. If nil, Create returns a new default
	// Handle with Info set to "mock context".
	Handle *Handle

	// CreateErr, if non-nil, is returned from Create.
	CreateErr error

	// Validate makes Create run cfg.Validate before anything else.
	Validate bool

	VersionValue     string
	FrameLengthValue int
	SampleRateValue  int

	CreateCalls []CreateCall
}

// Create records the call and returns Handle, CreateErr.
func (e *Engine) Create(ctx context.Context, cfg intent.Config) (intent.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CreateCalls = append(e.CreateCalls, CreateCall{Ctx: ctx, Cfg: cfg})
	if e.Validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	var h *Handle
	if len(e.Handles) > 0 {
		h = e.Handles[0]
		e.Handles = e.Handles[1:]
	} else {
		if e.Handle == nil {
			e.Handle = &Handle{Info: "mock context"}
		}
		h = e.Handle
	}
	h.mu.Lock()
	h.frameLength = e.FrameLength()
	h.mu.Unlock()
	return h, nil
}

// Version returns VersionValue or DefaultVersion.
func (e *Engine) Version() string {
	if e.VersionValue != "" {
		return e.VersionValue
	}
	return DefaultVersion
}

// FrameLength returns FrameLengthValue or DefaultFrameLength.
func (e *Engine) FrameLength() int {
	if e.FrameLengthValue > 0 {
		return e.FrameLengthValue
	}
	return DefaultFrameLength
}

// SampleRate returns SampleRateValue or DefaultSampleRate.
func (e *Engine) SampleRate() int {
	if e.SampleRateValue > 0 {
		return e.SampleRateValue
	}
	return DefaultSampleRate
}

// CreateCallCount returns the number of Create calls. Thread-safe.
func (e *Engine) CreateCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.CreateCalls)
}

var _ intent.Engine = (*Engine)(nil)

// Handle is a mock implementation of intent.Handle.
//
// Process pops the next entry from Results. Once Results is exhausted it
// returns ProcessResult. A non-nil ProcessErr takes precedence over both.
type Handle struct {
	mu sync.Mutex

	Results       []intent.Inference
	ProcessResult intent.Inference
	ProcessErr    error
	ResetErr      error
	ReleaseErr    error
	Info          string

	// ProcessDelay, if positive, makes every Process call sleep.
	ProcessDelay time.Duration

	// ProcessCalls holds a copy of every frame passed to Process.
	ProcessCalls     [][]int16
	ResetCallCount   int
	ReleaseCallCount int

	frameLength int
	released    bool

	inFlight      atomic.Int32
	maxConcurrent atomic.Int32
}

// Process records frame and returns the next scripted inference. It enforces
// the frame length of the Engine that created it and rejects calls after
// Release.
func (h *Handle) Process(frame []int16) (intent.Inference, error) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		m := h.maxConcurrent.Load()
		if n <= m || h.maxConcurrent.CompareAndSwap(m, n) {
			break
		}
	}
	if h.ProcessDelay > 0 {
		time.Sleep(h.ProcessDelay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]int16, len(frame))
	copy(cp, frame)
	h.ProcessCalls = append(h.ProcessCalls, cp)

	if h.released {
		return intent.Inference{}, intent.Errorf(intent.KindProcess, intent.StatusInvalidState, "handle released")
	}
	if h.frameLength > 0 {
		if err := intent.CheckFrame(frame, h.frameLength); err != nil {
			return intent.Inference{}, err
		}
	}
	if h.ProcessErr != nil {
		return intent.Inference{}, h.ProcessErr
	}
	if len(h.Results) > 0 {
		r := h.Results[0]
		h.Results = h.Results[1:]
		return r.Clone(), nil
	}
	return h.ProcessResult.Clone(), nil
}

// Reset records the call and returns ResetErr.
func (h *Handle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ResetCallCount++
	return h.ResetErr
}

// ContextInfo returns Info.
func (h *Handle) ContextInfo() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Info
}

// Release records the call. The second and later calls return an
// invalid-state error; ReleaseErr is returned from the first.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ReleaseCallCount++
	if h.released {
		return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "handle already released")
	}
	h.released = true
	return h.ReleaseErr
}

// ProcessCallCount returns the number of Process calls. Thread-safe.
func (h *Handle) ProcessCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ProcessCalls)
}

// Frames returns a copy of the recorded frames. Thread-safe.
func (h *Handle) Frames() [][]int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]int16, len(h.ProcessCalls))
	copy(out, h.ProcessCalls)
	return out
}

// Resets returns ResetCallCount. Thread-safe.
func (h *Handle) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ResetCallCount
}

// Releases returns ReleaseCallCount. Thread-safe.
func (h *Handle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ReleaseCallCount
}

// Released reports whether Release has been called at least once.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// MaxConcurrent returns the highest number of Process calls observed in
// flight at the same time.
func (h *Handle) MaxConcurrent() int {
	return int(h.maxConcurrent.Load())
}

// SetProcessErr replaces ProcessErr. Thread-safe.
func (h *Handle) SetProcessErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ProcessErr = err
}

// Push appends inferences to Results. Thread-safe.
func (h *Handle) Push(inf ...intent.Inference) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Results = append(h.Results, inf...)
}

var _ intent.Handle = (*Handle)(nil)
