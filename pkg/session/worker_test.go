package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
	"github.com/MrWong99/voxintent/pkg/intent/mock"
	"github.com/MrWong99/voxintent/pkg/session"
)

// recordingObserver counts worker events.
type recordingObserver struct {
	mu        sync.Mutex
	processed int
	dropped   map[session.DropReason]int
	finalized []intent.Inference
	failed    []*intent.Error
}

func (o *recordingObserver) FrameProcessed(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed++
}

func (o *recordingObserver) FrameDropped(r session.DropReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dropped == nil {
		o.dropped = make(map[session.DropReason]int)
	}
	o.dropped[r]++
}

func (o *recordingObserver) Finalized(inf intent.Inference, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finalized = append(o.finalized, inf)
}

func (o *recordingObserver) Failed(err *intent.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) drops(r session.DropReason) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[r]
}

var _ session.Observer = (*recordingObserver)(nil)

func validConfig() intent.Config {
	cfg := intent.DefaultConfig()
	cfg.AccessKey = "key"
	cfg.Context = []byte("ctx")
	return cfg
}

func frame() []int16 { return make([]int16, mock.DefaultFrameLength) }

func newWorker(t *testing.T, eng intent.Engine, opts ...session.Option) *session.Worker {
	t.Helper()
	w := session.NewWorker(eng, opts...)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func submit(t *testing.T, w *session.Worker, cmd session.Command) uint64 {
	t.Helper()
	seq, err := w.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Submit(%s): %v", cmd.Op(), err)
	}
	return seq
}

func next(t *testing.T, w *session.Worker) session.Envelope {
	t.Helper()
	select {
	case env, ok := <-w.Responses():
		if !ok {
			t.Fatal("response stream closed")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response")
	}
	return session.Envelope{}
}

func expectError(t *testing.T, env session.Envelope, sentinel error, contains string) {
	t.Helper()
	e, ok := env.Response.(session.Error)
	if !ok {
		t.Fatalf("%s response = %T, want session.Error", env.Op, env.Response)
	}
	if !errors.Is(e.Err, sentinel) {
		t.Errorf("error %v does not match %v", e.Err, sentinel)
	}
	if !strings.Contains(e.Err.Error(), contains) {
		t.Errorf("error %q does not contain %q", e.Err, contains)
	}
}

func initWorker(t *testing.T, w *session.Worker) session.Ready {
	t.Helper()
	seq := submit(t, w, session.Init{Config: validConfig()})
	env := next(t, w)
	if env.Seq != seq || env.Op != session.OpInit {
		t.Fatalf("envelope = %+v, want init #%d", env, seq)
	}
	r, ok := env.Response.(session.Ready)
	if !ok {
		t.Fatalf("init response = %#v, want Ready", env.Response)
	}
	return r
}

func TestParseEmitPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    session.EmitPolicy
		wantErr bool
	}{
		{in: "", want: session.EmitFinalizedOnly},
		{in: "finalized-only", want: session.EmitFinalizedOnly},
		{in: "every-frame", want: session.EmitEveryFrame},
		{in: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		got, err := session.ParseEmitPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEmitPolicy(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseEmitPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && tt.in != "" && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestWorker_InitReady(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{Handle: &mock.Handle{Info: "coffee"}, VersionValue: "9.9"}
	w := newWorker(t, eng)

	r := initWorker(t, w)
	want := session.Ready{ContextInfo: "coffee", FrameLength: 512, SampleRate: 16000, Version: "9.9"}
	if r != want {
		t.Errorf("Ready = %+v, want %+v", r, want)
	}
	if eng.CreateCallCount() != 1 {
		t.Errorf("Create called %d times", eng.CreateCallCount())
	}

	submit(t, w, session.Init{Config: validConfig()})
	expectError(t, next(t, w), intent.ErrInvalidState, "already initialized")
	if eng.CreateCallCount() != 1 {
		t.Error("second Init must not create another handle")
	}
}

func TestWorker_InitFailureStaysIdle(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{Validate: true}
	w := newWorker(t, eng)

	cfg := validConfig()
	cfg.AccessKey = ""
	submit(t, w, session.Init{Config: cfg})
	expectError(t, next(t, w), intent.ErrInit, intent.MsgInvalidAccessKey)

	submit(t, w, session.Process{Frame: frame()})
	expectError(t, next(t, w), intent.ErrInvalidState, "not initialized")

	// A later Init is still meaningful.
	initWorker(t, w)
}

func TestWorker_NotInitialized(t *testing.T) {
	t.Parallel()
	w := newWorker(t, &mock.Engine{})
	for _, cmd := range []session.Command{session.Process{Frame: frame()}, session.Reset{}, session.Info{}} {
		seq := submit(t, w, cmd)
		env := next(t, w)
		if env.Seq != seq {
			t.Errorf("%s: seq = %d, want %d", cmd.Op(), env.Seq, seq)
		}
		expectError(t, env, intent.ErrInvalidState, "not initialized")
	}
}

func TestWorker_FrameLengthMismatch(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{}
	w := newWorker(t, &mock.Engine{Handle: h})
	initWorker(t, w)

	submit(t, w, session.Process{Frame: make([]int16, 100)})
	expectError(t, next(t, w), intent.ErrProcess, "Input data frame size (100) does not match required size of 512")
	if h.ProcessCallCount() != 0 {
		t.Error("a mismatched frame must not reach the engine")
	}
}

func TestWorker_OrderedResponses(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{ProcessDelay: time.Millisecond}
	w := newWorker(t, &mock.Engine{Handle: h}, session.WithEmitPolicy(session.EmitEveryFrame))
	initWorker(t, w)

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n / 5 {
				seq, err := w.Submit(context.Background(), session.Process{Frame: frame()})
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	submitted := make(map[uint64]bool, n)
	for s := range seqs {
		submitted[s] = true
	}
	for range n {
		env := next(t, w)
		if _, ok := env.Response.(session.InferenceResult); !ok {
			t.Fatalf("response = %T", env.Response)
		}
		if !submitted[env.Seq] {
			t.Fatalf("unexpected seq %d", env.Seq)
		}
		delete(submitted, env.Seq)
	}
	if h.MaxConcurrent() != 1 {
		t.Errorf("engine saw %d concurrent Process calls", h.MaxConcurrent())
	}
}

func TestWorker_ResponsesFollowSubmissionOrder(t *testing.T) {
	t.Parallel()
	w := newWorker(t, &mock.Engine{}, session.WithEmitPolicy(session.EmitEveryFrame))
	initWorker(t, w)

	var want []uint64
	for range 20 {
		want = append(want, submit(t, w, session.Process{Frame: frame()}))
	}
	want = append(want, submit(t, w, session.Info{}))
	for i, seq := range want {
		if env := next(t, w); env.Seq != seq {
			t.Fatalf("response %d seq = %d, want %d", i, env.Seq, seq)
		}
	}
}

func TestWorker_FinalizedOnlyPolicy(t *testing.T) {
	t.Parallel()
	final := intent.Understood("orderBeverage", map[string]string{"size": "small"})
	h := &mock.Handle{Results: []intent.Inference{intent.Pending(), intent.Pending(), final}}
	obs := &recordingObserver{}
	w := newWorker(t, &mock.Engine{Handle: h}, session.WithObserver(obs))
	initWorker(t, w)

	var last uint64
	for range 6 {
		last = submit(t, w, session.Process{Frame: frame()})
	}
	env := next(t, w)
	res, ok := env.Response.(session.InferenceResult)
	if !ok || !res.Inference.IsFinalized || res.Inference.Intent != "orderBeverage" {
		t.Fatalf("response = %#v", env.Response)
	}
	if env.Seq != last-3 {
		t.Errorf("inference seq = %d, want the third frame (%d)", env.Seq, last-3)
	}

	// Frames after finalization never reach the engine until Reset.
	submit(t, w, session.Info{})
	next(t, w)
	if h.ProcessCallCount() != 3 {
		t.Errorf("engine processed %d frames, want 3", h.ProcessCallCount())
	}
	if got := obs.drops(session.DropFinalized); got != 3 {
		t.Errorf("finalized drops = %d, want 3", got)
	}

	submit(t, w, session.Reset{})
	if _, ok := next(t, w).Response.(session.Ready); !ok {
		t.Fatal("Reset must answer Ready")
	}
	if h.Resets() != 1 {
		t.Errorf("handle reset %d times", h.Resets())
	}
	submit(t, w, session.Process{Frame: frame()})
	submit(t, w, session.Info{})
	next(t, w)
	if h.ProcessCallCount() != 4 {
		t.Errorf("frame after Reset not processed: %d calls", h.ProcessCallCount())
	}
}

func TestWorker_PauseResume(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{}
	obs := &recordingObserver{}
	w := newWorker(t, &mock.Engine{Handle: h}, session.WithObserver(obs))
	initWorker(t, w)

	submit(t, w, session.Pause{})
	if ack, ok := next(t, w).Response.(session.Ack); !ok || ack.Op != session.OpPause {
		t.Fatal("Pause must answer Ack")
	}
	for range 5 {
		submit(t, w, session.Process{Frame: frame()})
	}
	submit(t, w, session.Resume{})
	if ack, ok := next(t, w).Response.(session.Ack); !ok || ack.Op != session.OpResume {
		t.Fatal("Resume must answer Ack; paused frames must be silent")
	}
	if h.ProcessCallCount() != 0 {
		t.Errorf("paused frames reached the engine: %d", h.ProcessCallCount())
	}
	if obs.drops(session.DropPaused) != 5 {
		t.Errorf("paused drops = %d, want 5", obs.drops(session.DropPaused))
	}

	submit(t, w, session.Process{Frame: frame()})
	submit(t, w, session.Info{})
	next(t, w)
	if h.ProcessCallCount() != 1 {
		t.Errorf("resumed frame not processed")
	}
	if h.Resets() != 0 {
		t.Error("pause/resume must not reset the engine")
	}
}

func TestWorker_Release(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{}
	w := newWorker(t, &mock.Engine{Handle: h})
	initWorker(t, w)

	submit(t, w, session.Release{})
	if ack, ok := next(t, w).Response.(session.Ack); !ok || ack.Op != session.OpRelease {
		t.Fatal("Release must answer Ack")
	}
	if h.Releases() != 1 {
		t.Errorf("handle released %d times", h.Releases())
	}

	for _, cmd := range []session.Command{session.Release{}, session.Info{}, session.Init{Config: validConfig()}} {
		submit(t, w, cmd)
		expectError(t, next(t, w), intent.ErrInvalidState, "released")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if h.Releases() != 1 {
		t.Errorf("Close after Release released the handle again")
	}
}

func TestWorker_ReleaseFromIdle(t *testing.T) {
	t.Parallel()
	eng := &mock.Engine{}
	w := newWorker(t, eng)
	submit(t, w, session.Release{})
	if _, ok := next(t, w).Response.(session.Ack); !ok {
		t.Fatal("Release from idle must answer Ack")
	}
	submit(t, w, session.Init{Config: validConfig()})
	expectError(t, next(t, w), intent.ErrInvalidState, "released")
	if eng.CreateCallCount() != 0 {
		t.Error("Init after Release must not create a handle")
	}
}

func TestWorker_CloseReleasesHandle(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{}
	w := session.NewWorker(&mock.Engine{Handle: h})
	initWorker(t, w)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.Releases() != 1 {
		t.Errorf("handle released %d times, want 1", h.Releases())
	}
	if _, ok := <-w.Responses(); ok {
		t.Error("Responses must be closed after Close")
	}
	if _, err := w.Submit(context.Background(), session.Info{}); !errors.Is(err, session.ErrWorkerClosed) {
		t.Errorf("Submit after Close = %v", err)
	}
	if _, err := w.TrySubmit(session.Info{}); !errors.Is(err, session.ErrWorkerClosed) {
		t.Errorf("TrySubmit after Close = %v", err)
	}
}

// blockingEngine parks Create until release is closed.
type blockingEngine struct {
	mock.Engine
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Create(ctx context.Context, cfg intent.Config) (intent.Handle, error) {
	close(e.entered)
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Engine.Create(ctx, cfg)
}

func TestWorker_TrySubmitQueueFull(t *testing.T) {
	t.Parallel()
	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	obs := &recordingObserver{}
	w := newWorker(t, eng, session.WithQueueSize(1), session.WithObserver(obs))

	submit(t, w, session.Init{Config: validConfig()})
	<-eng.entered

	first, err := w.TrySubmit(session.Process{Frame: frame()})
	if err != nil {
		t.Fatalf("first TrySubmit: %v", err)
	}
	if _, err := w.TrySubmit(session.Process{Frame: frame()}); !errors.Is(err, session.ErrQueueFull) {
		t.Fatalf("second TrySubmit = %v, want ErrQueueFull", err)
	}
	if obs.drops(session.DropQueueFull) != 1 {
		t.Errorf("queue_full drops = %d, want 1", obs.drops(session.DropQueueFull))
	}
	close(eng.release)
	if _, ok := next(t, w).Response.(session.Ready); !ok {
		t.Fatal("init did not complete")
	}

	// The rejected frame does not use up a sequence number.
	seq := submit(t, w, session.Info{})
	if seq != first+1 {
		t.Errorf("seq after a rejected submit = %d, want %d", seq, first+1)
	}
	for {
		if env := next(t, w); env.Seq == seq {
			break
		}
	}
}

func TestWorker_CloseCancelsBlockedInit(t *testing.T) {
	t.Parallel()
	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	w := session.NewWorker(eng)
	submit(t, w, session.Init{Config: validConfig()})
	<-eng.entered

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt a blocked Create")
	}
}

func TestWorker_ProcessErrors(t *testing.T) {
	t.Parallel()

	t.Run("recoverable", func(t *testing.T) {
		t.Parallel()
		h := &mock.Handle{ProcessErr: errors.New("hiccup")}
		w := newWorker(t, &mock.Engine{Handle: h})
		initWorker(t, w)
		submit(t, w, session.Process{Frame: frame()})
		expectError(t, next(t, w), intent.ErrProcess, "hiccup")

		h.SetProcessErr(nil)
		submit(t, w, session.Process{Frame: frame()})
		submit(t, w, session.Info{})
		next(t, w)
		if h.ProcessCallCount() != 2 {
			t.Errorf("engine processed %d frames, want 2", h.ProcessCallCount())
		}
	})

	t.Run("fatal", func(t *testing.T) {
		t.Parallel()
		fatal := intent.Errorf(intent.KindProcess, intent.StatusOutOfMemory, "oom").AsFatal()
		h := &mock.Handle{ProcessErr: fatal}
		obs := &recordingObserver{}
		w := newWorker(t, &mock.Engine{Handle: h}, session.WithObserver(obs))
		initWorker(t, w)

		submit(t, w, session.Process{Frame: frame()})
		env := next(t, w)
		expectError(t, env, intent.ErrProcess, "oom")
		if !env.Response.(session.Error).Err.Fatal {
			t.Error("fatal flag lost")
		}

		submit(t, w, session.Process{Frame: frame()})
		submit(t, w, session.Reset{})
		expectError(t, next(t, w), intent.ErrProcess, "oom")
		if h.ProcessCallCount() != 1 {
			t.Errorf("unusable handle processed %d frames", h.ProcessCallCount())
		}
		if obs.drops(session.DropUnusable) != 1 {
			t.Errorf("unusable drops = %d", obs.drops(session.DropUnusable))
		}

		submit(t, w, session.Release{})
		if _, ok := next(t, w).Response.(session.Ack); !ok {
			t.Error("Release must still be meaningful after a fatal error")
		}
		if !h.Released() {
			t.Error("handle not released")
		}
	})
}

func TestWorker_InfoAndObserver(t *testing.T) {
	t.Parallel()
	h := &mock.Handle{Info: "context:\n  expressions: {}\n", Results: []intent.Inference{intent.NotUnderstood()}}
	obs := &recordingObserver{}
	w := newWorker(t, &mock.Engine{Handle: h}, session.WithObserver(obs))
	initWorker(t, w)

	submit(t, w, session.Info{})
	info, ok := next(t, w).Response.(session.ContextInfo)
	if !ok || info.Info != h.Info {
		t.Fatalf("Info response = %#v", info)
	}

	submit(t, w, session.Process{Frame: frame()})
	res := next(t, w).Response.(session.InferenceResult)
	if !res.Inference.IsFinalized || res.Inference.IsUnderstood || res.Inference.Slots == nil {
		t.Errorf("inference = %+v", res.Inference)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.processed != 1 || len(obs.finalized) != 1 {
		t.Errorf("observer processed=%d finalized=%d", obs.processed, len(obs.finalized))
	}
}
