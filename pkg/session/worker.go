package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// Sentinel errors returned by [Worker.Submit] and [Worker.TrySubmit].
var (
	ErrWorkerClosed = errors.New("session: worker closed")
	ErrQueueFull    = errors.New("session: command queue full")
)

const defaultQueueSize = 64

// EmitPolicy decides which Process results produce a response.
type EmitPolicy int

const (
	// EmitFinalizedOnly posts an InferenceResult only for finalized
	// inferences. Pending frames are silent.
	EmitFinalizedOnly EmitPolicy = iota

	// EmitEveryFrame posts an InferenceResult for every processed frame.
	EmitEveryFrame
)

// String returns the configuration name of p.
func (p EmitPolicy) String() string {
	switch p {
	case EmitFinalizedOnly:
		return "finalized-only"
	case EmitEveryFrame:
		return "every-frame"
	default:
		return fmt.Sprintf("emit-policy(%d)", int(p))
	}
}

// ParseEmitPolicy parses "finalized-only" or "every-frame". The empty string
// selects [EmitFinalizedOnly].
func ParseEmitPolicy(s string) (EmitPolicy, error) {
	switch s {
	case "", "finalized-only":
		return EmitFinalizedOnly, nil
	case "every-frame":
		return EmitEveryFrame, nil
	default:
		return 0, fmt.Errorf("session: unknown emit policy %q", s)
	}
}

// DropReason labels a frame that never reached the engine.
type DropReason string

const (
	DropQueueFull DropReason = "queue_full"
	DropPaused    DropReason = "paused"
	DropFinalized DropReason = "finalized"
	DropUnusable  DropReason = "unusable"
)

// Observer receives worker level events, typically for metrics. Methods are
// called from the worker goroutine, except FrameDropped with DropQueueFull,
// which runs on the submitting goroutine.
type Observer interface {
	FrameProcessed(elapsed time.Duration)
	FrameDropped(reason DropReason)
	Finalized(inf intent.Inference, utterance time.Duration)
	Failed(err *intent.Error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) FrameProcessed(time.Duration)              {}
func (NopObserver) FrameDropped(DropReason)                   {}
func (NopObserver) Finalized(intent.Inference, time.Duration) {}
func (NopObserver) Failed(*intent.Error)                      {}

var _ Observer = NopObserver{}

// settings is shared by [NewWorker] and [NewController].
type settings struct {
	id        string
	queueSize int
	policy    EmitPolicy
	observer  Observer
	logger    *slog.Logger

	onInference func(intent.Inference)
	onError     func(error)
	onState     func(State)
}

// Option configures a [Worker] or a [Controller]. Controller-only options are
// ignored by NewWorker.
type Option func(*settings)

// WithID sets the session id attached to log records.
func WithID(id string) Option {
	return func(s *settings) { s.id = id }
}

// WithQueueSize sets the command queue capacity. Frames submitted while the
// queue is full are dropped. Defaults to 64.
func WithQueueSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithEmitPolicy selects which Process results are posted.
func WithEmitPolicy(p EmitPolicy) Option {
	return func(s *settings) { s.policy = p }
}

// WithObserver installs an [Observer].
func WithObserver(o Observer) Option {
	return func(s *settings) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		queueSize: defaultQueueSize,
		observer:  NopObserver{},
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(&s)
	}
	if s.id != "" {
		s.logger = s.logger.With("session_id", s.id)
	}
	return s
}

type request struct {
	seq uint64
	cmd Command
}

// Worker runs one engine handle on a dedicated goroutine.
//
// Commands are consumed in arrival order and every response is posted to
// [Worker.Responses] in the same order. The handle and its frame buffer are
// only ever touched by the worker goroutine, so the engine never sees
// concurrent Process calls. All methods are safe for concurrent use.
type Worker struct {
	engine intent.Engine
	cfg    settings
	log    *slog.Logger

	cmds chan request
	out  chan Envelope
	seq  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	closeErr error
}

// NewWorker starts a worker for engine. Call [Worker.Close] to stop it.
func NewWorker(engine intent.Engine, opts ...Option) *Worker {
	cfg := newSettings(opts)
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		engine: engine,
		cfg:    cfg,
		log:    cfg.logger,
		cmds:   make(chan request, cfg.queueSize),
		out:    make(chan Envelope, cfg.queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit enqueues cmd, blocking while the queue is full. It returns the
// sequence number the response will carry.
func (w *Worker) Submit(ctx context.Context, cmd Command) (uint64, error) {
	if cmd == nil {
		return 0, errors.New("session: nil command")
	}
	select {
	case <-w.done:
		return 0, ErrWorkerClosed
	default:
	}
	r := request{seq: w.seq.Add(1), cmd: cmd}
	select {
	case w.cmds <- r:
		return r.seq, nil
	case <-w.done:
		w.unclaim(r.seq)
		return 0, ErrWorkerClosed
	case <-ctx.Done():
		w.unclaim(r.seq)
		return 0, ctx.Err()
	}
}

// TrySubmit enqueues cmd without blocking. A full queue returns
// [ErrQueueFull]; a dropped Process is reported to the observer.
func (w *Worker) TrySubmit(cmd Command) (uint64, error) {
	if cmd == nil {
		return 0, errors.New("session: nil command")
	}
	select {
	case <-w.done:
		return 0, ErrWorkerClosed
	default:
	}
	r := request{seq: w.seq.Add(1), cmd: cmd}
	select {
	case w.cmds <- r:
		return r.seq, nil
	default:
		w.unclaim(r.seq)
		if cmd.Op() == OpProcess {
			w.cfg.observer.FrameDropped(DropQueueFull)
		}
		return 0, ErrQueueFull
	}
}

// unclaim hands back the sequence number of a rejected submission. It only
// succeeds while no later submission has taken a number.
func (w *Worker) unclaim(seq uint64) {
	w.seq.CompareAndSwap(seq, seq-1)
}

// Responses returns the ordered response stream. It is closed once the
// worker goroutine has exited.
func (w *Worker) Responses() <-chan Envelope { return w.out }

// Close stops the worker goroutine without draining queued commands and
// releases a still live handle. It is safe to call multiple times; every
// call returns the result of that release.
func (w *Worker) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.cancel()
	})
	w.wg.Wait()
	return w.closeErr
}

// workerState is owned by the worker goroutine.
type workerState struct {
	handle     intent.Handle
	buf        []int16
	ready      Ready
	paused     bool
	finalized  bool
	broken     *intent.Error
	released   bool
	cycleStart time.Time
}

func (st *workerState) release() error {
	if st.handle == nil {
		return nil
	}
	err := st.handle.Release()
	st.handle = nil
	st.buf = nil
	return err
}

func (w *Worker) loop() {
	defer w.wg.Done()
	defer close(w.out)

	var st workerState
	for {
		select {
		case <-w.done:
			if err := st.release(); err != nil {
				w.closeErr = fmt.Errorf("session: release on close: %w", err)
			}
			return
		case r := <-w.cmds:
			w.dispatch(&st, r)
		}
	}
}

func (w *Worker) dispatch(st *workerState, r request) {
	if st.released {
		w.fail(r, intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "session released"))
		return
	}
	switch cmd := r.cmd.(type) {
	case Init:
		w.init(st, r, cmd)
	case Process:
		w.process(st, r, cmd)
	case Pause:
		st.paused = true
		w.emit(r, Ack{Op: OpPause})
	case Resume:
		st.paused = false
		w.emit(r, Ack{Op: OpResume})
	case Reset:
		w.reset(st, r)
	case Release:
		if err := st.release(); err != nil {
			w.log.Warn("session: release handle", "err", err)
		}
		st.released = true
		w.log.Debug("session: released")
		w.emit(r, Ack{Op: OpRelease})
	case Info:
		if st.handle == nil {
			w.fail(r, errNotInitialized())
			return
		}
		w.emit(r, ContextInfo{Info: st.handle.ContextInfo()})
	default:
		w.fail(r, intent.Errorf(intent.KindInvalidState, intent.StatusInvalidArgument, "unknown command %T", cmd))
	}
}

func (w *Worker) init(st *workerState, r request, cmd Init) {
	if st.handle != nil {
		w.fail(r, intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "already initialized"))
		return
	}
	h, err := w.engine.Create(w.ctx, cmd.Config)
	if err != nil {
		w.fail(r, intent.AsError(err, intent.KindInit))
		return
	}
	fl := w.engine.FrameLength()
	*st = workerState{
		handle: h,
		buf:    make([]int16, fl),
		paused: st.paused,
		ready: Ready{
			ContextInfo: h.ContextInfo(),
			FrameLength: fl,
			SampleRate:  w.engine.SampleRate(),
			Version:     w.engine.Version(),
		},
	}
	w.log.Info("session: engine ready",
		"frame_length", fl,
		"sample_rate", st.ready.SampleRate,
		"version", st.ready.Version,
	)
	w.emit(r, st.ready)
}

func (w *Worker) process(st *workerState, r request, cmd Process) {
	switch {
	case st.handle == nil:
		w.fail(r, errNotInitialized())
		return
	case st.broken != nil:
		w.cfg.observer.FrameDropped(DropUnusable)
		return
	case st.paused:
		w.cfg.observer.FrameDropped(DropPaused)
		return
	case st.finalized:
		w.cfg.observer.FrameDropped(DropFinalized)
		return
	}
	if err := intent.CheckFrame(cmd.Frame, len(st.buf)); err != nil {
		w.fail(r, intent.AsError(err, intent.KindProcess))
		return
	}
	copy(st.buf, cmd.Frame)

	start := time.Now()
	if st.cycleStart.IsZero() {
		st.cycleStart = start
	}
	inf, err := st.handle.Process(st.buf)
	w.cfg.observer.FrameProcessed(time.Since(start))
	if err != nil {
		ie := intent.AsError(err, intent.KindProcess)
		if ie.Fatal {
			st.broken = ie
			w.log.Error("session: engine handle unusable", "err", ie)
		}
		w.fail(r, ie)
		return
	}
	if !inf.IsFinalized {
		if w.cfg.policy == EmitEveryFrame {
			w.emit(r, InferenceResult{Inference: inf})
		}
		return
	}

	st.finalized = true
	utterance := time.Since(st.cycleStart)
	st.cycleStart = time.Time{}
	w.cfg.observer.Finalized(inf, utterance)
	w.log.Debug("session: inference finalized",
		"understood", inf.IsUnderstood,
		"intent", inf.Intent,
		"utterance", utterance,
	)
	w.emit(r, InferenceResult{Inference: inf.Clone()})
}

func (w *Worker) reset(st *workerState, r request) {
	if st.handle == nil {
		w.fail(r, errNotInitialized())
		return
	}
	if st.broken != nil {
		w.fail(r, st.broken)
		return
	}
	if err := st.handle.Reset(); err != nil {
		w.fail(r, intent.AsError(err, intent.KindProcess))
		return
	}
	st.finalized = false
	st.cycleStart = time.Time{}
	w.emit(r, st.ready)
}

func (w *Worker) emit(r request, resp Response) {
	select {
	case w.out <- Envelope{Seq: r.seq, Op: r.cmd.Op(), Response: resp}:
	case <-w.done:
	}
}

func (w *Worker) fail(r request, err *intent.Error) {
	w.cfg.observer.Failed(err)
	w.log.Debug("session: command failed", "op", r.cmd.Op(), "err", err)
	w.emit(r, Error{Err: err})
}

func errNotInitialized() *intent.Error {
	return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "not initialized")
}
