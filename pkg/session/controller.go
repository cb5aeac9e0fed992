package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxintent/pkg/audio"
	"github.com/MrWong99/voxintent/pkg/intent"
)

// Sentinel errors returned by [Controller] methods. Both match
// intent.ErrInvalidState under errors.Is.
var (
	ErrNotInitialized = intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "session not initialized")
	ErrErrored        = intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "session errored, release it first")
)

// State is the observable lifecycle state of a [Controller].
type State int

const (
	StateUninitialized State = iota
	StateLoaded
	StateListening
	StateErrored
	StateReleased
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateListening:
		return "listening"
	case StateErrored:
		return "errored"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time copy of a controller's observable state.
type Snapshot struct {
	ID            string
	State         State
	IsLoaded      bool
	IsListening   bool
	ContextInfo   string
	FrameLength   int
	SampleRate    int
	Version       string
	LastInference *intent.Inference
	LastError     error
}

// OnInference registers the inference callback. Finalized inferences are
// delivered after the controller has unsubscribed from its audio source.
// Under [EmitEveryFrame] pending inferences are delivered too.
func OnInference(fn func(intent.Inference)) Option {
	return func(s *settings) { s.onInference = fn }
}

// OnError registers the error callback for worker and audio source failures.
func OnError(fn func(error)) Option {
	return func(s *settings) { s.onError = fn }
}

// OnStateChange registers a callback invoked after every state transition.
func OnStateChange(fn func(State)) Option {
	return func(s *settings) { s.onState = fn }
}

// InitOption tunes the engine configuration built by [Controller.Init].
type InitOption func(*intent.Config)

// WithSensitivity sets the engine sensitivity in [0, 1].
func WithSensitivity(v float32) InitOption {
	return func(c *intent.Config) { c.Sensitivity = v }
}

// WithEndpointDuration sets the trailing silence, in seconds, that ends an
// utterance.
func WithEndpointDuration(sec float32) InitOption {
	return func(c *intent.Config) { c.Endpoint.DurationSec = sec }
}

// WithRequireEndpoint controls whether an utterance that never reaches an
// endpoint can still be understood.
func WithRequireEndpoint(required bool) InitOption {
	return func(c *intent.Config) { c.Endpoint.Required = required }
}

// link ties a controller to one worker incarnation. Sequence numbers are
// only unique per worker, so the correlation maps live here too.
type link struct {
	w     *Worker
	notes *notifier
	done  chan struct{}

	pending   map[uint64]chan Response
	early     map[uint64]Response
	abandoned map[uint64]struct{}
}

// Controller is the host façade over a [Worker].
//
// It creates a worker on Init, subscribes to the audio source on Start and
// unsubscribes as soon as an utterance is finalized, strictly before the
// inference is published. Observable state only changes in response to
// worker responses. Callbacks run on a dedicated goroutine and may call back
// into the controller. All methods are safe for concurrent use.
type Controller struct {
	engine intent.Engine
	source audio.Source
	opts   []Option
	cfg    settings
	log    *slog.Logger
	sink   *consumer

	// opMu serialises control calls.
	opMu sync.Mutex

	mu         sync.Mutex
	link       *link
	state      State
	ready      Ready
	lastInf    *intent.Inference
	lastErr    error
	subscribed bool
	needsReset bool

	// frames is the worker fed by the audio source, nil while not listening.
	frames atomic.Pointer[Worker]
}

// NewController returns a controller for engine reading audio from source.
// Worker options (queue size, emit policy, observer, logger) are forwarded to
// every worker the controller creates.
func NewController(engine intent.Engine, source audio.Source, opts ...Option) *Controller {
	cfg := newSettings(opts)
	c := &Controller{
		engine: engine,
		source: source,
		opts:   opts,
		cfg:    cfg,
		log:    cfg.logger,
	}
	c.sink = &consumer{c: c}
	return c
}

// Init loads the engine. It is a no-op returning nil when already loaded.
// An engine failure is recorded as LastError, reported to the error callback
// and returned.
func (c *Controller) Init(ctx context.Context, accessKey string, contextBlob, model []byte, opts ...InitOption) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateLoaded, StateListening:
		c.mu.Unlock()
		return nil
	case StateErrored:
		c.mu.Unlock()
		return ErrErrored
	}
	l := c.link
	if l == nil {
		l = c.connect()
	}
	c.mu.Unlock()

	cfg := intent.DefaultConfig()
	cfg.AccessKey = accessKey
	cfg.Context = contextBlob
	cfg.Model = model
	for _, o := range opts {
		o(&cfg)
	}

	resp, err := c.request(ctx, l, Init{Config: cfg})
	if err != nil {
		return fmt.Errorf("session: init: %w", err)
	}
	switch r := resp.(type) {
	case Ready:
		return nil
	case Error:
		return r.Err
	default:
		return fmt.Errorf("session: init: unexpected response %T", resp)
	}
}

// connect starts a new worker. Must be called with c.mu held.
func (c *Controller) connect() *link {
	l := &link{
		w:         NewWorker(c.engine, c.opts...),
		notes:     newNotifier(),
		done:      make(chan struct{}),
		pending:   make(map[uint64]chan Response),
		early:     make(map[uint64]Response),
		abandoned: make(map[uint64]struct{}),
	}
	c.link = l
	if c.state == StateReleased {
		c.setState(StateUninitialized)
	}
	go c.dispatch(l)
	return l
}

// Start begins a listening cycle. It requires a loaded engine and resets the
// engine first when the previous cycle finalized.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateListening:
		c.mu.Unlock()
		return nil
	case StateLoaded:
	case StateErrored:
		c.mu.Unlock()
		return ErrErrored
	default:
		c.mu.Unlock()
		return ErrNotInitialized
	}
	l := c.link
	reset := c.needsReset
	c.mu.Unlock()

	if reset {
		resp, err := c.request(ctx, l, Reset{})
		if err != nil {
			return fmt.Errorf("session: start: %w", err)
		}
		if e, ok := resp.(Error); ok {
			return e.Err
		}
	}

	c.mu.Lock()
	if c.state != StateLoaded {
		c.mu.Unlock()
		return ErrErrored
	}
	c.subscribed = true
	c.frames.Store(l.w)
	c.setState(StateListening)
	c.mu.Unlock()

	if err := c.source.Subscribe(c.sink); err != nil {
		c.mu.Lock()
		c.subscribed = false
		c.frames.Store(nil)
		if c.state == StateListening {
			c.setState(StateLoaded)
		}
		c.mu.Unlock()
		ie := intent.Wrap(intent.KindIO, intent.StatusIOError, "subscribe audio source", err)
		c.recordError(ie)
		return ie
	}
	c.log.Debug("session: listening")
	return nil
}

// Pause stops frames from reaching the engine without resetting it.
func (c *Controller) Pause(ctx context.Context) error {
	_, err := c.control(ctx, Pause{})
	return err
}

// Resume undoes [Controller.Pause].
func (c *Controller) Resume(ctx context.Context) error {
	_, err := c.control(ctx, Resume{})
	return err
}

// Reset discards the partially accumulated utterance.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.control(ctx, Reset{})
	return err
}

// Info returns the context description reported by the engine.
func (c *Controller) Info(ctx context.Context) (string, error) {
	resp, err := c.control(ctx, Info{})
	if err != nil {
		return "", err
	}
	switch r := resp.(type) {
	case ContextInfo:
		return r.Info, nil
	default:
		return "", fmt.Errorf("session: info: unexpected response %T", resp)
	}
}

// control forwards cmd to a loaded worker. A worker Error response is
// returned as the error, after it has reached LastError and the error
// callback.
func (c *Controller) control(ctx context.Context, cmd Command) (Response, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state, l := c.state, c.link
	c.mu.Unlock()
	switch state {
	case StateLoaded, StateListening:
	case StateErrored:
		return nil, ErrErrored
	default:
		return nil, ErrNotInitialized
	}
	resp, err := c.request(ctx, l, cmd)
	if err != nil {
		return nil, fmt.Errorf("session: %s: %w", cmd.Op(), err)
	}
	if e, ok := resp.(Error); ok {
		return nil, e.Err
	}
	return resp, nil
}

// Release unsubscribes, releases the engine handle and stops the worker. It
// is idempotent; a later Init starts a fresh worker.
func (c *Controller) Release(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return nil
	}
	sub := c.subscribed
	c.subscribed = false
	c.frames.Store(nil)
	c.mu.Unlock()

	if sub {
		if err := c.source.Unsubscribe(c.sink); err != nil {
			c.log.Warn("session: unsubscribe on release", "err", err)
		}
	}

	resp, err := c.request(ctx, l, Release{})
	switch {
	case err != nil:
		c.log.Warn("session: release request", "err", err)
	default:
		if e, ok := resp.(Error); ok && !errors.Is(e.Err, intent.ErrInvalidState) {
			c.log.Warn("session: release", "err", e.Err)
		}
	}
	closeErr := l.w.Close()
	<-l.done

	c.mu.Lock()
	c.setState(StateReleased)
	c.link = nil
	c.ready = Ready{}
	c.lastInf = nil
	c.lastErr = nil
	c.needsReset = false
	c.mu.Unlock()
	l.notes.close()

	if closeErr != nil {
		c.log.Warn("session: close worker", "err", closeErr)
	}
	c.log.Debug("session: controller released")
	return nil
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ID:          c.cfg.id,
		State:       c.state,
		IsLoaded:    c.state == StateLoaded || c.state == StateListening,
		IsListening: c.state == StateListening,
		ContextInfo: c.ready.ContextInfo,
		FrameLength: c.ready.FrameLength,
		SampleRate:  c.ready.SampleRate,
		Version:     c.ready.Version,
		LastError:   c.lastErr,
	}
	if c.lastInf != nil {
		inf := c.lastInf.Clone()
		s.LastInference = &inf
	}
	return s
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLoaded reports whether an engine handle is ready for use.
func (c *Controller) IsLoaded() bool {
	s := c.State()
	return s == StateLoaded || s == StateListening
}

// IsListening reports whether the controller is subscribed to its source.
func (c *Controller) IsListening() bool { return c.State() == StateListening }

// request submits cmd and waits for its response.
func (c *Controller) request(ctx context.Context, l *link, cmd Command) (Response, error) {
	seq, err := l.w.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if r, ok := l.early[seq]; ok {
		delete(l.early, seq)
		c.mu.Unlock()
		return r, nil
	}
	ch := make(chan Response, 1)
	l.pending[seq] = ch
	c.mu.Unlock()

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrWorkerClosed
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		if _, ok := l.pending[seq]; ok {
			delete(l.pending, seq)
			l.abandoned[seq] = struct{}{}
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Controller) dispatch(l *link) {
	defer close(l.done)
	for env := range l.w.Responses() {
		c.apply(l, env)
		if env.Op != OpProcess {
			c.reply(l, env)
		}
	}
	c.mu.Lock()
	for seq, ch := range l.pending {
		close(ch)
		delete(l.pending, seq)
	}
	c.mu.Unlock()
}

func (c *Controller) reply(l *link, env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := l.pending[env.Seq]; ok {
		delete(l.pending, env.Seq)
		ch <- env.Response
		return
	}
	if _, ok := l.abandoned[env.Seq]; ok {
		delete(l.abandoned, env.Seq)
		return
	}
	l.early[env.Seq] = env.Response
}

// apply updates observable state from one response.
func (c *Controller) apply(l *link, env Envelope) {
	switch r := env.Response.(type) {
	case Ready:
		c.mu.Lock()
		c.ready = r
		if env.Op == OpReset {
			c.needsReset = false
		}
		if c.state == StateUninitialized {
			c.setState(StateLoaded)
		}
		c.mu.Unlock()
	case InferenceResult:
		if r.Inference.IsFinalized {
			c.finalize(l, r.Inference)
			return
		}
		if fn := c.cfg.onInference; fn != nil {
			inf := r.Inference
			l.notes.push(func() { fn(inf) })
		}
	case Error:
		c.recordError(r.Err)
		if r.Err.Fatal {
			c.fatal()
		}
	case ContextInfo:
		c.mu.Lock()
		c.ready.ContextInfo = r.Info
		c.mu.Unlock()
	case Ack:
	}
}

// finalize stops listening and only then publishes inf.
func (c *Controller) finalize(l *link, inf intent.Inference) {
	c.frames.Store(nil)
	c.mu.Lock()
	sub := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if sub {
		if err := c.source.Unsubscribe(c.sink); err != nil {
			c.recordError(intent.Wrap(intent.KindIO, intent.StatusIOError, "unsubscribe audio source", err))
		}
	}

	c.mu.Lock()
	stored := inf.Clone()
	c.lastInf = &stored
	c.needsReset = true
	if c.state == StateListening {
		c.setState(StateLoaded)
	}
	c.mu.Unlock()

	if fn := c.cfg.onInference; fn != nil {
		l.notes.push(func() { fn(inf) })
	}
}

// fatal moves the controller to Errored after the engine marked its handle
// unusable.
func (c *Controller) fatal() {
	c.frames.Store(nil)
	c.mu.Lock()
	sub := c.subscribed
	c.subscribed = false
	c.setState(StateErrored)
	c.mu.Unlock()
	if sub {
		if err := c.source.Unsubscribe(c.sink); err != nil {
			c.log.Warn("session: unsubscribe after fatal error", "err", err)
		}
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	l := c.link
	c.mu.Unlock()
	c.log.Debug("session: error", "err", err)
	fn := c.cfg.onError
	if fn == nil {
		return
	}
	if l != nil {
		l.notes.push(func() { fn(err) })
		return
	}
	fn(err)
}

// setState must be called with c.mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if fn := c.cfg.onState; fn != nil && c.link != nil {
		c.link.notes.push(func() { fn(s) })
	}
}

// consumer is the audio.Consumer the controller subscribes with.
type consumer struct {
	c *Controller
}

var _ audio.Consumer = (*consumer)(nil)

func (k *consumer) OnFrame(frame []int16) {
	w := k.c.frames.Load()
	if w == nil {
		return
	}
	if _, err := w.TrySubmit(Process{Frame: frame}); err != nil && !errors.Is(err, ErrWorkerClosed) {
		k.c.log.Debug("session: frame dropped", "err", err)
	}
}

func (k *consumer) OnError(err error) {
	k.c.recordError(intent.Wrap(intent.KindIO, intent.StatusIOError, "audio source", err))
}
