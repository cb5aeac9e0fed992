// Package grammar is a pure-Go [intent.Engine] that combines energy based
// endpointing, a pluggable [Transcriber] and fuzzy matching against a YAML
// context grammar.
//
// Frames are 512 samples of 16 kHz mono PCM. Once an utterance ends the
// buffered audio is transcribed and the text is matched against every
// expression of the loaded [Context]. Word comparison tolerates
// transcription noise through Jaro-Winkler similarity and Double Metaphone
// codes, with the acceptance threshold derived from the configured
// sensitivity.
package grammar

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// Fixed engine metadata.
const (
	FrameLength = 512
	SampleRate  = 16000
	Version     = "1.0.0"
)

const (
	defaultMaxUtterance      = 10 * time.Second
	defaultTranscribeTimeout = 30 * time.Second
)

var _ intent.Engine = (*Engine)(nil)

// Engine creates grammar handles. It is safe for concurrent use.
type Engine struct {
	transcriber       Transcriber
	accessKeys        []string
	rmsThreshold      float64
	maxUtterance      time.Duration
	transcribeTimeout time.Duration
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithAccessKeys restricts Create to the listed keys. Without this option any
// non-empty key is accepted.
func WithAccessKeys(keys ...string) Option {
	return func(e *Engine) { e.accessKeys = append(e.accessKeys, keys...) }
}

// WithRMSThreshold sets the frame energy that counts as speech. Defaults to
// 300.
func WithRMSThreshold(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.rmsThreshold = rms
		}
	}
}

// WithMaxUtterance caps how much speech a single utterance may contain.
// Defaults to 10 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxUtterance = d
		}
	}
}

// WithTranscribeTimeout bounds each Transcriber call. Defaults to 30 s.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.transcribeTimeout = d
		}
	}
}

// NewEngine returns an Engine transcribing utterances with t.
func NewEngine(t Transcriber, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, errors.New("grammar: transcriber must not be nil")
	}
	e := &Engine{
		transcriber:       t,
		rmsThreshold:      defaultRMSThreshold,
		maxUtterance:      defaultMaxUtterance,
		transcribeTimeout: defaultTranscribeTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Version implements [intent.Engine].
func (e *Engine) Version() string { return Version }

// FrameLength implements [intent.Engine].
func (e *Engine) FrameLength() int { return FrameLength }

// SampleRate implements [intent.Engine].
func (e *Engine) SampleRate() int { return SampleRate }

// Create implements [intent.Engine].
func (e *Engine) Create(ctx context.Context, cfg intent.Config) (intent.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(e.accessKeys) > 0 && !slices.Contains(e.accessKeys, cfg.AccessKey) {
		return nil, intent.Errorf(intent.KindInit, intent.StatusActivationRefused, "AccessKey refused")
	}
	if err := ctx.Err(); err != nil {
		return nil, intent.Wrap(intent.KindInit, intent.StatusRuntimeError, "create cancelled", err)
	}
	gctx, err := ParseContext(cfg.Context)
	if err != nil {
		return nil, intent.Wrap(intent.KindInit, intent.StatusInvalidArgument, "invalid context", err)
	}

	frameDur := float64(FrameLength) / SampleRate
	h := &handle{
		engine:   e,
		ctx:      gctx,
		info:     gctx.Info(),
		matcher:  NewMatcher(gctx, cfg.Sensitivity),
		required: cfg.Endpoint.Required,
		ep: endpointer{
			rmsThreshold:  e.rmsThreshold,
			silenceFrames: int(math.Ceil(float64(cfg.Endpoint.DurationSec) / frameDur)),
			maxSamples:    int(e.maxUtterance.Seconds() * SampleRate),
		},
	}
	slog.Debug("grammar: handle created",
		"intents", gctx.IntentNames(),
		"sensitivity", cfg.Sensitivity,
		"endpoint_sec", cfg.Endpoint.DurationSec,
		"require_endpoint", cfg.Endpoint.Required,
	)
	return h, nil
}

type handle struct {
	engine   *Engine
	ctx      *Context
	info     string
	matcher  *Matcher
	required bool

	mu       sync.Mutex
	ep       endpointer
	released bool
}

func (h *handle) Process(frame []int16) (intent.Inference, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return intent.Inference{}, intent.Errorf(intent.KindProcess, intent.StatusInvalidState, "handle released")
	}
	if err := intent.CheckFrame(frame, FrameLength); err != nil {
		return intent.Inference{}, err
	}

	switch h.ep.push(frame) {
	case endpointPending:
		return intent.Pending(), nil
	case endpointMaxLength:
		if h.required {
			h.ep.reset()
			return intent.NotUnderstood(), nil
		}
	}

	samples := slices.Clone(h.ep.utterance(FrameLength))
	h.ep.reset()

	ctx, cancel := context.WithTimeout(context.Background(), h.engine.transcribeTimeout)
	defer cancel()
	text, err := h.engine.transcriber.Transcribe(ctx, samples, SampleRate)
	if err != nil {
		return intent.Inference{}, intent.Wrap(intent.KindProcess, intent.StatusRuntimeError, "transcription failed", err)
	}

	m, ok := h.matcher.Match(text)
	slog.Debug("grammar: utterance finalized", "transcript", text, "understood", ok, "intent", m.Intent, "score", m.Score)
	if !ok {
		return intent.NotUnderstood(), nil
	}
	return intent.Understood(m.Intent, m.Slots), nil
}

func (h *handle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "handle released")
	}
	h.ep.reset()
	return nil
}

func (h *handle) ContextInfo() string { return h.info }

func (h *handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return intent.Errorf(intent.KindInvalidState, intent.StatusInvalidState, "handle already released")
	}
	h.released = true
	h.ep.buf = nil
	return nil
}
