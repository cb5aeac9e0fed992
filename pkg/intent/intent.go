// Package intent defines the Engine contract for speech-to-intent backends.
//
// A speech-to-intent engine consumes fixed-length frames of 16-bit mono PCM
// and, once it decides an utterance is complete, reports a structured
// [Inference]: whether the utterance was understood and, if so, the intent
// name and slot values defined by the loaded context.
//
// Each call to [Engine.Create] returns an independent [Handle] that owns all
// per-stream state (accumulated audio, endpointing counters, native memory).
// A Handle is not reentrant: Process, Reset and Release must never be called
// concurrently for the same Handle. Callers that need concurrency isolation
// should drive a Handle from a single goroutine, as pkg/session does.
//
// Implementations must be safe for concurrent use across different handles.
package intent

import "context"

// Defaults applied by [DefaultConfig].
const (
	// DefaultSensitivity trades misses against false accepts. Range [0, 1].
	DefaultSensitivity float32 = 0.5

	// DefaultEndpointDurationSec is the trailing silence after which an
	// utterance is considered complete.
	DefaultEndpointDurationSec float32 = 1.0

	// MinEndpointDurationSec and MaxEndpointDurationSec bound
	// EndpointConfig.DurationSec.
	MinEndpointDurationSec float32 = 0.5
	MaxEndpointDurationSec float32 = 5.0
)

// EndpointConfig controls utterance endpointing.
type EndpointConfig struct {
	// DurationSec is the amount of trailing silence (seconds) that marks the
	// end of an utterance. Must be within [MinEndpointDurationSec,
	// MaxEndpointDurationSec].
	DurationSec float32

	// Required, when true, makes the engine wait for a silence endpoint before
	// finalizing. When false the engine may finalize as soon as it is
	// confident the utterance matched the context.
	Required bool
}

// Config holds the parameters for creating a [Handle].
type Config struct {
	// AccessKey is the credential presented to the engine. Must not be empty.
	AccessKey string

	// Context is the compiled (or textual, engine-dependent) grammar that
	// describes the intents, expressions and slots the engine recognises.
	Context []byte

	// Model holds engine model parameters. Engines that ship their own model
	// treat an empty Model as "use the default".
	Model []byte

	// Sensitivity in [0, 1]. Higher values reduce misses at the cost of more
	// erroneous inferences.
	Sensitivity float32

	// Endpoint configures endpoint detection.
	Endpoint EndpointConfig
}

// DefaultConfig returns a Config populated with the default sensitivity and
// endpoint settings. Callers still need to set AccessKey and Context.
func DefaultConfig() Config {
	return Config{
		Sensitivity: DefaultSensitivity,
		Endpoint: EndpointConfig{
			DurationSec: DefaultEndpointDurationSec,
			Required:    true,
		},
	}
}

// Validate checks that cfg can be handed to an engine. The returned error is
// always an [*Error] of kind [KindInit].
func (c Config) Validate() error {
	if c.AccessKey == "" {
		return Errorf(KindInit, StatusInvalidArgument, MsgInvalidAccessKey)
	}
	if len(c.Context) == 0 {
		return Errorf(KindInit, StatusInvalidArgument, "No valid context was provided")
	}
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		return Errorf(KindInit, StatusInvalidArgument,
			"Sensitivity value of %.2f is invalid. Must be between [0, 1]", c.Sensitivity)
	}
	if d := c.Endpoint.DurationSec; d < MinEndpointDurationSec || d > MaxEndpointDurationSec {
		return Errorf(KindInit, StatusInvalidArgument,
			"Endpoint duration of %.2fs is invalid. Must be between [%.1f, %.1f]",
			d, MinEndpointDurationSec, MaxEndpointDurationSec)
	}
	return nil
}

// Engine is the factory for speech-to-intent handles. Version, FrameLength
// and SampleRate are process-wide constants for an engine instance; they do
// not change after the engine is constructed.
type Engine interface {
	// Create validates cfg and allocates a new handle. Failures are reported
	// as [*Error] values of kind [KindInit].
	Create(ctx context.Context, cfg Config) (Handle, error)

	// Version reports the engine version string.
	Version() string

	// FrameLength is the exact number of samples every frame passed to
	// Handle.Process must contain.
	FrameLength() int

	// SampleRate is the sample rate (Hz) frames must be recorded at.
	SampleRate() int
}

// Handle is one instantiated engine session.
type Handle interface {
	// Process consumes one frame. It returns an Inference with IsFinalized
	// false while the utterance is still pending. Once IsFinalized is true
	// the handle has already reset its utterance state and the next frame
	// starts a new utterance.
	//
	// Process fails with a [KindProcess] error when the frame length does not
	// equal the engine's FrameLength or when the handle has been released.
	Process(frame []int16) (Inference, error)

	// Reset discards partially accumulated utterance state. The handle stays
	// usable.
	Reset() error

	// ContextInfo returns a human-readable description of the loaded context.
	ContextInfo() string

	// Release frees the handle. Calling Release a second time returns a
	// [KindInvalidState] error and frees nothing.
	Release() error
}

// CheckFrame reports a [KindProcess] error when frame does not contain exactly
// frameLength samples.
func CheckFrame(frame []int16, frameLength int) error {
	if len(frame) != frameLength {
		return Errorf(KindProcess, StatusInvalidArgument,
			"Input data frame size (%d) does not match required size of %d", len(frame), frameLength)
	}
	return nil
}
