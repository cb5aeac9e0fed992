// Package audio defines the contract between audio producers and the
// speech-to-intent session controller, together with the PCM plumbing needed
// to satisfy it.
//
// A [Source] pushes fixed-length frames of 16-bit mono PCM to every
// subscribed [Consumer]. The frame length and sample rate are dictated by the
// engine; producers that deliver audio in other formats go through a
// [Broadcaster], which converts, re-frames and fans out.
//
// Platform adapters live in sub-packages: audio/discord (Discord voice),
// audio/opus (codec helpers) and audio/wav (file playback).
package audio

import "errors"

// ErrAlreadySubscribed is returned by [Source.Subscribe] when the consumer is
// already registered.
var ErrAlreadySubscribed = errors.New("audio: consumer already subscribed")

// Consumer receives frames from a [Source].
//
// OnFrame is invoked on the source's goroutine. Implementations must return
// quickly; the session controller enqueues the frame and returns. The slice
// passed to OnFrame belongs to the consumer.
type Consumer interface {
	OnFrame(frame []int16)
	OnError(err error)
}

// Source is anything that can deliver engine-sized PCM frames.
//
// Implementations must be safe for concurrent use. Unsubscribe of a consumer
// that is not subscribed is a no-op returning nil.
type Source interface {
	Subscribe(c Consumer) error
	Unsubscribe(c Consumer) error
}

// ConsumerFuncs adapts a pair of functions to a [Consumer]. The pointer is the
// subscription identity, so use &ConsumerFuncs{...}. Either field may be nil.
type ConsumerFuncs struct {
	Frame func(frame []int16)
	Error func(err error)
}

// OnFrame calls Frame if set.
func (c *ConsumerFuncs) OnFrame(frame []int16) {
	if c.Frame != nil {
		c.Frame(frame)
	}
}

// OnError calls Error if set.
func (c *ConsumerFuncs) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

var _ Consumer = (*ConsumerFuncs)(nil)
