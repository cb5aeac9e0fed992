package audio

import (
	"sync"
)

// Broadcaster is a [Source] fed by a producer that pushes raw audio. It
// converts incoming frames to mono at the engine's sample rate, re-frames
// them to the engine's frame length and delivers each frame to every
// subscribed consumer, in subscription order, on the producer's goroutine.
//
// Broadcaster is safe for concurrent use. Concurrent writers are serialized:
// frames reach consumers in the order they were assembled and OnFrame is
// never called concurrently.
type Broadcaster struct {
	// writeMu spans assembly and delivery; mu only guards state and may be
	// taken from OnFrame.
	writeMu sync.Mutex

	mu        sync.Mutex
	conv      FormatConverter
	framer    *Framer
	consumers []Consumer
}

var _ Source = (*Broadcaster)(nil)

// NewBroadcaster returns a Broadcaster producing frames of frameLength
// samples at sampleRate.
func NewBroadcaster(sampleRate, frameLength int) *Broadcaster {
	return &Broadcaster{
		conv:   FormatConverter{SampleRate: sampleRate},
		framer: NewFramer(frameLength),
	}
}

// SampleRate returns the output sample rate.
func (b *Broadcaster) SampleRate() int { return b.conv.SampleRate }

// FrameLength returns the output frame length in samples.
func (b *Broadcaster) FrameLength() int { return b.framer.Size() }

// Subscribe registers c. Subscribing the same consumer twice returns
// [ErrAlreadySubscribed].
func (b *Broadcaster) Subscribe(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.consumers {
		if existing == c {
			return ErrAlreadySubscribed
		}
	}
	b.consumers = append(b.consumers, c)
	return nil
}

// Unsubscribe removes c. It is a no-op when c is not subscribed.
//
// Unsubscribe may be called from within OnFrame; the frame currently being
// delivered still reaches consumers that were subscribed when delivery began.
func (b *Broadcaster) Unsubscribe(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.consumers {
		if existing == c {
			b.consumers = append(b.consumers[:i:i], b.consumers[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribers returns the number of registered consumers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// Write converts frame and delivers every completed engine frame. Audio
// arriving while nobody is subscribed is discarded, so the next subscriber
// starts on a clean frame boundary.
func (b *Broadcaster) Write(frame AudioFrame) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	if len(b.consumers) == 0 {
		b.framer.Reset()
		b.mu.Unlock()
		return
	}
	samples := b.conv.Convert(frame)
	var frames [][]int16
	b.framer.Push(samples, func(f []int16) { frames = append(frames, f) })
	consumers := b.consumers
	b.mu.Unlock()

	b.deliver(consumers, frames)
}

// WriteSamples is Write for mono PCM already at the output sample rate.
func (b *Broadcaster) WriteSamples(samples []int16) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	if len(b.consumers) == 0 {
		b.framer.Reset()
		b.mu.Unlock()
		return
	}
	var frames [][]int16
	b.framer.Push(samples, func(f []int16) { frames = append(frames, f) })
	consumers := b.consumers
	b.mu.Unlock()

	b.deliver(consumers, frames)
}

// Fail reports err to every subscribed consumer.
func (b *Broadcaster) Fail(err error) {
	b.mu.Lock()
	consumers := b.consumers
	b.mu.Unlock()
	for _, c := range consumers {
		c.OnError(err)
	}
}

// Reset drops partially assembled frames.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framer.Reset()
}

// deliver hands frames to a snapshot of the consumer list. Every consumer gets
// its own slice; the last one receives the framer's allocation.
func (b *Broadcaster) deliver(consumers []Consumer, frames [][]int16) {
	last := len(consumers) - 1
	for _, f := range frames {
		for i, c := range consumers {
			if i == last {
				c.OnFrame(f)
				continue
			}
			cp := make([]int16, len(f))
			copy(cp, f)
			c.OnFrame(cp)
		}
	}
}
