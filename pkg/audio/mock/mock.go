// Package mock provides an in-memory [audio.Source] for unit tests.
//
// Source records every Subscribe and Unsubscribe call so tests can assert on
// the subscription lifecycle, and exposes Emit and Fail to push frames and
// errors into whoever is currently subscribed.
//
// Typical usage:
//
//	src := &mock.Source{}
//	ctrl := session.NewController(engine, src)
//	...
//	src.Emit(make([]int16, 512))
package mock

import (
	"sync"

	"github.com/MrWong99/voxintent/pkg/audio"
)

// EventKind labels an entry in Source.Events.
type EventKind string

const (
	EventSubscribe   EventKind = "subscribe"
	EventUnsubscribe EventKind = "unsubscribe"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// SubscribeErr, if non-nil, is returned by Subscribe and the consumer is
	// not registered.
	SubscribeErr error

	// UnsubscribeErr, if non-nil, is returned by Unsubscribe after the
	// consumer has been removed.
	UnsubscribeErr error

	// Events is the ordered log of subscription changes.
	Events []EventKind

	consumers []audio.Consumer
}

var _ audio.Source = (*Source)(nil)

// Subscribe implements [audio.Source].
func (s *Source) Subscribe(c audio.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, EventSubscribe)
	if s.SubscribeErr != nil {
		return s.SubscribeErr
	}
	for _, existing := range s.consumers {
		if existing == c {
			return audio.ErrAlreadySubscribed
		}
	}
	s.consumers = append(s.consumers, c)
	return nil
}

// Unsubscribe implements [audio.Source].
func (s *Source) Unsubscribe(c audio.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, EventUnsubscribe)
	for i, existing := range s.consumers {
		if existing == c {
			s.consumers = append(s.consumers[:i:i], s.consumers[i+1:]...)
			break
		}
	}
	return s.UnsubscribeErr
}

// Subscribed reports how many consumers are registered.
func (s *Source) Subscribed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// EventLog returns a copy of Events.
func (s *Source) EventLog() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.Events))
	copy(out, s.Events)
	return out
}

// Emit delivers frame to every subscribed consumer on the calling goroutine
// and returns the number of consumers reached. Each consumer gets a copy.
func (s *Source) Emit(frame []int16) int {
	s.mu.Lock()
	consumers := s.consumers
	s.mu.Unlock()
	for _, c := range consumers {
		cp := make([]int16, len(frame))
		copy(cp, frame)
		c.OnFrame(cp)
	}
	return len(consumers)
}

// Fail delivers err to every subscribed consumer.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	consumers := s.consumers
	s.mu.Unlock()
	for _, c := range consumers {
		c.OnError(err)
	}
}
