package journal

import (
	"context"
	"sync"
	"time"
)

const defaultCapacity = 1000

// Memory is a bounded in-process [Journal]. Once full, the oldest entry is
// overwritten.
type Memory struct {
	mu     sync.Mutex
	buf    []Entry
	next   int // index the next entry is written to
	full   bool
	lastID int64
	now    func() time.Time
}

var _ Journal = (*Memory)(nil)

// NewMemory returns a ring journal holding at most capacity entries.
// capacity <= 0 selects a default of 1000.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Memory{buf: make([]Entry, capacity), now: time.Now}
}

// Record implements [Journal].
func (m *Memory) Record(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastID++
	e.ID = m.lastID
	if e.At.IsZero() {
		e.At = m.now()
	}
	e = e.Clone()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return e.Clone(), nil
}

// Recent implements [Journal].
func (m *Memory) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.buf)
	}
	out := []Entry{}
	for i := 1; i <= n && len(out) < limit; i++ {
		e := m.buf[(m.next-i+len(m.buf))%len(m.buf)]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.buf)
	}
	return m.next
}

// Ping implements [Journal]. It always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Journal]. Entries remain readable.
func (m *Memory) Close() error { return nil }
