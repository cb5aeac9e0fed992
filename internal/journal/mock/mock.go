// Package mock provides a call-recording test double for [journal.Journal].
//
// Typical usage:
//
//	j := &mock.Journal{RecordErr: errors.New("db down")}
//	// inject j into the system under test …
//	if got := j.CallCount("Record"); got != 1 {
//	    t.Errorf("expected 1 Record call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxintent/internal/journal"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Journal is a configurable [journal.Journal]. Recorded entries are kept and
// returned by Recent unless RecentResult is set.
type Journal struct {
	mu    sync.Mutex
	calls []Call

	entries []journal.Entry

	RecordErr    error
	RecentResult []journal.Entry
	RecentErr    error
	PingErr      error
	CloseErr     error

	// Recorded, if non-nil, receives every successfully recorded entry.
	// Sends block, so size the channel for the test.
	Recorded chan journal.Entry
}

var _ journal.Journal = (*Journal)(nil)

func (m *Journal) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Record implements [journal.Journal].
func (m *Journal) Record(_ context.Context, e journal.Entry) (journal.Entry, error) {
	m.mu.Lock()
	m.record("Record", e)
	if m.RecordErr != nil {
		err := m.RecordErr
		m.mu.Unlock()
		return journal.Entry{}, err
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e.Clone())
	ch := m.Recorded
	m.mu.Unlock()

	if ch != nil {
		ch <- e.Clone()
	}
	return e, nil
}

// Recent implements [journal.Journal]. Without RecentResult it returns the
// recorded entries for sessionID, newest first.
func (m *Journal) Recent(_ context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Recent", sessionID, limit)
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	if m.RecentResult != nil {
		return m.RecentResult, nil
	}
	out := []journal.Entry{}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if sessionID == "" || m.entries[i].SessionID == sessionID {
			out = append(out, m.entries[i].Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements [journal.Journal].
func (m *Journal) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [journal.Journal].
func (m *Journal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	return m.CloseErr
}

// SetRecordErr changes RecordErr under the mutex.
func (m *Journal) SetRecordErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordErr = err
}

// Calls returns a copy of all recorded method invocations.
func (m *Journal) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Journal) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
