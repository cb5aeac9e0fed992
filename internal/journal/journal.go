// Package journal persists finalized inferences so clients can query what a
// session understood after the fact.
//
// Two implementations are provided: [Memory], a bounded in-process ring, and
// the PostgreSQL store in the postgres sub-package. [Guarded] wraps either in
// a circuit breaker so a failing database never stalls session callbacks.
package journal

import (
	"context"
	"maps"
	"time"

	"github.com/MrWong99/voxintent/pkg/intent"
)

// Source names where the audio of an entry came from.
const (
	SourceWebSocket = "websocket"
	SourceDiscord   = "discord"
	SourceFile      = "file"
)

// Entry is one finalized inference.
type Entry struct {
	// ID is assigned by the journal on Record. Zero before that.
	ID int64

	SessionID string

	// Context is the name of the context the session was initialised with.
	Context string

	// Source is one of the Source* constants.
	Source string

	Inference intent.Inference

	// At is the time the inference was finalized. Record fills in the current
	// time when zero.
	At time.Time
}

// Clone returns a copy of e that shares no mutable state.
func (e Entry) Clone() Entry {
	e.Inference.Slots = maps.Clone(e.Inference.Slots)
	return e
}

// Journal stores and lists finalized inferences. Implementations must be safe
// for concurrent use.
type Journal interface {
	// Record appends e and returns it with ID and At filled in.
	Record(ctx context.Context, e Entry) (Entry, error)

	// Recent returns up to limit entries, newest first. An empty sessionID
	// matches every session. limit <= 0 means the implementation default.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Ping reports whether the journal can currently accept writes.
	Ping(ctx context.Context) error

	// Close releases the journal's resources.
	Close() error
}

// DefaultRecentLimit is used when Recent is called with limit <= 0.
const DefaultRecentLimit = 50
