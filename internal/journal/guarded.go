package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxintent/internal/observe"
	"github.com/MrWong99/voxintent/internal/resilience"
)

// Guarded wraps a [Journal] in a circuit breaker. While the breaker is open,
// Record and Recent fail fast with an error wrapping
// [resilience.ErrCircuitOpen] and Ping reports the journal as unavailable.
type Guarded struct {
	inner   Journal
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ Journal = (*Guarded)(nil)

// GuardConfig configures [NewGuarded].
type GuardConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration

	// Metrics receives journal write outcomes. Optional.
	Metrics *observe.Metrics
}

// NewGuarded wraps inner.
func NewGuarded(inner Journal, cfg GuardConfig) *Guarded {
	return &Guarded{
		inner: inner,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "journal",
			MaxFailures:  cfg.MaxFailures,
			ResetTimeout: cfg.ResetTimeout,
			HalfOpenMax:  1,
		}),
		metrics: cfg.Metrics,
	}
}

// Record implements [Journal].
func (g *Guarded) Record(ctx context.Context, e Entry) (Entry, error) {
	var out Entry
	err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Record(ctx, e)
		return err
	})
	if g.metrics != nil {
		g.metrics.RecordJournalWrite(ctx, writeStatus(err))
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: record: %w", err)
	}
	return out, nil
}

func writeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "rejected"
	default:
		return "error"
	}
}

// Recent implements [Journal].
func (g *Guarded) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	var out []Entry
	err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Recent(ctx, sessionID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return out, nil
}

// Ping implements [Journal]. An open breaker is reported without probing the
// inner journal.
func (g *Guarded) Ping(ctx context.Context) error {
	if g.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("journal: %w", resilience.ErrCircuitOpen)
	}
	return g.inner.Ping(ctx)
}

// BreakerState exposes the breaker state for diagnostics.
func (g *Guarded) BreakerState() resilience.State {
	return g.breaker.State()
}

// Close implements [Journal].
func (g *Guarded) Close() error {
	return g.inner.Close()
}
