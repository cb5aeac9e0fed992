package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/pkg/intent"
)

var _ journal.Journal = (*Store)(nil)

// Store is a [journal.Journal] backed by a pgx connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Record implements [journal.Journal].
func (s *Store) Record(ctx context.Context, e journal.Entry) (journal.Entry, error) {
	const q = `
		INSERT INTO inferences
		    (session_id, context_name, source, is_understood, intent, slots, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, finalized_at`

	if e.At.IsZero() {
		e.At = time.Now()
	}
	slots := e.Inference.Slots
	if slots == nil {
		slots = map[string]string{}
	}
	err := s.pool.QueryRow(ctx, q,
		e.SessionID,
		e.Context,
		e.Source,
		e.Inference.IsUnderstood,
		e.Inference.Intent,
		slots,
		e.At,
	).Scan(&e.ID, &e.At)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("postgres journal: record: %w", err)
	}
	return e.Clone(), nil
}

// Recent implements [journal.Journal].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = journal.DefaultRecentLimit
	}
	const q = `
		SELECT id, session_id, context_name, source, is_understood, intent, slots, finalized_at
		FROM   inferences
		WHERE  ($1::text = '' OR session_id = $1)
		ORDER  BY finalized_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping implements [journal.Journal].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres journal: ping: %w", err)
	}
	return nil
}

// Close implements [journal.Journal].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectEntries(rows pgx.Rows) ([]journal.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e     journal.Entry
			slots map[string]string
		)
		if err := row.Scan(
			&e.ID,
			&e.SessionID,
			&e.Context,
			&e.Source,
			&e.Inference.IsUnderstood,
			&e.Inference.Intent,
			&slots,
			&e.At,
		); err != nil {
			return journal.Entry{}, err
		}
		e.Inference.IsFinalized = true
		if len(slots) > 0 {
			e.Inference.Slots = slots
		}
		e.Inference = normalize(e.Inference)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: scan rows: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// normalize restores the not-understood shape: no intent and no slots.
func normalize(inf intent.Inference) intent.Inference {
	if !inf.IsUnderstood {
		inf.Intent = ""
		inf.Slots = nil
	}
	return inf
}
