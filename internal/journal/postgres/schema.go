// Package postgres provides a PostgreSQL-backed [journal.Journal].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_, _ = store.Record(ctx, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlInferences = `
CREATE TABLE IF NOT EXISTS inferences (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    context_name  TEXT         NOT NULL DEFAULT '',
    source        TEXT         NOT NULL DEFAULT '',
    is_understood BOOLEAN      NOT NULL,
    intent        TEXT         NOT NULL DEFAULT '',
    slots         JSONB        NOT NULL DEFAULT '{}',
    finalized_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inferences_session_id
    ON inferences (session_id, finalized_at DESC);

CREATE INDEX IF NOT EXISTS idx_inferences_finalized_at
    ON inferences (finalized_at DESC);
`

// Migrate ensures the inferences table and its indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlInferences); err != nil {
		return fmt.Errorf("postgres journal: migrate: %w", err)
	}
	return nil
}
