package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxintent/internal/journal"
	"github.com/MrWong99/voxintent/internal/journal/postgres"
	"github.com/MrWong99/voxintent/pkg/intent"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXINTENT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXINTENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXINTENT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on an empty inferences table.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS inferences CASCADE"); err != nil {
		t.Fatalf("drop inferences: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []journal.Entry{
		{
			SessionID: "s1", Context: "coffee", Source: journal.SourceWebSocket, At: base,
			Inference: intent.Inference{IsFinalized: true, IsUnderstood: true, Intent: "orderBeverage",
				Slots: map[string]string{"size": "small", "beverage": "coffee"}},
		},
		{
			SessionID: "s1", Context: "coffee", Source: journal.SourceWebSocket, At: base.Add(time.Second),
			Inference: intent.Inference{IsFinalized: true},
		},
		{
			SessionID: "s2", Context: "lights", Source: journal.SourceDiscord, At: base.Add(2 * time.Second),
			Inference: intent.Inference{IsFinalized: true, IsUnderstood: true, Intent: "changeColor",
				Slots: map[string]string{"color": "blue"}},
		},
	}
	for i, e := range entries {
		got, err := store.Record(ctx, e)
		if err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
		if got.ID == 0 {
			t.Errorf("Record[%d] returned no ID", i)
		}
	}

	s1, err := store.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("Recent(s1): %v", err)
	}
	if len(s1) != 2 {
		t.Fatalf("Recent(s1) returned %d entries, want 2", len(s1))
	}
	if s1[0].Inference.IsUnderstood || s1[0].Inference.Intent != "" || s1[0].Inference.Slots != nil {
		t.Errorf("newest s1 entry should be not-understood, got %+v", s1[0].Inference)
	}
	if got := s1[1].Inference; got.Intent != "orderBeverage" || got.Slots["beverage"] != "coffee" || !got.IsFinalized {
		t.Errorf("oldest s1 entry = %+v", got)
	}
	if !s1[1].At.Equal(base) {
		t.Errorf("timestamp = %v, want %v", s1[1].At, base)
	}

	all, err := store.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent(all): %v", err)
	}
	if len(all) != 2 || all[0].SessionID != "s2" || all[0].Source != journal.SourceDiscord {
		t.Errorf("Recent(all, 2) = %+v", all)
	}

	none, err := store.Recent(ctx, "missing", 0)
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("Recent(missing) = %#v, %v; want empty non-nil slice", none, err)
	}
}

func TestStore_PingAndMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// A second store on the same database re-runs Migrate.
	again, err := postgres.NewStore(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("second NewStore: %v", err)
	}
	_ = again.Close()
}

func TestNewStore_InvalidDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "postgres://user@host/%zz"); err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}
