package syncrun

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/platform/db"
)

// testPool connects to TEST_DATABASE_URL and applies the embedded migrations.
// Tests that need it are skipped when no database is configured.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping database: %v", err)
	}
	if _, err := db.NewMigrator(pool, db.MigrationSource("")).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func deleteRun(pool *pgxpool.Pool, id uuid.UUID) {
	pool.Exec(context.Background(), `DELETE FROM sync_runs WHERE id = $1`, id)
}

func TestRepoPG_Lifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewRepo(pool)
	rec := NewRecorder(repo, 0)

	scope := "practice-9"
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	run, err := rec.Start(ctx, []string{"patients", "labs"}, &scope, &since)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { deleteRun(pool, run.ID) })

	results := map[string]EntityResult{"patients": {Fetched: 3, Created: 2, Updated: 1}, "labs": {Fetched: 1, Errored: 1}}
	errs := []ErrorRecord{{Entity: "labs", Kind: KindPrerequisiteMissing, Message: "patient not synced"}}
	if err := rec.Finish(ctx, run, results, errs); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := repo.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Mode != ModeIncremental {
		t.Errorf("unexpected status/mode %s/%s", got.Status, got.Mode)
	}
	if got.Scope == nil || *got.Scope != scope || got.Since == nil || !got.Since.Equal(since) {
		t.Errorf("scope/since not stored: %v %v", got.Scope, got.Since)
	}
	if got.Totals.Created != 2 || got.Totals.Updated != 1 || got.Totals.Errored != 1 {
		t.Errorf("unexpected totals %+v", got.Totals)
	}
	if got.Results["patients"].Created != 2 || len(got.Errors) != 1 || got.Errors[0].Kind != KindPrerequisiteMissing {
		t.Errorf("results or errors not round-tripped: %+v %+v", got.Results, got.Errors)
	}
	if got.DurationMS == nil || got.CompletedAt == nil || *got.DurationMS != got.CompletedAt.Sub(got.StartedAt).Milliseconds() {
		t.Errorf("duration does not match timestamps: %v", got.DurationMS)
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepoPG_FailOpenKeepsReapedRunFailed(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewRepo(pool)
	rec := NewRecorder(repo, time.Hour)
	rec.SetClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })

	run, err := rec.Start(ctx, []string{"problems"}, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { deleteRun(pool, run.ID) })

	reason := ErrorRecord{Entity: "*", Kind: KindInternal, Message: "run abandoned before finalization"}
	n, err := repo.FailOpen(ctx, run.StartedAt.Add(time.Second), reason)
	if err != nil {
		t.Fatalf("fail open: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected the stale run to be reaped, got %d", n)
	}

	reaped, err := repo.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reaped.Status != StatusFailed || reaped.CompletedAt == nil || reaped.Totals.Errored != 1 {
		t.Errorf("unexpected reaped run %+v", reaped)
	}
	if len(reaped.Errors) != 1 || reaped.Errors[0].Message != reason.Message {
		t.Errorf("expected the reap entry appended, got %+v", reaped.Errors)
	}

	rec.SetClock(time.Now)
	err = rec.Finish(ctx, run, map[string]EntityResult{"problems": {Created: 5}}, nil)
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	after, _ := repo.GetByID(ctx, run.ID)
	if after.Status != StatusFailed || len(after.Errors) != 1 {
		t.Errorf("reaped run was overwritten: %s %+v", after.Status, after.Errors)
	}

	// Finalizing an unknown run is still ErrNotFound.
	ghost := &SyncRun{ID: uuid.New(), Status: StatusCompleted, Results: map[string]EntityResult{}}
	if err := repo.Finalize(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLeaseRepoPG_AcquireRejectTakeover(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	leases := NewLeaseRepo(pool)

	key := "it-" + uuid.NewString()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM sync_lease WHERE lease_key = $1`, key)
	})
	a, b := uuid.New(), uuid.New()

	ok, err := leases.Acquire(ctx, key, a, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v, %v", ok, err)
	}
	ok, err = leases.Acquire(ctx, key, b, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected a live lease to be rejected, got %v, %v", ok, err)
	}

	// A release by a non-holder is a no-op.
	if err := leases.Release(ctx, key, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := leases.Acquire(ctx, key, b, time.Minute); ok {
		t.Fatal("lease should still belong to the first holder")
	}

	if _, err := pool.Exec(ctx, `UPDATE sync_lease SET expires_at = NOW() - INTERVAL '1 second' WHERE lease_key = $1`, key); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	ok, err = leases.Acquire(ctx, key, b, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected takeover of an expired lease, got %v, %v", ok, err)
	}

	if err := leases.Release(ctx, key, b); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := leases.Acquire(ctx, key, a, time.Minute); !ok {
		t.Error("expected the released lease to be free")
	}
}
