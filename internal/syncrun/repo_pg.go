package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a run id does not exist.
	ErrNotFound = errors.New("sync run not found")
	// ErrAlreadyFinalized is returned when finalizing a run that another
	// writer, usually the stale-run reaper, already made terminal.
	ErrAlreadyFinalized = errors.New("sync run already finalized")
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn() querier {
	return r.pool
}

const runCols = `id, entities, mode, scope, since, status, results, errors,
	fetched, created, updated, upserted, errored, started_at, completed_at, duration_ms`

func (r *repoPG) Create(ctx context.Context, run *SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.conn().Exec(ctx, `
		INSERT INTO sync_runs (id, entities, mode, scope, since, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Entities, string(run.Mode), run.Scope, run.Since, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn().Exec(ctx, `UPDATE sync_runs SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update sync run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Finalize(ctx context.Context, run *SyncRun) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	errs := run.Errors
	if errs == nil {
		errs = []ErrorRecord{}
	}
	errList, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	tag, err := r.conn().Exec(ctx, `
		UPDATE sync_runs SET
			status = $2, results = $3, errors = $4,
			fetched = $5, created = $6, updated = $7, upserted = $8, errored = $9,
			completed_at = $10, duration_ms = $11
		WHERE id = $1 AND status IN ('started', 'in_progress')`,
		run.ID, string(run.Status), string(results), string(errList),
		run.Totals.Fetched, run.Totals.Created, run.Totals.Updated, run.Totals.Upserted, run.Totals.Errored,
		run.CompletedAt, run.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("finalize sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_runs WHERE id = $1)`, run.ID).Scan(&exists); err != nil {
			return fmt.Errorf("finalize sync run: %w", err)
		}
		if exists {
			return ErrAlreadyFinalized
		}
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	run, err := scanRun(r.conn().QueryRow(ctx, `SELECT `+runCols+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*SyncRun, int, error) {
	var total int
	if err := r.conn().QueryRow(ctx, `SELECT COUNT(*) FROM sync_runs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn().Query(ctx, `SELECT `+runCols+` FROM sync_runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var runs []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (r *repoPG) FailOpen(ctx context.Context, cutoff time.Time, reason ErrorRecord) (int64, error) {
	entry, err := json.Marshal([]ErrorRecord{reason})
	if err != nil {
		return 0, fmt.Errorf("encode reap reason: %w", err)
	}
	tag, err := r.conn().Exec(ctx, `
		UPDATE sync_runs SET
			status = 'failed',
			errors = errors || $2::jsonb,
			errored = errored + 1,
			completed_at = NOW(),
			duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::BIGINT
		WHERE status IN ('started', 'in_progress') AND started_at < $1`,
		cutoff, string(entry),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale sync runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (*SyncRun, error) {
	var (
		run              SyncRun
		mode, status     string
		results, errList []byte
	)
	err := row.Scan(&run.ID, &run.Entities, &mode, &run.Scope, &run.Since, &status, &results, &errList,
		&run.Totals.Fetched, &run.Totals.Created, &run.Totals.Updated, &run.Totals.Upserted, &run.Totals.Errored,
		&run.StartedAt, &run.CompletedAt, &run.DurationMS)
	if err != nil {
		return nil, err
	}
	run.Mode = Mode(mode)
	run.Status = Status(status)
	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("decode results of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal(errList, &run.Errors); err != nil {
		return nil, fmt.Errorf("decode errors of run %s: %w", run.ID, err)
	}
	return &run, nil
}

type leaseRepoPG struct {
	pool *pgxpool.Pool
}

// NewLeaseRepo returns a LeaseRepository backed by the sync_lease table.
func NewLeaseRepo(pool *pgxpool.Pool) LeaseRepository {
	return &leaseRepoPG{pool: pool}
}

func (r *leaseRepoPG) Acquire(ctx context.Context, key string, holder uuid.UUID, ttl time.Duration) (bool, error) {
	// The conditional DO UPDATE only takes over an expired lease; a live
	// one yields no row.
	var got uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sync_lease (lease_key, holder, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + ($3::BIGINT * INTERVAL '1 millisecond'))
		ON CONFLICT (lease_key) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_lease.expires_at < NOW()
		RETURNING holder`,
		key, holder, ttl.Milliseconds(),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire sync lease %s: %w", key, err)
	}
	return got == holder, nil
}

func (r *leaseRepoPG) Release(ctx context.Context, key string, holder uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sync_lease WHERE lease_key = $1 AND holder = $2`, key, holder); err != nil {
		return fmt.Errorf("release sync lease %s: %w", key, err)
	}
	return nil
}
