// Package store is the local persistence side of the sync engine: a keyed,
// idempotent upsert for entity rows and the read queries the strategies need
// to enforce parent prerequisites.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrsync/internal/entity"
)

// Outcome reports what a single upsert did to storage.
type Outcome int

const (
	// Upserted means the write succeeded but the store could not tell
	// whether the row was new.
	Upserted Outcome = iota
	Inserted
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "upserted"
	}
}

// Writer applies one mapped row with a keyed upsert. It is the only write
// path for entity tables.
type Writer interface {
	Upsert(ctx context.Context, table string, row *entity.Row, conflictKey string) (Outcome, error)
}

// Reader answers the questions strategies ask about already-synced rows.
type Reader interface {
	Exists(ctx context.Context, table, externalID string) (bool, error)
	ExternalIDs(ctx context.Context, table string) ([]string, error)
}

// Store is the full persistence contract consumed by the sync strategies.
type Store interface {
	Writer
	Reader
}

var dialect = goqu.Dialect("postgres")

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type storePG struct {
	db querier
}

// NewPG returns a Store backed by PostgreSQL.
func NewPG(pool *pgxpool.Pool) Store {
	return &storePG{db: pool}
}

func (s *storePG) Upsert(ctx context.Context, table string, row *entity.Row, conflictKey string) (Outcome, error) {
	query, args, err := upsertSQL(table, row, conflictKey)
	if err != nil {
		return Upserted, err
	}
	// xmax is zero only for a tuple created by this statement.
	var inserted bool
	if err := s.db.QueryRow(ctx, query, args...).Scan(&inserted); err != nil {
		return Upserted, fmt.Errorf("upsert %s %s: %w", table, row.ExternalID, err)
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (s *storePG) Exists(ctx context.Context, table, externalID string) (bool, error) {
	query, args, err := dialect.From(table).
		Select(goqu.L("1")).
		Where(goqu.C(entity.ConflictKey).Eq(externalID)).
		Limit(1).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build exists query for %s: %w", table, err)
	}
	var one int
	err = s.db.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", table, externalID, err)
	}
	return true, nil
}

func (s *storePG) ExternalIDs(ctx context.Context, table string) ([]string, error) {
	query, args, err := dialect.From(table).
		Select(goqu.C(entity.ConflictKey)).
		Order(goqu.C(entity.ConflictKey).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build id query for %s: %w", table, err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", table, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", table, err)
	}
	return ids, nil
}

// upsertSQL builds INSERT ... ON CONFLICT DO UPDATE for every column of row.
// Re-applying the same row rewrites identical values, so the statement is
// idempotent apart from last_synced_at.
func upsertSQL(table string, row *entity.Row, conflictKey string) (string, []interface{}, error) {
	if row == nil || row.ExternalID == "" {
		return "", nil, fmt.Errorf("upsert %s: row has no external id", table)
	}
	cols := row.Columns()
	if _, ok := cols[conflictKey]; !ok {
		return "", nil, fmt.Errorf("upsert %s: conflict key %q is not a row column", table, conflictKey)
	}
	update := goqu.Record{}
	for col := range cols {
		if col == conflictKey {
			continue
		}
		update[col] = goqu.I("excluded." + col)
	}
	query, args, err := dialect.Insert(table).
		Rows(goqu.Record(cols)).
		OnConflict(goqu.DoUpdate(conflictKey, update)).
		Returning(goqu.L("(xmax = 0)")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("build upsert for %s: %w", table, err)
	}
	return query, args, nil
}
