package syncrun

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, run *SyncRun) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// Finalize writes the terminal state of a run that is still started or
	// in_progress. It returns ErrAlreadyFinalized for a run that is terminal.
	Finalize(ctx context.Context, run *SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncRun, error)
	List(ctx context.Context, limit, offset int) ([]*SyncRun, int, error)

	// FailOpen marks every run still started or in_progress that began
	// before cutoff as failed, appending reason to its error list.
	FailOpen(ctx context.Context, cutoff time.Time, reason ErrorRecord) (int64, error)
}

// LeaseRepository guards an entity set against overlapping runs.
type LeaseRepository interface {
	// Acquire returns false when another holder owns an unexpired lease.
	Acquire(ctx context.Context, key string, holder uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string, holder uuid.UUID) error
}
