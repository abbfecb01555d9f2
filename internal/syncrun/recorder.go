package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Recorder drives a SyncRun through started -> in_progress -> completed|failed
// and persists each step.
type Recorder struct {
	repo       Repository
	staleAfter time.Duration
	now        func() time.Time
}

// NewRecorder creates a Recorder. Runs left open longer than staleAfter are
// considered abandoned by ReapStale; zero disables reaping.
func NewRecorder(repo Repository, staleAfter time.Duration) *Recorder {
	return &Recorder{repo: repo, staleAfter: staleAfter, now: time.Now}
}

// SetClock overrides the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// postgres keeps microseconds; truncating here keeps stored timestamps and
// the computed duration consistent.
func (r *Recorder) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Start persists a new run before any entity work begins and moves it to
// in_progress.
func (r *Recorder) Start(ctx context.Context, entities []string, scope *string, since *time.Time) (*SyncRun, error) {
	run := &SyncRun{
		Entities:  entities,
		Mode:      ModeFor(since),
		Scope:     scope,
		Since:     since,
		Status:    StatusStarted,
		Results:   map[string]EntityResult{},
		Errors:    []ErrorRecord{},
		StartedAt: r.timestamp(),
	}
	if err := r.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	if err := r.transition(ctx, run, StatusInProgress); err != nil {
		return nil, err
	}
	return run, nil
}

// Finish records totals, the error list, completion time and duration, and
// moves the run to its terminal status. The in-memory run is finalized even
// when persisting fails. When the stored run was already made terminal, it is
// left untouched, run is reloaded from storage, and ErrAlreadyFinalized is
// returned.
func (r *Recorder) Finish(ctx context.Context, run *SyncRun, results map[string]EntityResult, errs []ErrorRecord) error {
	if run.Status.Terminal() {
		return fmt.Errorf("sync run %s already %s", run.ID, run.Status)
	}
	status := ResolveStatus(results, errs)
	if !CanTransition(run.Status, status) {
		return fmt.Errorf("sync run %s: invalid transition %s -> %s", run.ID, run.Status, status)
	}

	var totals EntityResult
	for _, res := range results {
		totals.Add(res)
	}
	if errs == nil {
		errs = []ErrorRecord{}
	}
	completed := r.timestamp()
	duration := completed.Sub(run.StartedAt).Milliseconds()

	run.Results = results
	run.Totals = totals
	run.Errors = errs
	run.Status = status
	run.CompletedAt = &completed
	run.DurationMS = &duration

	err := r.repo.Finalize(ctx, run)
	if errors.Is(err, ErrAlreadyFinalized) {
		if stored, gerr := r.repo.GetByID(ctx, run.ID); gerr == nil {
			*run = *stored
		}
	}
	return err
}

// ReapStale fails runs that have been open longer than the stale threshold,
// typically because the host killed them mid-flight.
func (r *Recorder) ReapStale(ctx context.Context) (int64, error) {
	if r.staleAfter <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().Add(-r.staleAfter)
	return r.repo.FailOpen(ctx, cutoff, ErrorRecord{
		Entity:  "*",
		Kind:    KindInternal,
		Message: fmt.Sprintf("run abandoned before finalization (open longer than %s)", r.staleAfter),
	})
}

func (r *Recorder) transition(ctx context.Context, run *SyncRun, to Status) error {
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("sync run %s: invalid transition %s -> %s", run.ID, run.Status, to)
	}
	if err := r.repo.UpdateStatus(ctx, run.ID, to); err != nil {
		return fmt.Errorf("mark sync run %s %s: %w", run.ID, to, err)
	}
	run.Status = to
	return nil
}
