package syncrun

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a sync run.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusStarted:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a run may move from one status to another.
// started -> failed is only used when a run is reaped before it got going.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Mode records whether the run pulled everything or only recent changes.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ModeFor derives the run mode from the incremental cutoff.
func ModeFor(since *time.Time) Mode {
	if since != nil {
		return ModeIncremental
	}
	return ModeFull
}

// EntityResult holds the counters for one entity type within a run.
type EntityResult struct {
	Fetched  int `json:"fetched"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Upserted int `json:"upserted,omitempty"`
	Errored  int `json:"errored"`
}

// Written is the number of successful writes of any outcome.
func (r EntityResult) Written() int {
	return r.Created + r.Updated + r.Upserted
}

// Add accumulates o into r.
func (r *EntityResult) Add(o EntityResult) {
	r.Fetched += o.Fetched
	r.Created += o.Created
	r.Updated += o.Updated
	r.Upserted += o.Upserted
	r.Errored += o.Errored
}

// ErrorKind classifies an error recorded during a run.
type ErrorKind string

const (
	KindFetchFailure        ErrorKind = "fetch_failure"
	KindMapFailure          ErrorKind = "map_failure"
	KindPrerequisiteMissing ErrorKind = "prerequisite_missing"
	KindWriteFailure        ErrorKind = "write_failure"
	KindInternal            ErrorKind = "internal"
)

// ErrorRecord is one entry of a run's error list.
type ErrorRecord struct {
	Entity   string    `json:"entity"`
	RecordID *string   `json:"record_id,omitempty"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// SyncRun is the permanent audit record of one invocation.
type SyncRun struct {
	ID          uuid.UUID               `json:"id"`
	Entities    []string                `json:"entities"`
	Mode        Mode                    `json:"mode"`
	Scope       *string                 `json:"scope,omitempty"`
	Since       *time.Time              `json:"since,omitempty"`
	Status      Status                  `json:"status"`
	Results     map[string]EntityResult `json:"results"`
	Totals      EntityResult            `json:"totals"`
	Errors      []ErrorRecord           `json:"errors"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	DurationMS  *int64                  `json:"duration_ms,omitempty"`
}

// ResolveStatus applies the partial-success policy: a run fails only when
// nothing was written and at least one error was recorded.
func ResolveStatus(results map[string]EntityResult, errs []ErrorRecord) Status {
	for _, r := range results {
		if r.Written() > 0 {
			return StatusCompleted
		}
	}
	if len(errs) > 0 {
		return StatusFailed
	}
	for _, r := range results {
		if r.Errored > 0 {
			return StatusFailed
		}
	}
	return StatusCompleted
}
