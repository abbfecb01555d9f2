package syncer

import (
	"errors"
	"strings"

	"github.com/ehr/ehrsync/internal/entity"
	"github.com/ehr/ehrsync/internal/syncrun"
)

// Failure classes recorded against a run. Wrap them with fmt.Errorf("%w: ...")
// so the recorded kind can be recovered with errors.Is.
var (
	ErrFetch               = errors.New("fetch failed")
	ErrMap                 = errors.New("record could not be mapped")
	ErrPrerequisiteMissing = errors.New("prerequisite missing")
	ErrWrite               = errors.New("write failed")
)

var (
	// ErrRunInProgress is returned when the same entity set is already being
	// synced with different parameters, or another process holds its lease.
	// No run is created.
	ErrRunInProgress = errors.New("a sync run for these entities is already in progress")
	// ErrUnknownEntity is returned for entity names outside the closed set.
	ErrUnknownEntity = errors.New("unknown entity type")
)

func kindOf(err error) syncrun.ErrorKind {
	switch {
	case errors.Is(err, ErrFetch):
		return syncrun.KindFetchFailure
	case errors.Is(err, ErrMap):
		return syncrun.KindMapFailure
	case errors.Is(err, ErrPrerequisiteMissing):
		return syncrun.KindPrerequisiteMissing
	case errors.Is(err, ErrWrite):
		return syncrun.KindWriteFailure
	default:
		return syncrun.KindInternal
	}
}

func newErrorRecord(t entity.Type, recordID string, err error) syncrun.ErrorRecord {
	rec := syncrun.ErrorRecord{
		Entity:  string(t),
		Kind:    kindOf(err),
		Message: err.Error(),
	}
	if id := strings.TrimSpace(recordID); id != "" {
		rec.RecordID = &id
	}
	return rec
}
