package entity

import (
	"encoding/json"
	"time"
)

// Row is one normalized local record ready for a keyed upsert.
type Row struct {
	ExternalID       string
	ParentExternalID *string
	// Fields holds the entity specific columns. Every column the table
	// defines is present; absent upstream values are stored as nil.
	Fields       map[string]any
	LastSyncedAt time.Time
}

// Mapper normalizes one raw upstream record. parentID is the fanout parent
// (empty for direct entities). A nil row with a nil error means the record
// carried no usable natural identifier and must be dropped.
type Mapper func(raw json.RawMessage, parentID string, now time.Time) (*Row, error)

// ParentID returns the parent external id or "" when the row has none.
func (r *Row) ParentID() string {
	if r.ParentExternalID == nil {
		return ""
	}
	return *r.ParentExternalID
}

// Columns returns the complete column set written by the upsert, including
// the key and bookkeeping columns.
func (r *Row) Columns() map[string]any {
	cols := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		cols[k] = v
	}
	cols[ConflictKey] = r.ExternalID
	if r.ParentExternalID != nil {
		cols["parent_external_id"] = *r.ParentExternalID
	} else {
		cols["parent_external_id"] = nil
	}
	cols["last_synced_at"] = r.LastSyncedAt
	return cols
}
