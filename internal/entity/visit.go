package entity

import (
	"bytes"
	"encoding/json"
	"time"
)

type upstreamVisit struct {
	ID              externalID      `json:"id"`
	Patient         externalID      `json:"patient"`
	Physician       externalID      `json:"physician"`
	ScheduledDate   timestamp       `json:"scheduled_date"`
	Duration        *int64          `json:"duration"`
	Reason          *string         `json:"reason"`
	Description     *string         `json:"description"`
	Mode            *string         `json:"mode"`
	Status          json.RawMessage `json:"status"`
	ServiceLocation json.RawMessage `json:"service_location"`
	CreatedDate     timestamp       `json:"created_date"`
	LastModified    timestamp       `json:"last_modified"`
}

// MapVisit normalizes an upstream appointment. The patient reference becomes
// the row's parent and must exist locally before the row is written.
func MapVisit(raw json.RawMessage, _ string, now time.Time) (*Row, error) {
	var v upstreamVisit
	if err := decodeObject(raw, &v); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, nil
	}
	return newRow(v.ID, v.Patient.ptr(), now, map[string]any{
		"practitioner_external_id": v.Physician.value(),
		"scheduled_at":             v.ScheduledDate.value(),
		"duration_minutes":         integer(v.Duration),
		"reason":                   str(v.Reason),
		"description":              str(v.Description),
		"mode":                     str(v.Mode),
		"status":                   statusText(v.Status),
		"service_location":         passthrough(v.ServiceLocation),
		"upstream_created_at":      v.CreatedDate.value(),
		"upstream_updated_at":      v.LastModified.value(),
	}), nil
}

// statusText accepts a status given either as a bare string or as an object
// carrying a "status" member.
func statusText(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var s *string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return str(s)
	}
	var obj struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return str(obj.Status)
	}
	return nil
}
