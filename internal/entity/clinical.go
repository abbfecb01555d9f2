package entity

import (
	"encoding/json"
	"time"
)

// Problems, medications and allergies are listed per patient upstream. The
// patient they were fetched under always wins over the record's own reference.

type upstreamProblem struct {
	ID           externalID      `json:"id"`
	Patient      externalID      `json:"patient"`
	Description  *string         `json:"description"`
	Status       *string         `json:"status"`
	Synopsis     *string         `json:"synopsis"`
	StartDate    timestamp       `json:"start_date"`
	ResolvedDate timestamp       `json:"resolved_date"`
	Dx           json.RawMessage `json:"dx"`
	LastModified timestamp       `json:"last_modified"`
}

// MapProblem normalizes a problem-list entry.
func MapProblem(raw json.RawMessage, parentID string, now time.Time) (*Row, error) {
	var p upstreamProblem
	if err := decodeObject(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil
	}
	return newRow(p.ID, fanoutParent(parentID, p.Patient), now, map[string]any{
		"description":         str(p.Description),
		"status":              str(p.Status),
		"synopsis":            str(p.Synopsis),
		"onset_date":          p.StartDate.value(),
		"resolved_date":       p.ResolvedDate.value(),
		"diagnosis_codes":     passthrough(p.Dx),
		"upstream_updated_at": p.LastModified.value(),
	}), nil
}

type upstreamMedication struct {
	ID           externalID      `json:"id"`
	Patient      externalID      `json:"patient"`
	Medication   json.RawMessage `json:"medication"`
	Sig          *string         `json:"directions"`
	Quantity     *string         `json:"qty"`
	Refills      *int64          `json:"num_refills"`
	StartDate    timestamp       `json:"start_date"`
	EndDate      timestamp       `json:"discontinue_date"`
	LastModified timestamp       `json:"last_modified"`
}

// MapMedication normalizes a medication list entry. The drug descriptor is
// stored untouched; its name is lifted into its own column.
func MapMedication(raw json.RawMessage, parentID string, now time.Time) (*Row, error) {
	var m upstreamMedication
	if err := decodeObject(raw, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, nil
	}
	return newRow(m.ID, fanoutParent(parentID, m.Patient), now, map[string]any{
		"name":                medicationName(m.Medication),
		"directions":          str(m.Sig),
		"quantity":            str(m.Quantity),
		"refills":             integer(m.Refills),
		"start_date":          m.StartDate.value(),
		"end_date":            m.EndDate.value(),
		"medication":          passthrough(m.Medication),
		"upstream_updated_at": m.LastModified.value(),
	}), nil
}

func medicationName(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var name *string
	if err := json.Unmarshal(raw, &name); err == nil {
		return str(name)
	}
	var obj struct {
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return str(obj.Name)
	}
	return nil
}

type upstreamAllergy struct {
	ID           externalID `json:"id"`
	Patient      externalID `json:"patient"`
	Name         *string    `json:"name"`
	Reaction     *string    `json:"reaction"`
	Severity     *string    `json:"severity"`
	Status       *string    `json:"status"`
	StartDate    timestamp  `json:"start_date"`
	LastModified timestamp  `json:"last_modified"`
}

// MapAllergy normalizes an allergy/intolerance entry.
func MapAllergy(raw json.RawMessage, parentID string, now time.Time) (*Row, error) {
	var a upstreamAllergy
	if err := decodeObject(raw, &a); err != nil {
		return nil, err
	}
	if a.ID == "" {
		return nil, nil
	}
	return newRow(a.ID, fanoutParent(parentID, a.Patient), now, map[string]any{
		"name":                str(a.Name),
		"reaction":            str(a.Reaction),
		"severity":            str(a.Severity),
		"status":              str(a.Status),
		"onset_date":          a.StartDate.value(),
		"upstream_updated_at": a.LastModified.value(),
	}), nil
}
