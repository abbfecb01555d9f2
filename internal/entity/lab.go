package entity

import (
	"encoding/json"
	"time"
)

type upstreamLabReport struct {
	ID           externalID      `json:"id"`
	Patient      externalID      `json:"patient"`
	Physician    externalID      `json:"physician"`
	ReportType   *string         `json:"report_type"`
	Title        *string         `json:"custom_title"`
	Vendor       *string         `json:"vendor"`
	IsAbnormal   *bool           `json:"is_abnormal"`
	DocumentDate timestamp       `json:"document_date"`
	ReportedDate timestamp       `json:"reported_date"`
	Grids        json.RawMessage `json:"grids"`
	LastModified timestamp       `json:"last_modified"`
}

// MapLab normalizes an upstream lab report. Result grids are kept as-is.
func MapLab(raw json.RawMessage, _ string, now time.Time) (*Row, error) {
	var l upstreamLabReport
	if err := decodeObject(raw, &l); err != nil {
		return nil, err
	}
	if l.ID == "" {
		return nil, nil
	}
	return newRow(l.ID, l.Patient.ptr(), now, map[string]any{
		"practitioner_external_id": l.Physician.value(),
		"report_type":              str(l.ReportType),
		"title":                    str(l.Title),
		"vendor":                   str(l.Vendor),
		"is_abnormal":              boolean(l.IsAbnormal),
		"document_date":            l.DocumentDate.value(),
		"reported_at":              l.ReportedDate.value(),
		"results":                  passthrough(l.Grids),
		"upstream_updated_at":      l.LastModified.value(),
	}), nil
}
