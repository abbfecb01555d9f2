package entity

import (
	"encoding/json"
	"time"
)

type upstreamPatient struct {
	ID                externalID      `json:"id"`
	FirstName         *string         `json:"first_name"`
	MiddleName        *string         `json:"middle_name"`
	LastName          *string         `json:"last_name"`
	DOB               timestamp       `json:"dob"`
	Sex               *string         `json:"sex"`
	PreferredLanguage *string         `json:"preferred_language"`
	PrimaryPhysician  externalID      `json:"primary_physician"`
	Emails            json.RawMessage `json:"emails"`
	Phones            json.RawMessage `json:"phones"`
	Address           json.RawMessage `json:"address"`
	Insurances        json.RawMessage `json:"insurances"`
	CreatedDate       timestamp       `json:"created_date"`
	LastModified      timestamp       `json:"last_modified"`
	DeletedDate       timestamp       `json:"deleted_date"`
}

// MapPatient normalizes an upstream patient demographic record.
func MapPatient(raw json.RawMessage, _ string, now time.Time) (*Row, error) {
	var p upstreamPatient
	if err := decodeObject(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil
	}
	return newRow(p.ID, nil, now, map[string]any{
		"first_name":                       str(p.FirstName),
		"middle_name":                      str(p.MiddleName),
		"last_name":                        str(p.LastName),
		"date_of_birth":                    p.DOB.value(),
		"sex":                              str(p.Sex),
		"preferred_language":               str(p.PreferredLanguage),
		"primary_practitioner_external_id": p.PrimaryPhysician.value(),
		"emails":                           passthrough(p.Emails),
		"phones":                           passthrough(p.Phones),
		"address":                          passthrough(p.Address),
		"insurances":                       passthrough(p.Insurances),
		"upstream_created_at":              p.CreatedDate.value(),
		"upstream_updated_at":              p.LastModified.value(),
		"upstream_deleted_at":              p.DeletedDate.value(),
	}), nil
}

type upstreamPractitioner struct {
	ID           externalID      `json:"id"`
	FirstName    *string         `json:"first_name"`
	LastName     *string         `json:"last_name"`
	Credentials  *string         `json:"credentials"`
	NPI          *string         `json:"npi"`
	Specialty    *string         `json:"specialty"`
	Email        *string         `json:"email"`
	IsActive     *bool           `json:"is_active"`
	Practices    json.RawMessage `json:"practices"`
	LastModified timestamp       `json:"last_modified"`
}

// MapPractitioner normalizes an upstream physician/provider record.
func MapPractitioner(raw json.RawMessage, _ string, now time.Time) (*Row, error) {
	var p upstreamPractitioner
	if err := decodeObject(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, nil
	}
	return newRow(p.ID, nil, now, map[string]any{
		"first_name":          str(p.FirstName),
		"last_name":           str(p.LastName),
		"credentials":         str(p.Credentials),
		"npi":                 str(p.NPI),
		"specialty":           str(p.Specialty),
		"email":               str(p.Email),
		"is_active":           boolean(p.IsActive),
		"practices":           passthrough(p.Practices),
		"upstream_updated_at": p.LastModified.value(),
	}), nil
}
