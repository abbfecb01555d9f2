package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNotObject = errors.New("record is not a JSON object")

// externalID accepts upstream identifiers sent either as JSON strings or numbers.
type externalID string

func (id *externalID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = externalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number, got %s", b)
	}
	*id = externalID(n.String())
	return nil
}

func (id externalID) value() any {
	if id == "" {
		return nil
	}
	return string(id)
}

func (id externalID) ptr() *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// timestamp is an optional upstream date or date-time. A string in an
// unrecognized format decodes as absent; only a non-string value is an error.
type timestamp struct {
	t     time.Time
	valid bool
}

func (ts *timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*ts = timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string, got %s", b)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*ts = timestamp{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*ts = timestamp{t: t.UTC(), valid: true}
			return nil
		}
	}
	*ts = timestamp{}
	return nil
}

func (ts timestamp) value() any {
	if !ts.valid {
		return nil
	}
	return ts.t
}

// decodeObject unmarshals raw into v after checking raw is a JSON object.
func decodeObject(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errNotObject
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

func str(s *string) any {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return v
}

func integer(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func boolean(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// passthrough keeps structured upstream values as raw JSON text for a jsonb column.
func passthrough(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return string(trimmed)
}

// PeekID extracts the upstream id of a raw record on a best-effort basis so
// that errors about records that failed to map can still name them.
func PeekID(raw json.RawMessage) string {
	var head struct {
		ID externalID `json:"id"`
	}
	if err := decodeObject(raw, &head); err != nil {
		return ""
	}
	return string(head.ID)
}

func newRow(id externalID, parent *string, now time.Time, fields map[string]any) *Row {
	return &Row{
		ExternalID:       string(id),
		ParentExternalID: parent,
		Fields:           fields,
		LastSyncedAt:     now.UTC(),
	}
}

// fanoutParent prefers the parent the record was fetched under over any
// reference the record carries itself.
func fanoutParent(parentID string, own externalID) *string {
	if parentID != "" {
		p := parentID
		return &p
	}
	return own.ptr()
}
