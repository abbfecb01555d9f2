package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Type identifies a category of clinical record synchronized as a unit.
type Type string

const (
	Patients      Type = "patients"
	Practitioners Type = "practitioners"
	Visits        Type = "visits"
	Labs          Type = "labs"
	Problems      Type = "problems"
	Medications   Type = "medications"
	Allergies     Type = "allergies"
)

// Kind selects how an entity type is fetched from upstream.
type Kind int

const (
	// Direct entities are listed independently of any parent.
	Direct Kind = iota
	// Fanout entities are listed once per locally stored parent.
	Fanout
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Fanout:
		return "fanout"
	default:
		return "unknown"
	}
}

// ConflictKey is the natural-key column every entity table upserts on.
const ConflictKey = "external_id"

// ScopeParam is the upstream query parameter that narrows a listing to one practice.
const ScopeParam = "practice"

// Definition describes one entity type: where it comes from upstream, which
// table it lands in, and how a raw record is normalized.
type Definition struct {
	Type     Type
	Kind     Kind
	Table    string
	Endpoint string

	// Parent is the fanout parent for Fanout entities, or the referential
	// prerequisite for Direct entities. Empty when the type stands alone.
	Parent Type
	// ParentParam carries the parent id on fanout listings.
	ParentParam string
	// SinceParam carries the incremental "modified since" filter.
	SinceParam string

	Map Mapper
}

// definitions is ordered: parents strictly before anything that depends on them.
var definitions = []Definition{
	{Type: Patients, Kind: Direct, Table: "sync_patient", Endpoint: "/patients/", SinceParam: "last_modified_gte", Map: MapPatient},
	{Type: Practitioners, Kind: Direct, Table: "sync_practitioner", Endpoint: "/physicians/", SinceParam: "last_modified_gte", Map: MapPractitioner},
	{Type: Visits, Kind: Direct, Table: "sync_visit", Endpoint: "/appointments/", Parent: Patients, SinceParam: "last_modified_gte", Map: MapVisit},
	{Type: Labs, Kind: Direct, Table: "sync_lab_result", Endpoint: "/lab_reports/", Parent: Patients, SinceParam: "last_modified_gte", Map: MapLab},
	{Type: Problems, Kind: Fanout, Table: "sync_problem", Endpoint: "/problems/", Parent: Patients, ParentParam: "patient", SinceParam: "last_modified_gte", Map: MapProblem},
	{Type: Medications, Kind: Fanout, Table: "sync_medication", Endpoint: "/medications/", Parent: Patients, ParentParam: "patient", SinceParam: "last_modified_gte", Map: MapMedication},
	{Type: Allergies, Kind: Fanout, Table: "sync_allergy", Endpoint: "/allergies/", Parent: Patients, ParentParam: "patient", SinceParam: "last_modified_gte", Map: MapAllergy},
}

var byType = func() map[Type]int {
	m := make(map[Type]int, len(definitions))
	for i, d := range definitions {
		m[d.Type] = i
	}
	return m
}()

// Definitions returns every entity definition in processing order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for t.
func Lookup(t Type) (Definition, bool) {
	i, ok := byType[t]
	if !ok {
		return Definition{}, false
	}
	return definitions[i], true
}

// All returns every known entity type in processing order.
func All() []Type {
	out := make([]Type, len(definitions))
	for i, d := range definitions {
		out[i] = d.Type
	}
	return out
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	_, ok := byType[t]
	return ok
}

func (t Type) String() string { return string(t) }

// ParseType converts a user supplied name into a Type. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// ParseTypes parses names and returns them deduplicated in processing order.
// An empty input selects every entity type.
func ParseTypes(names []string) ([]Type, error) {
	if len(names) == 0 {
		return All(), nil
	}
	types := make([]Type, 0, len(names))
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return Order(types), nil
}

// Order deduplicates types and sorts them so parents precede dependents,
// independent of the order they were requested in.
func Order(types []Type) []Type {
	seen := make(map[Type]bool, len(types))
	out := make([]Type, 0, len(types))
	for _, t := range types {
		if seen[t] || !t.Valid() {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return byType[out[i]] < byType[out[j]]
	})
	return out
}

// Names converts types to their string form.
func Names(types []Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
