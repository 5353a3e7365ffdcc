package casefile

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

const (
	nestedFieldPlan = "terrain"
	nestedAddress   = "adresse_travaux"
)

// FieldPath addresses one editable field: a top-level case-file field,
// mandats[i].field, or mandats[i].terrain.field / mandats[i].adresse_travaux.field.
type FieldPath struct {
	Mandate int
	Nested  string
	Field   string
}

// TopLevel reports whether the path targets a case-file field.
func (p FieldPath) TopLevel() bool {
	return p.Mandate < 0
}

func (p FieldPath) String() string {
	if p.TopLevel() {
		return p.Field
	}
	prefix := "mandats[" + strconv.Itoa(p.Mandate) + "]."
	if p.Nested != "" {
		return prefix + p.Nested + "." + p.Field
	}
	return prefix + p.Field
}

var readOnlyCaseFileFields = map[string]struct{}{
	"id":      {},
	"mandats": {},
}

var readOnlyMandateFields = map[string]struct{}{
	"id":       {},
	"factures": {},
}

// ParsePath parses a dotted field path such as "mandats[2].terrain.notes".
func ParsePath(raw string) (FieldPath, error) {
	segments := strings.Split(strings.TrimSpace(raw), ".")
	for _, segment := range segments {
		if segment == "" {
			return FieldPath{}, rejected("malformed field path %q", raw)
		}
	}

	head := segments[0]
	if !strings.HasPrefix(head, "mandats[") {
		if len(segments) != 1 {
			return FieldPath{}, rejected("unsupported field path %q", raw)
		}
		if _, ok := readOnlyCaseFileFields[head]; ok {
			return FieldPath{}, rejected("field %q is not editable", head)
		}
		return FieldPath{Mandate: -1, Field: head}, nil
	}

	if !strings.HasSuffix(head, "]") {
		return FieldPath{}, rejected("malformed mandate index in %q", raw)
	}
	index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(head, "mandats["), "]"))
	if err != nil || index < 0 {
		return FieldPath{}, rejected("malformed mandate index in %q", raw)
	}

	switch len(segments) {
	case 2:
		if _, ok := readOnlyMandateFields[segments[1]]; ok {
			return FieldPath{}, rejected("field %q is not editable", segments[1])
		}
		return FieldPath{Mandate: index, Field: segments[1]}, nil
	case 3:
		if segments[1] != nestedFieldPlan && segments[1] != nestedAddress {
			return FieldPath{}, rejected("unsupported nested record %q", segments[1])
		}
		return FieldPath{Mandate: index, Nested: segments[1], Field: segments[2]}, nil
	default:
		return FieldPath{}, rejected("unsupported field path %q", raw)
	}
}

// withField returns a fresh copy of src with the JSON field named field
// replaced by value. Unknown fields and type mismatches are rejected.
func withField[T any](src T, field string, value any) (T, error) {
	var zero T
	encoded, err := json.Marshal(src)
	if err != nil {
		return zero, rejected("encode record: %v", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return zero, rejected("decode record: %v", err)
	}
	if _, ok := fields[field]; !ok {
		return zero, rejected("unknown field %q", field)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return zero, rejected("encode value for %q: %v", field, err)
	}
	fields[field] = raw

	merged, err := json.Marshal(fields)
	if err != nil {
		return zero, rejected("encode record: %v", err)
	}
	var out T
	if err := json.Unmarshal(merged, &out); err != nil {
		return zero, rejected("invalid value for %q: %v", field, err)
	}
	return out, nil
}
