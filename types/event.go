package types

import (
	"fmt"
	"strings"
	"time"
)

// RawEvent is a provider-native change-activity record. Providers decode
// their payloads into a loose field map; only the classifier and normalizer
// read from it, through FieldPath candidates.
type RawEvent struct {
	Fields map[string]any
}

// NewRawEvent wraps a decoded provider payload
func NewRawEvent(fields map[string]any) RawEvent {
	if fields == nil {
		fields = map[string]any{}
	}
	return RawEvent{Fields: fields}
}

// Lookup walks nested objects along path
func (e RawEvent) Lookup(path ...string) (any, bool) {
	if len(path) == 0 || e.Fields == nil {
		return nil, false
	}

	var current any = e.Fields
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// Text returns the value at path rendered as a string. Only scalar values
// qualify: a nested object where text was expected is treated as absent.
func (e RawEvent) Text(path ...string) (string, bool) {
	v, ok := e.Lookup(path...)
	if !ok {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, val != ""
	case time.Time:
		if val.IsZero() {
			return "", false
		}
		return val.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		s := val.String()
		return s, s != ""
	case map[string]any, []any:
		return "", false
	default:
		s := fmt.Sprint(val)
		return s, s != ""
	}
}

// FieldPath addresses one (possibly nested) field of a RawEvent
type FieldPath []string

func (p FieldPath) String() string {
	return strings.Join(p, ".")
}

// FieldCandidates lists the spellings a logical field has had across provider
// API versions, in priority order.
type FieldCandidates []FieldPath

// First returns the first non-empty candidate value
func (c FieldCandidates) First(e RawEvent) (string, bool) {
	for _, path := range c {
		if v, ok := e.Text(path...); ok {
			return v, true
		}
	}
	return "", false
}
