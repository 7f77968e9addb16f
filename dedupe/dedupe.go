// Package dedupe collapses repeated ChangeRecords into a set.
package dedupe

import (
	"encoding/json"
	"iter"
	"maps"
	"slices"

	"github.com/yairfalse/churn/types"
)

// Set is a set of ChangeRecords keyed on every record field. A Set is owned
// by one pipeline at a time and is not safe for concurrent mutation.
type Set struct {
	records map[types.ChangeRecord]struct{}
}

// New creates a set holding records
func New(records ...types.ChangeRecord) *Set {
	s := &Set{records: make(map[types.ChangeRecord]struct{}, len(records))}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Dedupe collapses a sequence of records into a set
func Dedupe(records []types.ChangeRecord) *Set {
	return New(records...)
}

// Collect builds a set from a lazy sequence
func Collect(seq iter.Seq[types.ChangeRecord]) *Set {
	s := New()
	for r := range seq {
		s.Add(r)
	}
	return s
}

// Add inserts a record and reports whether it was new
func (s *Set) Add(r types.ChangeRecord) bool {
	if s.records == nil {
		s.records = make(map[types.ChangeRecord]struct{})
	}
	if _, ok := s.records[r]; ok {
		return false
	}
	s.records[r] = struct{}{}
	return true
}

// Merge adds every record of other
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for r := range other.records {
		s.Add(r)
	}
}

// Len returns the number of distinct records
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Contains reports whether r is in the set
func (s *Set) Contains(r types.ChangeRecord) bool {
	if s == nil {
		return false
	}
	_, ok := s.records[r]
	return ok
}

// All iterates the records in no particular order
func (s *Set) All() iter.Seq[types.ChangeRecord] {
	return func(yield func(types.ChangeRecord) bool) {
		if s == nil {
			return
		}
		for r := range s.records {
			if !yield(r) {
				return
			}
		}
	}
}

// Records returns the records sorted by ChangeRecord.Compare
func (s *Set) Records() []types.ChangeRecord {
	if s == nil {
		return []types.ChangeRecord{}
	}
	return slices.SortedFunc(maps.Keys(s.records), types.ChangeRecord.Compare)
}

// Equal reports whether both sets hold the same records
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for r := range s.All() {
		if !other.Contains(r) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Records())
}

// UnmarshalJSON decodes an array of records
func (s *Set) UnmarshalJSON(data []byte) error {
	var records []types.ChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	*s = *New(records...)
	return nil
}
