// Package aggregate joins the per-window record sets into summary rows.
package aggregate

import (
	"fmt"

	"github.com/google/btree"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/types"
)

// InconsistencyError is an AggregationInconsistency. It cannot happen through
// the join below and is raised as a panic when it does.
type InconsistencyError struct {
	Key    types.GroupKey
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("aggregation inconsistency for %s/%s: %s", e.Key.Scope, e.Key.ResourceType, e.Reason)
}

type counts struct {
	key             types.GroupKey
	createdCurrent  int
	createdPrevious int
	deletedCurrent  int
}

func lessCounts(a, b *counts) bool {
	return a.key.Less(b.key)
}

// Table is the full outer join of the three count tables, ordered by
// (scope, resource type)
type Table struct {
	tree *btree.BTreeG[*counts]
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{tree: btree.NewG(32, lessCounts)}
}

func (t *Table) entry(key types.GroupKey) *counts {
	probe := &counts{key: key}
	if c, ok := t.tree.Get(probe); ok {
		return c
	}
	t.tree.ReplaceOrInsert(probe)
	return probe
}

// AddCreatedCurrent counts every record of s as a current-window creation
func (t *Table) AddCreatedCurrent(s *dedupe.Set) {
	for r := range s.All() {
		t.entry(r.GroupKey()).createdCurrent++
	}
}

// AddCreatedPrevious counts every record of s as a previous-window creation
func (t *Table) AddCreatedPrevious(s *dedupe.Set) {
	for r := range s.All() {
		t.entry(r.GroupKey()).createdPrevious++
	}
}

// AddDeletedCurrent counts every record of s as a current-window deletion
func (t *Table) AddDeletedCurrent(s *dedupe.Set) {
	for r := range s.All() {
		t.entry(r.GroupKey()).deletedCurrent++
	}
}

// Len returns the number of distinct (scope, resource type) keys
func (t *Table) Len() int {
	return t.tree.Len()
}

// Rows returns one row per key, sorted by (scope, resource type)
func (t *Table) Rows() []types.AggregateRow {
	rows := make([]types.AggregateRow, 0, t.tree.Len())
	t.tree.Ascend(func(c *counts) bool {
		if c.createdCurrent < 0 || c.createdPrevious < 0 || c.deletedCurrent < 0 {
			panic(&InconsistencyError{Key: c.key, Reason: "negative count"})
		}
		rows = append(rows, types.AggregateRow{
			Scope:           c.key.Scope,
			ResourceType:    c.key.ResourceType,
			CreatedCurrent:  c.createdCurrent,
			CreatedPrevious: c.createdPrevious,
			DeletedCurrent:  c.deletedCurrent,
			NetChange:       c.createdCurrent - c.deletedCurrent,
		})
		return true
	})
	return rows
}

// Aggregate groups the three sets by (scope, resource type) and joins them.
// A nil set counts as empty. The result is never nil.
func Aggregate(createdCurrent, createdPrevious, deletedCurrent *dedupe.Set) []types.AggregateRow {
	t := NewTable()
	t.AddCreatedCurrent(createdCurrent)
	t.AddCreatedPrevious(createdPrevious)
	t.AddDeletedCurrent(deletedCurrent)
	return t.Rows()
}
