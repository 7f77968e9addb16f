// Package emitter writes the results of an aggregation run to report sinks.
package emitter

import (
	"context"

	"github.com/yairfalse/churn/orchestrator"
	"github.com/yairfalse/churn/types"
)

// Report is everything a run produced for output
type Report struct {
	Run *orchestrator.RunResult
	// Inventory is the current resource snapshot; nil when not collected
	Inventory []types.InventoryItem
}

// Emitter outputs run reports to a backend.
type Emitter interface {
	// Emit sends a report to the backend.
	Emit(ctx context.Context, report Report) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, report Report) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of wrapped emitters
func (m *MultiEmitter) Len() int {
	return len(m.emitters)
}
