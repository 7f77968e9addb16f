package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/types"
)

// ErrAllScopesFailed is returned, with the (empty) result, when every scope
// of a run failed
var ErrAllScopesFailed = errors.New("all scopes failed")

// EventSource yields the raw events of one (scope, window)
type EventSource interface {
	Fetch(ctx context.Context, scope types.AccountScope, window types.TimeWindow) iter.Seq2[types.RawEvent, error]
}

// Progress observes pipeline completion
type Progress interface {
	Start(total int)
	Done(scope types.AccountScope, window types.WindowKind, err error)
	Finish()
}

// RecordMetrics receives the deduplicated sets of each run
type RecordMetrics interface {
	RecordRecords(ctx context.Context, window types.WindowKind, records *dedupe.Set)
	RecordScopeFailure(ctx context.Context, scope string)
	RecordRunCompleted(ctx context.Context, success bool)
}

// ScopeFailure is one scope left out of a run
type ScopeFailure struct {
	Scope  string           `json:"scope"`
	Window types.WindowKind `json:"window"`
	Err    error            `json:"-"`
}

func (f ScopeFailure) Error() string {
	return fmt.Sprintf("scope %s (%s window): %v", f.Scope, f.Window, f.Err)
}

func (f ScopeFailure) Unwrap() error {
	return f.Err
}

// RunResult contains the results of one aggregation run
type RunResult struct {
	ID        uuid.UUID        `json:"id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Days      int              `json:"days"`
	Current   types.TimeWindow `json:"current"`
	Previous  types.TimeWindow `json:"previous"`

	Rows []types.AggregateRow `json:"rows"`

	// Deduplicated sets of the scopes that succeeded, for raw exports
	CreatedCurrent  *dedupe.Set `json:"created_current"`
	CreatedPrevious *dedupe.Set `json:"created_previous"`
	DeletedCurrent  *dedupe.Set `json:"deleted_current"`

	Scopes        int            `json:"scopes"`
	Failures      []ScopeFailure `json:"failures,omitempty"`
	Warnings      int            `json:"warnings"`
	EventsFetched int            `json:"events_fetched"`
}

// Success reports whether every scope was aggregated
func (r *RunResult) Success() bool {
	return len(r.Failures) == 0
}

// FailedScopes lists the scopes left out of the run
func (r *RunResult) FailedScopes() []string {
	scopes := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		scopes = append(scopes, f.Scope)
	}
	return scopes
}
