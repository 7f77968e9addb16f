package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/churn/aggregate"
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/normalizer"
	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// DefaultConcurrency bounds the (scope, window) pipelines in flight
const DefaultConcurrency = 4

// Options configures an Orchestrator
type Options struct {
	Days        int
	Concurrency int
	Now         func() time.Time
	Classifier  *classifier.Classifier
}

// Orchestrator coordinates fetch → classify → normalize → dedupe → aggregate
type Orchestrator struct {
	source      EventSource
	classifier  *classifier.Classifier
	days        int
	concurrency int
	now         func() time.Time
	progress    Progress
	metrics     RecordMetrics
	logger      *telemetry.Logger
}

// NewOrchestrator creates a new orchestrator reading from source
func NewOrchestrator(source EventSource, opts Options) *Orchestrator {
	if opts.Days <= 0 {
		opts.Days = types.DefaultDays
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Classifier == nil {
		opts.Classifier = classifier.New()
	}

	return &Orchestrator{
		source:      source,
		classifier:  opts.Classifier,
		days:        opts.Days,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      telemetry.NewLogger("orchestrator"),
	}
}

// WithProgress sets the progress display
func (o *Orchestrator) WithProgress(p Progress) *Orchestrator {
	o.progress = p
	return o
}

// WithMetrics sets the record metrics sink
func (o *Orchestrator) WithMetrics(m RecordMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// Days returns the configured window length
func (o *Orchestrator) Days() int {
	return o.days
}

// windowResult is what one (scope, window) pipeline owns until merge
type windowResult struct {
	created  *dedupe.Set
	deleted  *dedupe.Set
	events   int
	warnings int
}

type task struct {
	scope  int
	kind   types.WindowKind
	window types.TimeWindow
}

type outcome struct {
	result *windowResult
	err    error
}

// Run aggregates scopes with the configured window length
func (o *Orchestrator) Run(ctx context.Context, scopes []types.AccountScope) (*RunResult, error) {
	return o.RunAggregation(ctx, scopes, o.days)
}

// RunAggregation runs one pipeline per (scope, window) and aggregates the
// scopes whose both windows succeeded. Failed scopes are reported in the
// result. The error is non-nil only when every scope failed or ctx ended.
func (o *Orchestrator) RunAggregation(ctx context.Context, scopes []types.AccountScope, days int) (*RunResult, error) {
	if days == 0 {
		days = o.days
	}

	result := &RunResult{
		ID:              uuid.New(),
		StartTime:       time.Now(),
		Days:            days,
		Scopes:          len(scopes),
		CreatedCurrent:  dedupe.New(),
		CreatedPrevious: dedupe.New(),
		DeletedCurrent:  dedupe.New(),
	}

	current, previous, err := types.NewWindows(o.now(), days)
	if err != nil {
		return nil, fmt.Errorf("invalid window length: %w", err)
	}
	result.Current, result.Previous = current, previous

	attrs := []attribute.KeyValue{
		attribute.String("run_id", result.ID.String()),
		attribute.Int("scopes", len(scopes)),
		attribute.Int("days", days),
	}
	ctx, span := telemetry.Tracer.Start(ctx, "orchestrator.RunAggregation", trace.WithAttributes(attrs...))
	defer span.End()
	o.logger.LogSpanStart(ctx, "orchestrator.RunAggregation", attrs...)

	o.logger.WithContext(ctx).Info().
		Str("run_id", result.ID.String()).
		Int("scopes", len(scopes)).
		Int("days", days).
		Str("current", current.String()).
		Str("previous", previous.String()).
		Msg("starting aggregation run")

	tasks := make([]task, 0, 2*len(scopes))
	for i := range scopes {
		tasks = append(tasks,
			task{scope: i, kind: types.WindowCurrent, window: current},
			task{scope: i, kind: types.WindowPrevious, window: previous},
		)
	}

	outcomes := o.runTasks(ctx, scopes, tasks)
	o.merge(ctx, span, scopes, tasks, outcomes, result)

	result.Rows = aggregate.Aggregate(result.CreatedCurrent, result.CreatedPrevious, result.DeletedCurrent)
	o.finishRun(ctx, result)

	err = runError(ctx, len(scopes), len(result.Failures))
	o.logger.LogSpanEnd(ctx, "orchestrator.RunAggregation", err)
	return result, err
}

func runError(ctx context.Context, scopes, failures int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aggregation run cancelled: %w", err)
	}
	if scopes > 0 && failures == scopes {
		return fmt.Errorf("%w (%d scopes)", ErrAllScopesFailed, scopes)
	}
	return nil
}

// runTasks fans out one pipeline per task. Every task writes only its own
// outcome slot, so the slice needs no locking.
func (o *Orchestrator) runTasks(ctx context.Context, scopes []types.AccountScope, tasks []task) []outcome {
	outcomes := make([]outcome, len(tasks))

	if o.progress != nil {
		o.progress.Start(len(tasks))
		defer o.progress.Finish()
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for i, t := range tasks {
		g.Go(func() error {
			scope := scopes[t.scope]
			res, err := o.collect(ctx, scope, t.window)
			outcomes[i] = outcome{result: res, err: err}
			if o.progress != nil {
				o.progress.Done(scope, t.kind, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// merge folds the successful scopes into result. A scope with any failed
// window is discarded as a whole; previous-window deletions are not reported.
func (o *Orchestrator) merge(ctx context.Context, span trace.Span, scopes []types.AccountScope, tasks []task, outcomes []outcome, result *RunResult) {
	byScope := make([]map[types.WindowKind]outcome, len(scopes))
	for i, t := range tasks {
		if byScope[t.scope] == nil {
			byScope[t.scope] = make(map[types.WindowKind]outcome, 2)
		}
		byScope[t.scope][t.kind] = outcomes[i]
	}

	for i, scope := range scopes {
		windows := byScope[i]
		if failure, failed := firstFailure(scope, windows); failed {
			result.Failures = append(result.Failures, failure)
			o.logger.LogScopeFailure(ctx, scope.ID, failure)
			telemetry.RecordScopeFailedEvent(span, scope.ID, string(failure.Window), failure.Err)
			if o.metrics != nil {
				o.metrics.RecordScopeFailure(ctx, scope.ID)
			}
			continue
		}

		cur, prev := windows[types.WindowCurrent].result, windows[types.WindowPrevious].result
		result.CreatedCurrent.Merge(cur.created)
		result.DeletedCurrent.Merge(cur.deleted)
		result.CreatedPrevious.Merge(prev.created)
		result.EventsFetched += cur.events + prev.events
		result.Warnings += cur.warnings + prev.warnings
	}
}

func firstFailure(scope types.AccountScope, windows map[types.WindowKind]outcome) (ScopeFailure, bool) {
	for _, kind := range []types.WindowKind{types.WindowCurrent, types.WindowPrevious} {
		if err := windows[kind].err; err != nil {
			return ScopeFailure{Scope: scope.ID, Window: kind, Err: err}, true
		}
	}
	return ScopeFailure{}, false
}

// collect is the pipeline of one (scope, window): fetch, classify, normalize
// and dedupe. Its sets are private to the pipeline until merge.
func (o *Orchestrator) collect(ctx context.Context, scope types.AccountScope, window types.TimeWindow) (*windowResult, error) {
	res := &windowResult{created: dedupe.New(), deleted: dedupe.New()}
	span := trace.SpanFromContext(ctx)

	for event, err := range o.source.Fetch(ctx, scope, window) {
		if err != nil {
			return nil, err
		}
		res.events++

		explained := o.classifier.Explain(event)
		if explained.Kind == types.Ignored {
			continue
		}
		if explained.Ambiguous(o.classifier.Rules()) {
			o.logger.LogAmbiguousOperation(ctx, scope.ID, explained.Operation, explained.Matched)
		}

		record, warning := normalizer.Normalize(scope.ID, event, explained.Kind)
		if warning != nil {
			res.warnings++
			o.logger.LogMalformedEvent(ctx, warning.Scope, warning.Missing, warning.Operation)
			telemetry.RecordMalformedEvent(span, warning.Scope, warning.Missing)
			telemetry.MalformedEvents.Add(ctx, 1)
		}

		switch record.Kind {
		case types.Creation:
			res.created.Add(record)
		case types.Deletion:
			res.deleted.Add(record)
		}
	}

	// a sequence cut short by cancellation is not a complete window
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) finishRun(ctx context.Context, result *RunResult) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	telemetry.RunDuration.Record(ctx, result.Duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", result.Success())))

	if o.metrics != nil {
		o.metrics.RecordRecords(ctx, types.WindowCurrent, result.CreatedCurrent)
		o.metrics.RecordRecords(ctx, types.WindowPrevious, result.CreatedPrevious)
		o.metrics.RecordRecords(ctx, types.WindowCurrent, result.DeletedCurrent)
		o.metrics.RecordRunCompleted(ctx, result.Success())
	}

	o.logger.WithContext(ctx).Info().
		Str("run_id", result.ID.String()).
		Int("scopes", result.Scopes).
		Int("failed_scopes", len(result.Failures)).
		Int("rows", len(result.Rows)).
		Int("events", result.EventsFetched).
		Int("warnings", result.Warnings).
		Dur("duration", result.Duration).
		Bool("success", result.Success()).
		Msg("aggregation run complete")
}
