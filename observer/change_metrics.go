package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/types"
)

// ChangeRecordMetrics records deduplicated change records as OTEL metrics
type ChangeRecordMetrics struct {
	meter         metric.Meter
	recordsTotal  metric.Int64Counter
	scopesFailed  metric.Int64Counter
	runsCompleted metric.Int64Counter
}

// NewChangeRecordMetrics creates metrics on the global meter provider
func NewChangeRecordMetrics() (*ChangeRecordMetrics, error) {
	return NewChangeRecordMetricsWithMeter(otel.Meter("churn"))
}

// NewChangeRecordMetricsWithMeter creates metrics on meter
func NewChangeRecordMetricsWithMeter(meter metric.Meter) (*ChangeRecordMetrics, error) {
	records, err := meter.Int64Counter(
		"churn_records_total",
		metric.WithDescription("Deduplicated change records by kind, resource type and window"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	failed, err := meter.Int64Counter(
		"churn_scopes_failed_total",
		metric.WithDescription("Scopes whose pipeline failed and were left out of a run"),
		metric.WithUnit("{scope}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	runs, err := meter.Int64Counter(
		"churn_runs_total",
		metric.WithDescription("Aggregation runs completed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &ChangeRecordMetrics{
		meter:         meter,
		recordsTotal:  records,
		scopesFailed:  failed,
		runsCompleted: runs,
	}, nil
}

// RecordRecords counts one deduplicated set of a window
func (m *ChangeRecordMetrics) RecordRecords(ctx context.Context, window types.WindowKind, records *dedupe.Set) {
	counts := make(map[recordLabels]int64)
	for r := range records.All() {
		counts[labelsFor(r)]++
	}

	for labels, n := range counts {
		m.recordsTotal.Add(ctx, n, metric.WithAttributes(
			attribute.String("kind", labels.kind),
			attribute.String("resource_type", labels.resourceType),
			attribute.String("window", string(window)),
		))
	}
}

// RecordScopeFailure counts a scope dropped from a run
func (m *ChangeRecordMetrics) RecordScopeFailure(ctx context.Context, scope string) {
	m.scopesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// RecordRunCompleted counts a finished run
func (m *ChangeRecordMetrics) RecordRunCompleted(ctx context.Context, success bool) {
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

type recordLabels struct {
	kind         string
	resourceType string
}

// labelsFor extracts metric labels from a record (small helper)
func labelsFor(r types.ChangeRecord) recordLabels {
	resourceType := r.ResourceType
	if resourceType == "" {
		resourceType = types.UnknownResourceType
	}
	return recordLabels{kind: r.Kind.String(), resourceType: resourceType}
}
