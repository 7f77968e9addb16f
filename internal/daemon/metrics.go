package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	runs              metric.Int64Counter
	runDuration       metric.Float64Histogram
	rows              metric.Int64Gauge
	scopeFailures     metric.Int64Gauge
	storageOperations metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("churn.daemon"))
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	return newDaemonMetrics(provider.Meter("churn.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	runs, err := meter.Int64Counter(
		"churn.daemon.runs",
		metric.WithDescription("Number of scheduled aggregation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"churn.daemon.run.duration",
		metric.WithDescription("Duration of scheduled aggregation runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rows, err := meter.Int64Gauge(
		"churn.daemon.rows",
		metric.WithDescription("Summary rows produced by the last run"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	scopeFailures, err := meter.Int64Gauge(
		"churn.daemon.scope_failures",
		metric.WithDescription("Scopes left out of the last run"),
		metric.WithUnit("{scope}"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"churn.storage.operations",
		metric.WithDescription("Number of run history storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		runs:              runs,
		runDuration:       runDuration,
		rows:              rows,
		scopeFailures:     scopeFailures,
		storageOperations: storageOperations,
	}, nil
}

// RecordRun records a scheduled run with status
func (m *DaemonMetrics) RecordRun(ctx context.Context, status string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRunDuration records run duration
func (m *DaemonMetrics) RecordRunDuration(ctx context.Context, durationSeconds float64, status string) {
	m.runDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordRows records the row count of the last run
func (m *DaemonMetrics) RecordRows(ctx context.Context, count int64) {
	m.rows.Record(ctx, count)
}

// RecordScopeFailures records how many scopes the last run dropped
func (m *DaemonMetrics) RecordScopeFailures(ctx context.Context, count int64) {
	m.scopeFailures.Record(ctx, count)
}

// RecordStorageOperation records a storage operation
func (m *DaemonMetrics) RecordStorageOperation(ctx context.Context, operation string, status string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
