package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/churn/types"
)

// PrometheusEmitter exposes the latest report as gauges via OTEL.
type PrometheusEmitter struct {
	meter metric.Meter

	// Metrics
	createdCurrent  metric.Int64ObservableGauge
	createdPrevious metric.Int64ObservableGauge
	deletedCurrent  metric.Int64ObservableGauge
	netChange       metric.Int64ObservableGauge
	inventorySize   metric.Int64ObservableGauge
	lastRun         metric.Float64ObservableGauge
	registration    metric.Registration

	// State for observable gauges
	mu        sync.RWMutex
	rows      []types.AggregateRow
	inventory map[types.GroupKey]int64
	lastRunAt float64
	days      int
}

// NewPrometheusEmitter creates a Prometheus emitter on the global meter.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return NewPrometheusEmitterWithMeter(otel.Meter("churn"))
}

// NewPrometheusEmitterWithMeter creates a Prometheus emitter on meter.
func NewPrometheusEmitterWithMeter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{meter: meter}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.createdCurrent, err = e.meter.Int64ObservableGauge(
		"churn_created_current",
		metric.WithDescription("Resources created in the current window of the latest run"),
	)
	if err != nil {
		return fmt.Errorf("create created_current gauge: %w", err)
	}

	e.createdPrevious, err = e.meter.Int64ObservableGauge(
		"churn_created_previous",
		metric.WithDescription("Resources created in the previous window of the latest run"),
	)
	if err != nil {
		return fmt.Errorf("create created_previous gauge: %w", err)
	}

	e.deletedCurrent, err = e.meter.Int64ObservableGauge(
		"churn_deleted_current",
		metric.WithDescription("Resources deleted in the current window of the latest run"),
	)
	if err != nil {
		return fmt.Errorf("create deleted_current gauge: %w", err)
	}

	e.netChange, err = e.meter.Int64ObservableGauge(
		"churn_net_change",
		metric.WithDescription("Created minus deleted in the current window of the latest run"),
	)
	if err != nil {
		return fmt.Errorf("create net_change gauge: %w", err)
	}

	e.inventorySize, err = e.meter.Int64ObservableGauge(
		"churn_inventory_resources",
		metric.WithDescription("Resources in the latest inventory snapshot"),
	)
	if err != nil {
		return fmt.Errorf("create inventory gauge: %w", err)
	}

	e.lastRun, err = e.meter.Float64ObservableGauge(
		"churn_last_run_timestamp_seconds",
		metric.WithDescription("Unix time the latest report was emitted"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create last_run gauge: %w", err)
	}

	e.registration, err = e.meter.RegisterCallback(e.observe,
		e.createdCurrent, e.createdPrevious, e.deletedCurrent, e.netChange, e.inventorySize, e.lastRun)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// Emit replaces the observed report.
func (e *PrometheusEmitter) Emit(_ context.Context, report Report) error {
	run := report.Run
	if run == nil {
		return nil
	}

	var inventory map[types.GroupKey]int64
	if report.Inventory != nil {
		inventory = make(map[types.GroupKey]int64)
		for _, item := range report.Inventory {
			inventory[types.GroupKey{Scope: item.SubscriptionID, ResourceType: item.Type}]++
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rows = run.Rows
	e.days = run.Days
	e.lastRunAt = float64(run.EndTime.UnixNano()) / 1e9
	if inventory != nil {
		e.inventory = inventory
	}

	return nil
}

// observe is the callback for every gauge.
func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.rows == nil && e.inventory == nil {
		return nil
	}

	for _, r := range e.rows {
		attrs := metric.WithAttributes(
			attribute.String("scope", r.Scope),
			attribute.String("resource_type", r.ResourceType),
			attribute.Int("days", e.days),
		)
		o.ObserveInt64(e.createdCurrent, int64(r.CreatedCurrent), attrs)
		o.ObserveInt64(e.createdPrevious, int64(r.CreatedPrevious), attrs)
		o.ObserveInt64(e.deletedCurrent, int64(r.DeletedCurrent), attrs)
		o.ObserveInt64(e.netChange, int64(r.NetChange), attrs)
	}

	for key, n := range e.inventory {
		o.ObserveInt64(e.inventorySize, n, metric.WithAttributes(
			attribute.String("scope", key.Scope),
			attribute.String("resource_type", key.ResourceType),
		))
	}

	if e.lastRunAt > 0 {
		o.ObserveFloat64(e.lastRun, e.lastRunAt)
	}

	return nil
}

// Close unregisters the gauge callback.
func (e *PrometheusEmitter) Close() error {
	if e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
