package emitter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/orchestrator"
	"github.com/yairfalse/churn/types"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	reports    []Report
}

func (m *mockEmitter) Emit(_ context.Context, report Report) error {
	m.emitCalls++
	m.reports = append(m.reports, report)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

var end = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testRun() *orchestrator.RunResult {
	current, previous, _ := types.NewWindows(end, 30)
	vm := func(id string, kind types.Classification) types.ChangeRecord {
		return types.ChangeRecord{
			Scope: "S1", ResourceID: id, ResourceGroup: "rg1",
			ResourceType: "VM", Timestamp: "2024-05-20T10:00:00Z", Kind: kind,
		}
	}

	return &orchestrator.RunResult{
		ID:        uuid.MustParse("6f1c1f7e-2b1a-4c55-9d43-0a1b2c3d4e5f"),
		StartTime: end,
		EndTime:   end.Add(2 * time.Second),
		Duration:  2 * time.Second,
		Days:      30,
		Current:   current,
		Previous:  previous,
		Rows: []types.AggregateRow{
			{Scope: "S1", ResourceType: "Disk", CreatedPrevious: 1, NetChange: 0},
			{Scope: "S1", ResourceType: "VM", CreatedCurrent: 2, DeletedCurrent: 1, NetChange: 1},
		},
		CreatedCurrent:  dedupe.New(vm("vm-2", types.Creation), vm("vm-1", types.Creation)),
		CreatedPrevious: dedupe.New(),
		DeletedCurrent:  dedupe.New(vm("vm-1", types.Deletion)),
		Scopes:          1,
		EventsFetched:   4,
	}
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), Report{Run: testRun()})

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	assert.Len(t, e1.reports, 1)
	assert.Len(t, e2.reports, 1)
	assert.Equal(t, 2, multi.Len())
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), Report{})

	assert.Error(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 0, e2.emitCalls) // Should stop on first error
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	require.NoError(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Close_Error(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	assert.Error(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 0, e2.closeCalls) // Should stop on first error
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter()

	err := multi.Emit(context.Background(), Report{})
	require.NoError(t, err)

	err = multi.Close()
	require.NoError(t, err)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVEmitter_WritesReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	e, err := NewCSVEmitter(dir)
	require.NoError(t, err)

	inventory := []types.InventoryItem{{
		ID: "/subscriptions/S1/resourceGroups/rg1/providers/Microsoft.Compute/virtualMachines/vm-2",
		Name: "vm-2", Type: "Microsoft.Compute/virtualMachines", ResourceGroup: "rg1",
		SubscriptionID: "S1", Location: "westeurope",
		Tags: map[string]string{"team": "core", "env": "prod"},
	}}

	require.NoError(t, e.Emit(context.Background(), Report{Run: testRun(), Inventory: inventory}))

	assert.Equal(t, [][]string{
		{"subscriptionId", "resourceType", "created_last", "created_prev", "deleted_last", "net_change"},
		{"S1", "Disk", "0", "1", "0", "0"},
		{"S1", "VM", "2", "0", "1", "1"},
	}, readCSV(t, filepath.Join(dir, SummaryFile)))

	assert.Equal(t, [][]string{
		RecordColumns,
		{"S1", "vm-1", "rg1", "VM", "2024-05-20T10:00:00Z"},
		{"S1", "vm-2", "rg1", "VM", "2024-05-20T10:00:00Z"},
	}, readCSV(t, filepath.Join(dir, "created_last_30d.csv")))

	assert.Equal(t, [][]string{RecordColumns}, readCSV(t, filepath.Join(dir, "created_prev_30d.csv")))
	assert.Len(t, readCSV(t, filepath.Join(dir, "deleted_last_30d.csv")), 2)

	inv := readCSV(t, filepath.Join(dir, InventoryFile))
	require.Len(t, inv, 2)
	assert.Equal(t, InventoryColumns, inv[0])
	assert.Equal(t, "env=prod;team=core", inv[1][6])

	// no temporary files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestCSVEmitter_WithoutInventory(t *testing.T) {
	dir := t.TempDir()
	e, err := NewCSVEmitter(dir)
	require.NoError(t, err)

	require.NoError(t, e.Emit(context.Background(), Report{Run: testRun()}))

	_, err = os.Stat(filepath.Join(dir, InventoryFile))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVEmitter_EmptyRun(t *testing.T) {
	dir := t.TempDir()
	e, err := NewCSVEmitter(dir)
	require.NoError(t, err)

	run := testRun()
	run.Rows = []types.AggregateRow{}
	run.CreatedCurrent, run.DeletedCurrent = nil, nil
	require.NoError(t, e.Emit(context.Background(), Report{Run: run}))

	assert.Equal(t, [][]string{types.SummaryColumns}, readCSV(t, filepath.Join(dir, SummaryFile)))
	assert.Equal(t, [][]string{RecordColumns}, readCSV(t, filepath.Join(dir, "deleted_last_30d.csv")))
}

func TestReportFileNames(t *testing.T) {
	assert.Equal(t, "created_last_7d.csv", CreatedCurrentFile(7))
	assert.Equal(t, "created_prev_7d.csv", CreatedPreviousFile(7))
	assert.Equal(t, "deleted_last_7d.csv", DeletedCurrentFile(7))
}

func TestTableEmitter(t *testing.T) {
	var buf bytes.Buffer
	run := testRun()
	run.Failures = []orchestrator.ScopeFailure{{Scope: "S2", Window: types.WindowCurrent, Err: errors.New("throttled")}}

	require.NoError(t, NewTableEmitter(&buf, true).Emit(context.Background(), Report{Run: run}))

	out := buf.String()
	assert.Contains(t, out, "last 30 days")
	assert.Contains(t, out, "VM")
	assert.Contains(t, out, "+1")
	assert.Contains(t, out, "failed: scope S2 (current window): throttled")
	assert.NotContains(t, out, "\x1b[", "no colour codes when disabled")
}

func TestTableEmitter_NoRows(t *testing.T) {
	var buf bytes.Buffer
	run := testRun()
	run.Rows = []types.AggregateRow{}

	require.NoError(t, NewTableEmitter(&buf, true).Emit(context.Background(), Report{Run: run}))
	assert.Contains(t, buf.String(), "No creations or deletions found")
}

func collectGauges(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestPrometheusEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	e, err := NewPrometheusEmitterWithMeter(provider.Meter("test"))
	require.NoError(t, err)
	defer e.Close()

	inventory := []types.InventoryItem{
		{ID: "a", Type: "VM", SubscriptionID: "S1"},
		{ID: "b", Type: "VM", SubscriptionID: "S1"},
	}
	require.NoError(t, e.Emit(context.Background(), Report{Run: testRun(), Inventory: inventory}))

	gauges := collectGauges(t, reader)

	net, ok := gauges["churn_net_change"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Len(t, net.DataPoints, 2)
	var vmNet int64
	for _, dp := range net.DataPoints {
		if v, _ := dp.Attributes.Value("resource_type"); v.AsString() == "VM" {
			vmNet = dp.Value
		}
	}
	assert.Equal(t, int64(1), vmNet)

	inv, ok := gauges["churn_inventory_resources"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, inv.DataPoints, 1)
	assert.Equal(t, int64(2), inv.DataPoints[0].Value)

	last, ok := gauges["churn_last_run_timestamp_seconds"].(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, last.DataPoints, 1)
	assert.InDelta(t, float64(end.Add(2*time.Second).Unix()), last.DataPoints[0].Value, 0.001)
}

type fakeKafkaWriter struct {
	batches [][]kafka.Message
	err     error
	closed  bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaEmitter_Batches(t *testing.T) {
	w := &fakeKafkaWriter{}
	e := newKafkaEmitter(w, 1)
	e.now = func() time.Time { return end }

	run := testRun()
	require.NoError(t, e.Emit(context.Background(), Report{Run: run}))

	require.Len(t, w.batches, 2)
	msg := w.batches[1][0]
	assert.Equal(t, "S1|VM", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, run.ID.String(), decoded["run_id"])
	assert.Equal(t, "S1", decoded["subscriptionId"])
	assert.Equal(t, float64(2), decoded["created_last"])
	assert.Equal(t, float64(1), decoded["net_change"])

	require.NoError(t, e.Close())
	assert.True(t, w.closed)
}

func TestKafkaEmitter_WriteError(t *testing.T) {
	w := &fakeKafkaWriter{err: errors.New("broker down")}
	e := newKafkaEmitter(w, 0)

	err := e.Emit(context.Background(), Report{Run: testRun()})
	assert.ErrorContains(t, err, "broker down")
}

func TestKafkaEmitter_NoRows(t *testing.T) {
	w := &fakeKafkaWriter{}
	run := testRun()
	run.Rows = nil

	require.NoError(t, newKafkaEmitter(w, 10).Emit(context.Background(), Report{Run: run}))
	assert.Empty(t, w.batches)
}

func TestNewKafkaEmitter_Validation(t *testing.T) {
	_, err := NewKafkaEmitter(KafkaConfig{Topic: "churn"})
	assert.Error(t, err)

	_, err = NewKafkaEmitter(KafkaConfig{Brokers: []string{"a:9092"}})
	assert.Error(t, err)

	e, err := NewKafkaEmitter(KafkaConfig{Brokers: []string{"a:9092, b:9092"}, Topic: "churn"})
	require.NoError(t, err)
	kw, ok := e.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "churn", kw.Topic)
	assert.Equal(t, 100, e.batchSize)
}
