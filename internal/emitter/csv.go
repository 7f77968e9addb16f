package emitter

import (
	"context"
	"encoding/csv"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/yairfalse/churn/dedupe"
	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// File names written by the CSV emitter
const (
	SummaryFile   = "summary.csv"
	InventoryFile = "current_inventory.csv"
)

// RecordColumns is the column order of the raw change exports
var RecordColumns = []string{
	"subscriptionId",
	"resourceId",
	"resourceGroup",
	"resourceType",
	"eventTimestamp",
}

// InventoryColumns is the column order of the inventory export
var InventoryColumns = []string{
	"id",
	"name",
	"type",
	"resourceGroup",
	"subscriptionId",
	"location",
	"tags",
}

// CreatedCurrentFile names the export of creations in the current window
func CreatedCurrentFile(days int) string {
	return fmt.Sprintf("created_last_%dd.csv", days)
}

// CreatedPreviousFile names the export of creations in the previous window
func CreatedPreviousFile(days int) string {
	return fmt.Sprintf("created_prev_%dd.csv", days)
}

// DeletedCurrentFile names the export of deletions in the current window
func DeletedCurrentFile(days int) string {
	return fmt.Sprintf("deleted_last_%dd.csv", days)
}

// CSVEmitter writes the summary and raw exports into a directory. Each file
// is written to a temporary name and renamed, so readers never see a
// partial report.
type CSVEmitter struct {
	dir    string
	logger *telemetry.Logger
}

// NewCSVEmitter creates a CSV emitter writing into dir
func NewCSVEmitter(dir string) (*CSVEmitter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &CSVEmitter{dir: dir, logger: telemetry.NewLogger("emitter.csv")}, nil
}

// Dir returns the output directory
func (e *CSVEmitter) Dir() string {
	return e.dir
}

// Emit writes every report file
func (e *CSVEmitter) Emit(ctx context.Context, report Report) error {
	run := report.Run
	if run == nil {
		return nil
	}

	files := []struct {
		name string
		rows [][]string
	}{
		{SummaryFile, summaryRows(run.Rows)},
		{CreatedCurrentFile(run.Days), recordRows(run.CreatedCurrent)},
		{CreatedPreviousFile(run.Days), recordRows(run.CreatedPrevious)},
		{DeletedCurrentFile(run.Days), recordRows(run.DeletedCurrent)},
	}
	if report.Inventory != nil {
		files = append(files, struct {
			name string
			rows [][]string
		}{InventoryFile, inventoryRows(report.Inventory)})
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.writeFile(f.name, f.rows); err != nil {
			return err
		}
	}

	e.logger.WithContext(ctx).Info().
		Str("dir", e.dir).
		Int("files", len(files)).
		Int("rows", len(run.Rows)).
		Msg("reports written")
	return nil
}

func (e *CSVEmitter) writeFile(name string, rows [][]string) error {
	path := filepath.Join(e.dir, name)
	tmp, err := os.CreateTemp(e.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Close is a no-op for the CSV emitter.
func (e *CSVEmitter) Close() error {
	return nil
}

func summaryRows(rows []types.AggregateRow) [][]string {
	out := make([][]string, 0, len(rows)+1)
	out = append(out, types.SummaryColumns)
	for _, r := range rows {
		out = append(out, []string{
			r.Scope,
			r.ResourceType,
			strconv.Itoa(r.CreatedCurrent),
			strconv.Itoa(r.CreatedPrevious),
			strconv.Itoa(r.DeletedCurrent),
			strconv.Itoa(r.NetChange),
		})
	}
	return out
}

func recordRows(set *dedupe.Set) [][]string {
	records := set.Records()
	out := make([][]string, 0, len(records)+1)
	out = append(out, RecordColumns)
	for _, r := range records {
		out = append(out, []string{r.Scope, r.ResourceID, r.ResourceGroup, r.ResourceType, r.Timestamp})
	}
	return out
}

func inventoryRows(items []types.InventoryItem) [][]string {
	out := make([][]string, 0, len(items)+1)
	out = append(out, InventoryColumns)
	for _, item := range items {
		out = append(out, []string{
			item.ID,
			item.Name,
			item.Type,
			item.ResourceGroup,
			item.SubscriptionID,
			item.Location,
			formatTags(item.Tags),
		})
	}
	return out
}

// formatTags renders tags as sorted key=value pairs separated by ';'
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		pairs = append(pairs, k+"="+tags[k])
	}
	return strings.Join(pairs, ";")
}
