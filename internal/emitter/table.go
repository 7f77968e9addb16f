package emitter

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/yairfalse/churn/orchestrator"
)

// TableEmitter renders the summary as a terminal table
type TableEmitter struct {
	w       io.Writer
	noColor bool
}

// NewTableEmitter creates a table emitter writing to w
func NewTableEmitter(w io.Writer, noColor bool) *TableEmitter {
	return &TableEmitter{w: w, noColor: noColor}
}

// Emit renders the run summary
func (e *TableEmitter) Emit(_ context.Context, report Report) error {
	run := report.Run
	if run == nil {
		return nil
	}

	fmt.Fprintf(e.w, "%s\n", e.colorize(fmt.Sprintf("Resource churn, last %d days vs previous %d days", run.Days, run.Days), color.FgCyan, color.Bold))
	fmt.Fprintf(e.w, "current:  %s\nprevious: %s\n\n", run.Current, run.Previous)

	if len(run.Rows) == 0 {
		fmt.Fprintln(e.w, e.colorize("No creations or deletions found", color.FgGreen))
	} else {
		table := tablewriter.NewWriter(e.w)
		table.SetHeader([]string{"Scope", "Resource Type", "Created", "Created (prev)", "Deleted", "Net"})
		table.SetBorder(false)
		table.SetHeaderLine(false)
		table.SetColumnSeparator(" ")
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetAutoWrapText(false)

		for _, r := range run.Rows {
			table.Append([]string{
				r.Scope,
				r.ResourceType,
				strconv.Itoa(r.CreatedCurrent),
				strconv.Itoa(r.CreatedPrevious),
				strconv.Itoa(r.DeletedCurrent),
				e.netChange(r.NetChange),
			})
		}
		table.Render()
	}

	e.renderFooter(run)
	return nil
}

func (e *TableEmitter) renderFooter(run *orchestrator.RunResult) {
	fmt.Fprintf(e.w, "\n%d scopes, %d events, %d warnings, %s\n",
		run.Scopes, run.EventsFetched, run.Warnings, run.Duration.Round(time.Millisecond))

	for _, f := range run.Failures {
		fmt.Fprintln(e.w, e.colorize("failed: "+f.Error(), color.FgRed))
	}
}

func (e *TableEmitter) netChange(n int) string {
	s := strconv.Itoa(n)
	switch {
	case n > 0:
		return e.colorize("+"+s, color.FgYellow)
	case n < 0:
		return e.colorize(s, color.FgGreen)
	default:
		return s
	}
}

func (e *TableEmitter) colorize(s string, attrs ...color.Attribute) string {
	if e.noColor {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

// Close is a no-op for the table emitter.
func (e *TableEmitter) Close() error {
	return nil
}
