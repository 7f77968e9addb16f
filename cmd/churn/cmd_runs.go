package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/yairfalse/churn/internal/emitter"
	"github.com/yairfalse/churn/storage"
)

var (
	runsLimit   int
	runsExport  string
	runsNoColor bool
)

// runsCmd groups the run history commands
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded report runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [revision|run-id|latest]",
	Short: "Show a recorded run",
	Example: `  churn runs show                   # Latest run
  churn runs show 12                # Revision 12
  churn runs show 12 --export out   # Rewrite its CSV files into out/`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum runs to list (0 lists all)")
	runsShowCmd.Flags().StringVar(&runsExport, "export", "", "Also write the run's CSV files into this directory")
	runsShowCmd.Flags().BoolVar(&runsNoColor, "no-color", false, "Disable colored output")
}

func openHistory() (*storage.RunStore, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("run history is disabled (storage.path is empty)")
	}
	return store, nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	listRuns(cmd.OutOrStdout(), store.ListRuns(runsLimit))
	return nil
}

func listRuns(w io.Writer, runs []storage.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rev", "Run ID", "Started", "Days", "Scopes", "Failed", "Rows", "Warnings", "Duration"})
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)

	for _, r := range runs {
		table.Append([]string{
			strconv.FormatInt(r.Revision, 10),
			r.ID,
			r.StartTime.UTC().Format(time.RFC3339),
			strconv.Itoa(r.Days),
			strconv.Itoa(r.Scopes),
			strconv.Itoa(len(r.FailedScopes)),
			strconv.Itoa(r.Rows),
			strconv.Itoa(r.Warnings),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ref := "latest"
	if len(args) == 1 {
		ref = args[0]
	}
	stored, err := findRun(store, ref)
	if err != nil {
		return err
	}

	sinks := []emitter.Emitter{emitter.NewTableEmitter(cmd.OutOrStdout(), runsNoColor || cfg.Output.NoColor)}
	if runsExport != "" {
		csv, err := emitter.NewCSVEmitter(runsExport)
		if err != nil {
			return err
		}
		sinks = append(sinks, csv)
	}
	out := emitter.NewMultiEmitter(sinks...)
	defer func() { _ = out.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s (revision %d)\n\n", stored.Summary.ID, stored.Summary.Revision)
	return out.Emit(cmd.Context(), emitter.Report{Run: stored.Result()})
}

// findRun resolves "latest", a revision number or a run ID
func findRun(store *storage.RunStore, ref string) (*storage.StoredRun, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "latest" {
		return store.LatestRun()
	}
	if rev, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.GetRun(rev)
	}
	return store.GetRunByID(ref)
}
