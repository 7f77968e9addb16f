package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/churn/internal/config"
	"github.com/yairfalse/churn/internal/emitter"
	"github.com/yairfalse/churn/internal/progress"
	"github.com/yairfalse/churn/observer"
	"github.com/yairfalse/churn/orchestrator"
)

var (
	reportOutput      string
	reportFormats     []string
	reportNoColor     bool
	reportNoProgress  bool
	reportNoInventory bool
	reportNoHistory   bool
	reportStrict      bool
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a churn report",
	Long: `Generate a comparative churn report.

For every selected scope, churn reads the change log of two adjacent windows
of --days days, keeps successful create and delete operations, and counts
them per resource type:

- created_last: creations in the last N days
- created_prev: creations in the N days before
- deleted_last: deletions in the last N days
- net_change:   created_last - deleted_last

A scope whose change log cannot be read is left out of the report and
listed at the end.`,
	Example: `  churn report                              # Azure, last 30 days
  churn report --days 7 --format table      # Terminal only
  churn report -p aws --scope '*/eu-*'      # AWS, European regions
  churn report --output ./out --no-color    # CSV into ./out`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	flags := reportCmd.Flags()
	flags.StringVarP(&reportOutput, "output", "o", "", "Directory for CSV files")
	flags.StringSliceVarP(&reportFormats, "format", "f", nil, "Output formats: csv, table, kafka")
	flags.BoolVar(&reportNoColor, "no-color", false, "Disable colored table output")
	flags.BoolVar(&reportNoProgress, "no-progress", false, "Disable the progress bar")
	flags.BoolVar(&reportNoInventory, "no-inventory", false, "Skip the current inventory snapshot")
	flags.BoolVar(&reportNoHistory, "no-history", false, "Do not record the run in history")
	flags.BoolVar(&reportStrict, "strict", false, "Fail when any scope is left out")

	overrides[reportCmd.Name()] = func(cmd *cobra.Command, c *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("output") {
			c.Output.Dir = reportOutput
		}
		if flags.Changed("format") {
			c.Output.Formats = reportFormats
		}
		if reportNoColor {
			c.Output.NoColor = true
		}
		if reportNoInventory {
			c.Output.Inventory = false
		}
		if reportNoHistory {
			c.Storage.Path = ""
		}
	}
}

func runReport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	shutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	if !reportNoProgress {
		p.progress = func() orchestrator.Progress { return progress.NewBar(cmd.ErrOrStderr()) }
	}
	if metrics, err := observer.NewChangeRecordMetrics(); err == nil {
		p.metrics = metrics
	}

	out, err := buildEmitters(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	var history runSaver
	if store != nil {
		defer func() { _ = store.Close() }()
		history = store
	}

	return report(ctx, p, out, history, reportStrict)
}

// report runs the job once, records it and hands it to the sinks
func report(ctx context.Context, p *pipeline, out emitter.Emitter, store runSaver, strict bool) error {
	result, runErr := p.Run(ctx)
	run := result.Run
	if run == nil {
		return runErr
	}

	if store != nil {
		if rev, err := store.SaveRun(run); err != nil {
			p.logger.WithContext(ctx).Warn().Err(err).Msg("failed to record run history")
		} else {
			p.logger.WithContext(ctx).Debug().Int64("revision", rev).Msg("recorded run")
		}
	}

	if err := out.Emit(ctx, result); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	if !run.Success() {
		p.logger.WithContext(ctx).Warn().
			Strs("scopes", run.FailedScopes()).
			Msg("report is missing scopes")
		if strict {
			return fmt.Errorf("%d of %d scopes failed", len(run.Failures), run.Scopes)
		}
	}
	return nil
}

type runSaver interface {
	SaveRun(result *orchestrator.RunResult) (int64, error)
}
