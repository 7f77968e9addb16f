package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/churn/internal/config"
	"github.com/yairfalse/churn/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool
	jsonLogs   bool
	provider   string
	days       int
	scopes     []string

	// cfg is loaded before every subcommand runs
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "churn",
		Short: "Cloud resource churn reports",
		Long: `Churn - cloud resource churn reports

Churn reads the change log of your cloud accounts and counts, per account
and resource type, how many resources were created and deleted in the last
N days, compared with the N days before.

Reports go to CSV files, the terminal, Kafka and Prometheus.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Churn {{.Version}} - cloud resource churn reports
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&jsonLogs, "json-logs", false, "Log JSON instead of console output")
	flags.StringVarP(&provider, "provider", "p", "", "Cloud provider (azure, aws)")
	flags.IntVarP(&days, "days", "d", 0, "Window length in days")
	flags.StringSliceVar(&scopes, "scope", nil, "Only include scopes matching these glob patterns")
}

// loadConfig reads the config file and applies flag overrides on top
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		loaded.Provider = provider
	}
	if flags.Changed("days") {
		loaded.Days = days
	}
	if flags.Changed("scope") {
		loaded.Scopes.Include = scopes
	}
	if debug {
		loaded.Log.Level = "debug"
	}
	if apply, ok := overrides[cmd.Name()]; ok {
		apply(cmd, loaded)
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	setupLogging(loaded)
	cfg = loaded
	return nil
}

// setupLogging must run before any component logger is created
func setupLogging(c *config.Config) {
	if jsonLogs {
		telemetry.SetOutput(os.Stderr)
	} else {
		telemetry.SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	telemetry.ConfigureLevel(c.Log.Level)
}

// commandOverrides lets subcommands map their own flags onto the config
type commandOverrides func(cmd *cobra.Command, c *config.Config)

var overrides = map[string]commandOverrides{}
