package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/yairfalse/churn/internal/config"
	"github.com/yairfalse/churn/internal/daemon"
	"github.com/yairfalse/churn/internal/emitter"
	"github.com/yairfalse/churn/observer"
	"github.com/yairfalse/churn/telemetry"
)

var (
	daemonInterval    time.Duration
	daemonMetricsAddr string
	daemonSkipOnBoot  bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run churn reports on a schedule",
	Long: `Run churn in daemon mode.

The daemon produces a report every interval, records it in the run history
and sends it to the configured outputs. Latest counts are exported as
Prometheus gauges.

Endpoints:
- /metrics   Prometheus metrics
- /healthz   JSON health, 503 after a failed run`,
	Example: `  churn daemon                        # Run with defaults (24h)
  churn daemon --interval 6h          # Report every 6 hours
  churn daemon --metrics-addr :9464   # Custom metrics address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	flags := daemonCmd.Flags()
	flags.DurationVar(&daemonInterval, "interval", 0, "Report interval (default from config, 24h)")
	flags.StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics HTTP server address (default from config, :9090)")
	flags.BoolVar(&daemonSkipOnBoot, "skip-on-boot", false, "Wait one interval before the first report")

	overrides[daemonCmd.Name()] = func(cmd *cobra.Command, c *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("interval") {
			c.Daemon.Interval = daemonInterval
		}
		if flags.Changed("metrics-addr") {
			c.Metrics.Addr = daemonMetricsAddr
		}
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := telemetry.NewLogger("cli")

	if cfg.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive")
	}

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
	if metrics, err := observer.NewChangeRecordMetrics(); err == nil {
		p.metrics = metrics
	}

	sinks, err := buildEmitters(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	prom, err := emitter.NewPrometheusEmitter()
	if err != nil {
		_ = sinks.Close()
		return fmt.Errorf("failed to create prometheus emitter: %w", err)
	}
	out := emitter.NewMultiEmitter(sinks, prom)
	defer func() { _ = out.Close() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	var history daemon.RunStore
	if store != nil {
		defer func() { _ = store.Close() }()
		history = store
	}

	metrics, err := daemon.NewDaemonMetrics()
	if err != nil {
		return fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:   cfg.Daemon.Interval,
		KeepRuns:   cfg.Storage.KeepRuns,
		SkipOnBoot: daemonSkipOnBoot,
	}, p.Run, history, out, metrics)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	var g run.Group
	{
		daemonCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(daemonCtx)
		}, func(error) {
			cancel()
		})
	}
	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Addr, err)
		}
		srv := &http.Server{
			Handler:           newServeMux(d),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			logger.WithContext(ctx).Info().Str("addr", ln.Addr().String()).Msg("starting metrics server")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	logger.WithContext(ctx).Info().
		Str("provider", cfg.Provider).
		Int("days", cfg.Days).
		Dur("interval", cfg.Daemon.Interval).
		Msg("churn daemon starting")

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		logger.WithContext(ctx).Info().Msg("shutting down")
		return nil
	}
	return err
}

func newServeMux(d *daemon.Daemon) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", d.HealthHandler())
	return mux
}
