package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/churn/internal/emitter"
	"github.com/yairfalse/churn/orchestrator"
	"github.com/yairfalse/churn/telemetry"
)

// Job produces one report. A non-nil Run is persisted and emitted even when
// err is set, so a partial run still reaches the sinks.
type Job func(ctx context.Context) (emitter.Report, error)

// RunStore persists run results
type RunStore interface {
	SaveRun(result *orchestrator.RunResult) (int64, error)
	Compact(keep int64) (int, error)
}

// Config holds daemon configuration
type Config struct {
	Interval   time.Duration
	KeepRuns   int  // runs kept after compaction (0 keeps all)
	SkipOnBoot bool // wait one interval before the first run
}

// Daemon runs the report job on a fixed interval
type Daemon struct {
	interval   time.Duration
	keepRuns   int
	skipOnBoot bool

	job     Job
	store   RunStore
	emitter emitter.Emitter
	metrics *DaemonMetrics
	logger  *telemetry.Logger

	startTime time.Time
	runCount  atomic.Int64

	mu        sync.RWMutex
	lastRun   time.Time
	lastErr   error
	lastRevID int64
}

// NewDaemon creates a new daemon instance. store, out and metrics may be nil.
func NewDaemon(config Config, job Job, store RunStore, out emitter.Emitter, metrics *DaemonMetrics) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon interval must be positive, got %s", config.Interval)
	}
	if job == nil {
		return nil, errors.New("daemon job is required")
	}
	return &Daemon{
		interval:   config.Interval,
		keepRuns:   config.KeepRuns,
		skipOnBoot: config.SkipOnBoot,
		job:        job,
		store:      store,
		emitter:    out,
		metrics:    metrics,
		logger:     telemetry.NewLogger("daemon"),
		startTime:  time.Now(),
	}, nil
}

// Start runs the job until ctx is cancelled
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.WithContext(ctx).Info().
		Dur("interval", d.interval).
		Msg("daemon started")

	if !d.skipOnBoot {
		d.runOnce(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.WithContext(ctx).Info().
				Int64("runs", d.RunCount()).
				Msg("daemon stopped")
			return nil
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	d.runCount.Add(1)
	start := time.Now()

	err := d.cycle(ctx)

	status := "success"
	if err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
	}
	if d.metrics != nil {
		d.metrics.RecordRun(ctx, status)
		d.metrics.RecordRunDuration(ctx, time.Since(start).Seconds(), status)
	}

	d.mu.Lock()
	d.lastRun = start
	d.lastErr = err
	d.mu.Unlock()

	if err != nil {
		d.logger.WithContext(ctx).Error().Err(err).
			Dur("duration", time.Since(start)).
			Msg("scheduled run failed")
		return
	}
	d.logger.WithContext(ctx).Info().
		Dur("duration", time.Since(start)).
		Msg("scheduled run completed")
}

func (d *Daemon) cycle(ctx context.Context) error {
	report, jobErr := d.job(ctx)
	if report.Run == nil {
		if jobErr == nil {
			jobErr = errors.New("job returned no run")
		}
		return jobErr
	}

	if d.metrics != nil {
		d.metrics.RecordRows(ctx, int64(len(report.Run.Rows)))
		d.metrics.RecordScopeFailures(ctx, int64(len(report.Run.Failures)))
	}

	if err := d.persist(ctx, report.Run); err != nil {
		return errors.Join(jobErr, err)
	}

	if d.emitter != nil {
		if err := d.emitter.Emit(ctx, report); err != nil {
			return errors.Join(jobErr, fmt.Errorf("emit report: %w", err))
		}
	}
	return jobErr
}

func (d *Daemon) persist(ctx context.Context, run *orchestrator.RunResult) error {
	if d.store == nil {
		return nil
	}

	rev, err := d.store.SaveRun(run)
	d.recordStorage(ctx, "save", err)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	d.mu.Lock()
	d.lastRevID = rev
	d.mu.Unlock()

	if d.keepRuns <= 0 {
		return nil
	}
	removed, err := d.store.Compact(int64(d.keepRuns))
	d.recordStorage(ctx, "compact", err)
	if err != nil {
		// history growth is not fatal for the run itself
		d.logger.WithContext(ctx).Warn().Err(err).Msg("run history compaction failed")
		return nil
	}
	if removed > 0 {
		d.logger.WithContext(ctx).Debug().
			Int("removed", removed).
			Int("keep", d.keepRuns).
			Msg("compacted run history")
	}
	return nil
}

func (d *Daemon) recordStorage(ctx context.Context, op string, err error) {
	if d.metrics == nil {
		return
	}
	if err != nil {
		d.metrics.RecordStorageOperation(ctx, op, "error", fmt.Sprintf("%T", err))
		return
	}
	d.metrics.RecordStorageOperation(ctx, op, "success", "")
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:       "healthy",
		Uptime:       int64(time.Since(d.startTime).Seconds()),
		Runs:         d.runCount.Load(),
		LastRun:      d.lastRun,
		LastRevision: d.lastRevID,
	}
	if d.lastErr != nil {
		h.Status = "degraded"
		h.LastError = d.lastErr.Error()
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status       string    `json:"status"`
	Uptime       int64     `json:"uptime_seconds"`
	Runs         int64     `json:"runs"`
	LastRun      time.Time `json:"last_run,omitzero"`
	LastRevision int64     `json:"last_revision,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// HealthHandler serves Health as JSON; a degraded daemon answers 503
func (d *Daemon) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := d.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}

// RunCount returns total scheduled runs started
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}
