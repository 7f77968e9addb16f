package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/internal/config"
	"github.com/yairfalse/churn/internal/emitter"
	"github.com/yairfalse/churn/internal/filter"
	"github.com/yairfalse/churn/orchestrator"
	"github.com/yairfalse/churn/providers"
	_ "github.com/yairfalse/churn/providers/aws"   // Register AWS provider
	_ "github.com/yairfalse/churn/providers/azure" // Register Azure provider
	"github.com/yairfalse/churn/storage"
	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// errNoScopes is returned when enumeration and filtering leave nothing to aggregate
var errNoScopes = errors.New("no scopes to aggregate")

// pipeline wires one cloud's provider bundle into a report job
type pipeline struct {
	cfg        *config.Config
	bundle     *providers.Bundle
	filter     *filter.Filter
	classifier *classifier.Classifier
	progress   func() orchestrator.Progress
	metrics    orchestrator.RecordMetrics
	now        func() time.Time
	logger     *telemetry.Logger
}

func newPipeline(ctx context.Context, c *config.Config) (*pipeline, error) {
	bundle, err := providers.GetProvider(ctx, c.Provider, c.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", c.Provider, err)
	}
	return newPipelineWithBundle(c, bundle)
}

func newPipelineWithBundle(c *config.Config, bundle *providers.Bundle) (*pipeline, error) {
	f, err := c.ScopeFilter()
	if err != nil {
		return nil, err
	}

	var cls *classifier.Classifier
	if len(bundle.Rules) > 0 {
		cls = classifier.New(bundle.Rules...)
	}

	return &pipeline{
		cfg:        c,
		bundle:     bundle,
		filter:     f,
		classifier: cls,
		now:        time.Now,
		logger:     telemetry.NewLogger("cli"),
	}, nil
}

// Run is one aggregation over every selected scope plus the inventory
// snapshot. A non-nil Run comes back with the error whenever one exists.
func (p *pipeline) Run(ctx context.Context) (emitter.Report, error) {
	cred, err := p.bundle.Credentials.Credential(ctx)
	if err != nil {
		return emitter.Report{}, fmt.Errorf("acquire credential: %w", err)
	}

	scopes, err := p.resolveScopes(ctx)
	if err != nil {
		return emitter.Report{}, err
	}

	fetcher := changelog.NewFetcher(p.bundle.Provider, cred, p.cfg.FetcherConfig())
	orch := orchestrator.NewOrchestrator(fetcher, orchestrator.Options{
		Days:        p.cfg.Days,
		Concurrency: p.cfg.Concurrency,
		Now:         p.now,
		Classifier:  p.classifier,
	})
	if p.progress != nil {
		orch.WithProgress(p.progress())
	}
	if p.metrics != nil {
		orch.WithMetrics(p.metrics)
	}

	run, err := orch.RunAggregation(ctx, scopes, p.cfg.Days)
	report := emitter.Report{Run: run}
	if err != nil {
		return report, err
	}

	if p.cfg.Output.Inventory && p.bundle.Inventory != nil {
		report.Inventory = p.listInventory(ctx, cred, succeeded(scopes, run))
	}
	return report, nil
}

func (p *pipeline) resolveScopes(ctx context.Context) ([]types.AccountScope, error) {
	all, err := p.bundle.Scopes.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate scopes: %w", err)
	}

	selected := p.filter.FilterScopes(all)
	p.logger.WithContext(ctx).Info().
		Str("provider", p.bundle.Provider.Name()).
		Int("enumerated", len(all)).
		Int("selected", len(selected)).
		Msg("resolved scopes")

	if len(selected) == 0 {
		return nil, errNoScopes
	}
	return selected, nil
}

// listInventory snapshots each scope concurrently. A scope whose listing
// fails is left out of the snapshot and logged.
func (p *pipeline) listInventory(ctx context.Context, cred changelog.Credential, scopes []types.AccountScope) []types.InventoryItem {
	perScope := make([][]types.InventoryItem, len(scopes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, scope := range scopes {
		g.Go(func() error {
			items, err := p.bundle.Inventory.ListInventory(gctx, cred, scope)
			if err != nil {
				p.logger.WithContext(gctx).Warn().Err(err).
					Str("scope", scope.ID).
					Msg("inventory snapshot failed")
				return nil
			}
			perScope[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var inventory []types.InventoryItem
	for _, items := range perScope {
		inventory = append(inventory, items...)
	}
	return inventory
}

// succeeded drops the scopes left out of run
func succeeded(scopes []types.AccountScope, run *orchestrator.RunResult) []types.AccountScope {
	failed := make(map[string]bool, len(run.Failures))
	for _, f := range run.Failures {
		failed[f.Scope] = true
	}
	out := make([]types.AccountScope, 0, len(scopes))
	for _, s := range scopes {
		if !failed[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// buildEmitters creates the configured report sinks. Table output goes to w.
func buildEmitters(c *config.Config, w io.Writer) (*emitter.MultiEmitter, error) {
	var sinks []emitter.Emitter
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for _, format := range c.Output.Formats {
		switch format {
		case config.FormatCSV:
			csv, err := emitter.NewCSVEmitter(c.Output.Dir)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, csv)
		case config.FormatTable:
			sinks = append(sinks, emitter.NewTableEmitter(w, c.Output.NoColor))
		case config.FormatKafka:
			k, err := emitter.NewKafkaEmitter(emitter.KafkaConfig{
				Brokers:   c.Kafka.Brokers,
				Topic:     c.Kafka.Topic,
				BatchSize: c.Kafka.BatchSize,
			})
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, k)
		default:
			closeAll()
			return nil, fmt.Errorf("unknown output format %q", format)
		}
	}
	return emitter.NewMultiEmitter(sinks...), nil
}

// openStore opens the run history, or returns nil when history is disabled
func openStore(c *config.Config) (*storage.RunStore, error) {
	if c.Storage.Path == "" {
		return nil, nil
	}
	store, err := storage.NewRunStore(c.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}

// initTelemetry installs OTEL providers. Metrics always reach the Prometheus
// registry; the OTLP endpoint is only used when otel.enabled is set.
func initTelemetry(ctx context.Context, c *config.Config) (func(context.Context) error, error) {
	endpoint := ""
	if c.OTEL.Enabled {
		endpoint = c.OTEL.Endpoint
	}
	return telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    c.OTEL.ServiceName,
		ServiceVersion: version,
		OTELEndpoint:   endpoint,
		Insecure:       c.OTEL.Insecure,
	})
}
