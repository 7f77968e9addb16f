package changelog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// RetryPolicy bounds the retries of one page fetch
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used for zero fields of a configured policy
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// FetcherConfig configures a Fetcher
type FetcherConfig struct {
	Retry RetryPolicy
	// RequestsPerSecond paces page requests across all scopes sharing the
	// Fetcher. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Fetcher turns a provider's paged query into a lazy event sequence with
// retries and pacing. It keeps no per-scope state and is safe for
// concurrent use.
type Fetcher struct {
	provider Provider
	cred     Credential
	retry    RetryPolicy
	limiter  *rate.Limiter
	logger   *telemetry.Logger
}

// NewFetcher creates a fetcher querying provider with cred
func NewFetcher(provider Provider, cred Credential, cfg FetcherConfig) *Fetcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Fetcher{
		provider: provider,
		cred:     cred,
		retry:    cfg.Retry.withDefaults(),
		limiter:  limiter,
		logger:   telemetry.NewLogger("changelog"),
	}
}

// Provider returns the underlying provider
func (f *Fetcher) Provider() Provider {
	return f.provider
}

// Fetch returns the events of scope within window. Pages are requested
// while the sequence is ranged over; the sequence can be ranged once.
// A failure is yielded as a *FetchError and ends the sequence. A scope the
// provider does not know yields nothing, unless pages were already yielded,
// in which case the window is incomplete and the not-found is a failure.
func (f *Fetcher) Fetch(ctx context.Context, scope types.AccountScope, window types.TimeWindow) iter.Seq2[types.RawEvent, error] {
	var consumed atomic.Bool

	return func(yield func(types.RawEvent, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(types.RawEvent{}, ErrSequenceConsumed)
			return
		}

		if err := window.Validate(); err != nil {
			yield(types.RawEvent{}, f.fail(ctx, scope, window, fmt.Errorf("%w: %w", ErrInvalidWindow, err)))
			return
		}

		attrs := []attribute.KeyValue{
			attribute.String("provider", f.provider.Name()),
			attribute.String("scope", scope.ID),
			attribute.String("window", window.String()),
		}
		ctx, span := telemetry.Tracer.Start(ctx, "changelog.Fetch", trace.WithAttributes(attrs...))
		defer span.End()
		f.logger.LogSpanStart(ctx, "changelog.Fetch", attrs...)

		pager := f.provider.Events(f.cred, scope, window)
		pages, events := 0, 0
		var fetchErr error
		defer func() {
			telemetry.EventsFetched.Add(ctx, int64(events),
				metric.WithAttributes(attribute.String("provider", f.provider.Name())))
			span.SetAttributes(attribute.Int("pages", pages), attribute.Int("events", events))
			f.logger.LogSpanEnd(ctx, "changelog.Fetch", fetchErr)
		}()

		for pager.More() {
			page, err := f.nextPage(ctx, pager, scope, window)
			if err != nil {
				if errors.Is(err, ErrScopeNotFound) && pages == 0 {
					f.logger.WithContext(ctx).Warn().
						Err(err).
						Str("scope", scope.ID).
						Msg("scope not found, treating as empty")
					return
				}
				fetchErr = f.fail(ctx, scope, window, err)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield(types.RawEvent{}, fetchErr)
				return
			}

			pages++
			for _, e := range page {
				events++
				if !yield(e, nil) {
					return
				}
			}
		}

		f.logger.LogFetchComplete(ctx, scope.ID, window.String(), events, pages)
	}
}

func (f *Fetcher) nextPage(ctx context.Context, pager Pager, scope types.AccountScope, window types.TimeWindow) ([]types.RawEvent, error) {
	attempt := 0
	operation := func() ([]types.RawEvent, error) {
		attempt++
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		page, err := pager.NextPage(ctx)
		if err != nil {
			if !Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return page, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.retry.backOff()),
		backoff.WithMaxTries(f.retry.MaxAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			telemetry.FetchRetries.Add(ctx, 1,
				metric.WithAttributes(attribute.String("provider", f.provider.Name())))
			f.logger.LogFetchRetry(ctx, scope.ID, window.String(), attempt, delay, err)
		}),
	)
}

func (f *Fetcher) fail(ctx context.Context, scope types.AccountScope, window types.TimeWindow, cause error) error {
	telemetry.FetchFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", f.provider.Name())))
	return &FetchError{Scope: scope.ID, Window: window, Cause: cause}
}
