// Package changelog fetches change-activity events from a provider as one
// lazy sequence per (scope, window).
package changelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/churn/types"
)

// Credential is an opaque capability token. Only the provider that issued it
// knows its concrete type.
type Credential any

// CredentialProvider supplies the credential the Fetcher hands to providers
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// ScopeEnumerator lists the account scopes a run covers
type ScopeEnumerator interface {
	Scopes(ctx context.Context) ([]types.AccountScope, error)
}

// Provider is the network boundary behind the Fetcher
type Provider interface {
	Name() string
	Events(cred Credential, scope types.AccountScope, window types.TimeWindow) Pager
}

// Pager walks the pages of one query. NextPage may be called again after an
// error: pager state only advances on success.
type Pager interface {
	More() bool
	NextPage(ctx context.Context) ([]types.RawEvent, error)
}

// Sentinels providers wrap their errors with
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrThrottled        = errors.New("request throttled")
	ErrTransient        = errors.New("transient provider error")
	ErrScopeNotFound    = errors.New("scope not found")
	ErrRejected         = errors.New("request rejected by provider")
	ErrInvalidWindow    = errors.New("invalid time window")
	ErrSequenceConsumed = errors.New("event sequence already consumed")
)

// FetchError reports a (scope, window) fetch that could not complete
type FetchError struct {
	Scope  string
	Window types.TimeWindow
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Scope, e.Window, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a page fetch failing with err should be retried.
// Authentication, missing scopes, rejected requests, bad windows and
// cancellation are final.
// Throttling, transient errors and anything unrecognised are retried.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrScopeNotFound),
		errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidWindow),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

type failedPager struct {
	err error
}

// FailedPager returns a pager whose first page fails with err. Providers use
// it when a query cannot even be built, e.g. for a foreign credential.
func FailedPager(err error) Pager {
	return &failedPager{err: err}
}

func (p *failedPager) More() bool { return true }

func (p *failedPager) NextPage(context.Context) ([]types.RawEvent, error) {
	return nil, p.err
}
