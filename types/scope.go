package types

import (
	"errors"
	"fmt"
	"time"
)

// AccountScope is one billing/management boundary (an Azure subscription,
// an AWS account in one region). Scopes are supplied by an enumerator and
// never modified.
type AccountScope struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
}

// String returns the scope identifier
func (s AccountScope) String() string {
	return s.ID
}

// ErrEmptyWindow is returned for windows where start is not before end
var ErrEmptyWindow = errors.New("window start must be before end")

// TimeWindow is the half-open interval [Start, End)
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks Start < End
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: %s", ErrEmptyWindow, w)
	}
	return nil
}

// Contains reports whether t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// WindowKind names which of the two comparison windows a result belongs to
type WindowKind string

const (
	WindowCurrent  WindowKind = "current"
	WindowPrevious WindowKind = "previous"
)

// DefaultDays is the window length used when none is configured
const DefaultDays = 30

// NewWindows builds the two contiguous windows of one run:
// current = [now-days, now), previous = [now-2*days, now-days).
func NewWindows(now time.Time, days int) (current, previous TimeWindow, err error) {
	if days <= 0 {
		return TimeWindow{}, TimeWindow{}, fmt.Errorf("days must be positive (got %d)", days)
	}

	span := time.Duration(days) * 24 * time.Hour
	now = now.UTC()

	current = TimeWindow{Start: now.Add(-span), End: now}
	previous = TimeWindow{Start: current.Start.Add(-span), End: current.Start}
	return current, previous, nil
}
