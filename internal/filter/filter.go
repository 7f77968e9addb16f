// Package filter selects the account scopes a run covers.
package filter

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/yairfalse/churn/types"
)

// Filter controls which scopes are aggregated. Patterns are globs matched
// against the scope ID and its display name.
type Filter struct {
	include []glob.Glob
	exclude []glob.Glob
}

// New compiles the include and exclude patterns.
func New(include, exclude []string) (*Filter, error) {
	inc, err := compile(include)
	if err != nil {
		return nil, err
	}
	exc, err := compile(exclude)
	if err != nil {
		return nil, err
	}
	return &Filter{include: inc, exclude: exc}, nil
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scope pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// ShouldIncludeScope returns true if the scope passes the filter.
func (f *Filter) ShouldIncludeScope(s types.AccountScope) bool {
	// Include patterns (whitelist) - ANY must match
	if len(f.include) > 0 && !matchAny(f.include, s) {
		return false
	}

	// Exclude patterns (blacklist) - ANY match excludes
	return !matchAny(f.exclude, s)
}

func matchAny(globs []glob.Glob, s types.AccountScope) bool {
	for _, g := range globs {
		if g.Match(s.ID) || (s.DisplayName != "" && g.Match(s.DisplayName)) {
			return true
		}
	}
	return false
}

// FilterScopes returns only scopes that pass the filter.
func (f *Filter) FilterScopes(scopes []types.AccountScope) []types.AccountScope {
	if f.IsEmpty() {
		return scopes
	}

	filtered := make([]types.AccountScope, 0, len(scopes))
	for _, s := range scopes {
		if f.ShouldIncludeScope(s) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// IsEmpty returns true if no patterns are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}
