package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/churn/types"
)

var (
	prod    = types.AccountScope{ID: "11111111-aaaa", DisplayName: "prod-core"}
	staging = types.AccountScope{ID: "22222222-bbbb", DisplayName: "staging-core"}
	sandbox = types.AccountScope{ID: "33333333-cccc", DisplayName: "sandbox"}
	awsEU   = types.AccountScope{ID: "123456789012/eu-west-1", DisplayName: "123456789012", Region: "eu-west-1"}
)

func TestShouldIncludeScope_NoPatterns(t *testing.T) {
	f, err := New(nil, nil)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.True(t, f.ShouldIncludeScope(prod))
	assert.True(t, f.ShouldIncludeScope(sandbox))
}

func TestShouldIncludeScope_Include(t *testing.T) {
	f, err := New([]string{"*-core"}, nil)
	require.NoError(t, err)
	assert.True(t, f.ShouldIncludeScope(prod))
	assert.True(t, f.ShouldIncludeScope(staging))
	assert.False(t, f.ShouldIncludeScope(sandbox))
}

func TestShouldIncludeScope_IncludeByID(t *testing.T) {
	f, err := New([]string{"33333333-*"}, nil)
	require.NoError(t, err)
	assert.False(t, f.ShouldIncludeScope(prod))
	assert.True(t, f.ShouldIncludeScope(sandbox))
}

func TestShouldIncludeScope_Exclude(t *testing.T) {
	f, err := New(nil, []string{"sandbox"})
	require.NoError(t, err)
	assert.True(t, f.ShouldIncludeScope(prod))
	assert.False(t, f.ShouldIncludeScope(sandbox))
}

func TestShouldIncludeScope_ExcludeWins(t *testing.T) {
	f, err := New([]string{"*-core"}, []string{"staging-*"})
	require.NoError(t, err)
	assert.True(t, f.ShouldIncludeScope(prod))
	assert.False(t, f.ShouldIncludeScope(staging))
}

func TestShouldIncludeScope_AWSRegions(t *testing.T) {
	f, err := New([]string{"*/eu-*"}, nil)
	require.NoError(t, err)
	assert.True(t, f.ShouldIncludeScope(awsEU))
	assert.False(t, f.ShouldIncludeScope(types.AccountScope{ID: "123456789012/us-east-1", DisplayName: "123456789012"}))
}

func TestFilterScopes(t *testing.T) {
	f, err := New(nil, []string{"sandbox", "staging-*"})
	require.NoError(t, err)

	got := f.FilterScopes([]types.AccountScope{prod, staging, sandbox})
	assert.Equal(t, []types.AccountScope{prod}, got)
}

func TestFilterScopes_Empty(t *testing.T) {
	f, err := New(nil, nil)
	require.NoError(t, err)

	scopes := []types.AccountScope{prod, staging}
	assert.Equal(t, scopes, f.FilterScopes(scopes))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New([]string{"[unterminated"}, nil)
	assert.Error(t, err)
}
