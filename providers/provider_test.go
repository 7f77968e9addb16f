package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/types"
)

// MockProvider for testing
type MockProvider struct {
	name string
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Events(changelog.Credential, types.AccountScope, types.TimeWindow) changelog.Pager {
	return changelog.FailedPager(changelog.ErrScopeNotFound)
}

type staticScopes []types.AccountScope

func (s staticScopes) Scopes(context.Context) ([]types.AccountScope, error) {
	return s, nil
}

func TestProviderRegistry(t *testing.T) {
	var gotConfig Config
	RegisterProvider("test", func(ctx context.Context, config Config) (*Bundle, error) {
		gotConfig = config
		return &Bundle{
			Provider: &MockProvider{name: "test"},
			Scopes:   staticScopes{{ID: "s1"}},
		}, nil
	})

	assert.Contains(t, ListProviders(), "test")

	bundle, err := GetProvider(context.Background(), "test", Config{Regions: []string{"eu-west-1"}})
	require.NoError(t, err)
	assert.Equal(t, "test", bundle.Provider.Name())
	assert.Nil(t, bundle.Inventory)
	assert.Equal(t, []string{"eu-west-1"}, gotConfig.Regions)

	scopes, err := bundle.Scopes.Scopes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", scopes[0].ID)
}

func TestGetProvider_Unknown(t *testing.T) {
	_, err := GetProvider(context.Background(), "nonexistent", Config{})
	assert.ErrorContains(t, err, "provider nonexistent not found")
}

func TestListProviders_Sorted(t *testing.T) {
	RegisterProvider("zz", func(context.Context, Config) (*Bundle, error) { return &Bundle{}, nil })
	RegisterProvider("aa", func(context.Context, Config) (*Bundle, error) { return &Bundle{}, nil })

	names := ListProviders()
	assert.IsIncreasing(t, names)
}
