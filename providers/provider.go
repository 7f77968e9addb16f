package providers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/types"
)

// InventoryLister lists the resources currently present in a scope
type InventoryLister interface {
	ListInventory(ctx context.Context, cred changelog.Credential, scope types.AccountScope) ([]types.InventoryItem, error)
}

// Bundle is everything a run needs from one cloud
type Bundle struct {
	Provider    changelog.Provider
	Credentials changelog.CredentialProvider
	Scopes      changelog.ScopeEnumerator
	// Inventory is nil for clouds without an inventory snapshot
	Inventory InventoryLister
	// Rules overrides the default classifier rules when set
	Rules []classifier.Rule
}

// Config holds provider configuration
type Config struct {
	// Azure
	CredentialType string // "default" or "cli"
	Endpoint       string // ARM endpoint override

	// AWS
	Profile string
	Regions []string
}

// Factory creates a provider bundle
type Factory func(ctx context.Context, config Config) (*Bundle, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// RegisterProvider registers a new provider factory
func RegisterProvider(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// GetProvider creates a provider bundle by name
func GetProvider(ctx context.Context, name string, config Config) (*Bundle, error) {
	mu.RLock()
	factory, exists := registry[name]
	mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("provider %s not found (available: %v)", name, ListProviders())
	}
	return factory(ctx, config)
}

// ListProviders returns available provider names, sorted
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
