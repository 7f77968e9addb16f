package azure

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/providers"
)

func init() {
	providers.RegisterProvider("azure", NewProviderFactory)
}

// Credential types
const (
	CredentialDefault = "default"
	CredentialCLI     = "cli"
)

// CredentialProvider creates and verifies an Azure token credential
type CredentialProvider struct {
	newCredential func() (azcore.TokenCredential, error)

	mu       sync.Mutex
	verified azcore.TokenCredential
}

// NewCredentialProvider creates a provider for the given credential type
func NewCredentialProvider(credentialType string) (*CredentialProvider, error) {
	switch credentialType {
	case CredentialCLI:
		return &CredentialProvider{newCredential: func() (azcore.TokenCredential, error) {
			return azidentity.NewAzureCLICredential(nil)
		}}, nil
	case CredentialDefault, "":
		return &CredentialProvider{newCredential: func() (azcore.TokenCredential, error) {
			return azidentity.NewDefaultAzureCredential(nil)
		}}, nil
	default:
		return nil, fmt.Errorf("unknown azure credential type %q", credentialType)
	}
}

// StaticCredentialProvider hands out an existing credential
func StaticCredentialProvider(cred azcore.TokenCredential) *CredentialProvider {
	return &CredentialProvider{newCredential: func() (azcore.TokenCredential, error) {
		return cred, nil
	}}
}

// Credential returns a credential that has already obtained a Resource
// Manager token, so authentication problems surface before any fetch.
// The verified credential is reused by later calls.
func (p *CredentialProvider) Credential(ctx context.Context) (changelog.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.verified != nil {
		return p.verified, nil
	}

	cred, err := p.newCredential()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	}

	audience := cloud.AzurePublic.Services[cloud.ResourceManager].Audience
	scope := strings.TrimSuffix(audience, "/") + "/.default"
	if _, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}}); err != nil {
		return nil, fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	}

	p.verified = cred
	return cred, nil
}

// NewProviderFactory builds the Azure bundle
func NewProviderFactory(_ context.Context, config providers.Config) (*providers.Bundle, error) {
	credentials, err := NewCredentialProvider(config.CredentialType)
	if err != nil {
		return nil, err
	}
	opts := Options{Endpoint: config.Endpoint}

	return &providers.Bundle{
		Provider:    NewActivityLogProvider(opts),
		Credentials: credentials,
		Scopes:      NewSubscriptionEnumerator(credentials, opts),
		Inventory:   NewInventoryClient(opts),
	}, nil
}
