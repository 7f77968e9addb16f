// Package aws reads change activity from CloudTrail event history.
package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/providers"
)

func init() {
	providers.RegisterProvider("aws", NewProviderFactory)
}

// CredentialProvider loads and verifies an AWS configuration
type CredentialProvider struct {
	load func(ctx context.Context) (aws.Config, error)

	mu       sync.Mutex
	verified *aws.Config
}

// NewCredentialProvider loads the default credential chain, optionally for a
// named shared-config profile. SDK retries are disabled; the fetcher owns
// retry and backoff.
func NewCredentialProvider(profile string) *CredentialProvider {
	return &CredentialProvider{load: func(ctx context.Context) (aws.Config, error) {
		opts := []func(*config.LoadOptions) error{
			config.WithRetryMaxAttempts(1),
		}
		if profile != "" {
			opts = append(opts, config.WithSharedConfigProfile(profile))
		}
		return config.LoadDefaultConfig(ctx, opts...)
	}}
}

// StaticCredentialProvider hands out an existing configuration
func StaticCredentialProvider(cfg aws.Config) *CredentialProvider {
	return &CredentialProvider{load: func(context.Context) (aws.Config, error) {
		return cfg, nil
	}}
}

// Credential returns an aws.Config whose credentials have been retrieved
// once. The verified configuration is reused by later calls.
func (p *CredentialProvider) Credential(ctx context.Context) (changelog.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.verified != nil {
		return *p.verified, nil
	}

	cfg, err := p.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %w", changelog.ErrAuthentication, err)
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("%w: no AWS credentials configured", changelog.ErrAuthentication)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", changelog.ErrAuthentication, err)
	}

	p.verified = &cfg
	return cfg, nil
}

// NewProviderFactory builds the AWS bundle
func NewProviderFactory(_ context.Context, cfg providers.Config) (*providers.Bundle, error) {
	credentials := NewCredentialProvider(cfg.Profile)

	return &providers.Bundle{
		Provider:    NewCloudTrailProvider(nil),
		Credentials: credentials,
		Scopes:      NewAccountEnumerator(credentials, cfg.Regions),
		Inventory:   NewInventoryClient(),
		Rules:       ClassifierRules,
	}, nil
}
