package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/types"
)

// CallerIdentityAPI is the STS call used to resolve the account
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AccountEnumerator yields one scope per configured region of the caller's
// account. Scope IDs have the form "<account>/<region>".
type AccountEnumerator struct {
	credentials changelog.CredentialProvider
	regions     []string
	newClient   func(cfg aws.Config) CallerIdentityAPI
}

// NewAccountEnumerator creates an account enumerator. With no regions the
// credential's default region is used.
func NewAccountEnumerator(credentials changelog.CredentialProvider, regions []string) *AccountEnumerator {
	return &AccountEnumerator{
		credentials: credentials,
		regions:     regions,
		newClient: func(cfg aws.Config) CallerIdentityAPI {
			return sts.NewFromConfig(cfg)
		},
	}
}

// Scopes resolves the account and expands it across regions
func (e *AccountEnumerator) Scopes(ctx context.Context) ([]types.AccountScope, error) {
	cred, err := e.credentials.Credential(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := cred.(aws.Config)
	if !ok {
		return nil, fmt.Errorf("%w: expected aws.Config, got %T", changelog.ErrAuthentication, cred)
	}

	identity, err := e.newClient(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve caller identity: %w", classifyError(err))
	}
	account := aws.ToString(identity.Account)

	regions := e.regions
	if len(regions) == 0 {
		if cfg.Region == "" {
			return nil, fmt.Errorf("no AWS region configured for account %s", account)
		}
		regions = []string{cfg.Region}
	}

	scopes := make([]types.AccountScope, 0, len(regions))
	for _, region := range regions {
		scopes = append(scopes, ScopeFor(account, region))
	}
	return scopes, nil
}

// ScopeFor builds the scope of one account in one region
func ScopeFor(account, region string) types.AccountScope {
	return types.AccountScope{
		ID:          account + "/" + region,
		DisplayName: account,
		Region:      region,
	}
}
