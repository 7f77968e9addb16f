package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/types"
)

// SubscriptionsAPIVersion is the Microsoft.Resources subscriptions API version
const SubscriptionsAPIVersion = "2022-12-01"

// SubscriptionEnumerator lists the subscriptions the credential can see
type SubscriptionEnumerator struct {
	credentials changelog.CredentialProvider
	clients     *clientCache
}

// NewSubscriptionEnumerator creates a subscription enumerator
func NewSubscriptionEnumerator(credentials changelog.CredentialProvider, opts Options) *SubscriptionEnumerator {
	return &SubscriptionEnumerator{credentials: credentials, clients: newClientCache(opts)}
}

type subscription struct {
	SubscriptionID string `json:"subscriptionId"`
	DisplayName    string `json:"displayName"`
	State          string `json:"state"`
}

type subscriptionListResult struct {
	Value    []subscription `json:"value"`
	NextLink *string        `json:"nextLink"`
}

// Scopes returns one scope per subscription
func (e *SubscriptionEnumerator) Scopes(ctx context.Context) ([]types.AccountScope, error) {
	cred, err := e.credentials.Credential(ctx)
	if err != nil {
		return nil, err
	}
	client, err := e.clients.get(cred)
	if err != nil {
		return nil, err
	}

	var scopes []types.AccountScope
	link := runtime.JoinPaths(client.Endpoint(), "/subscriptions")
	query := map[string]string{"api-version": SubscriptionsAPIVersion}

	for link != "" {
		var page subscriptionListResult
		if err := getJSON(ctx, client, link, query, &page); err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}

		for _, sub := range page.Value {
			if sub.SubscriptionID == "" {
				continue
			}
			scopes = append(scopes, types.AccountScope{ID: sub.SubscriptionID, DisplayName: sub.DisplayName})
		}

		link, query = "", nil
		if page.NextLink != nil {
			link = *page.NextLink
		}
	}

	return scopes, nil
}
