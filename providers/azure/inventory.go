package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/types"
)

// InventoryClient snapshots the resources currently in a subscription
type InventoryClient struct {
	opts Options
}

// NewInventoryClient creates an inventory client
func NewInventoryClient(opts Options) *InventoryClient {
	return &InventoryClient{opts: opts}
}

// ListInventory lists every resource of the scope's subscription
func (c *InventoryClient) ListInventory(ctx context.Context, cred changelog.Credential, scope types.AccountScope) ([]types.InventoryItem, error) {
	tokenCred, ok := cred.(azcore.TokenCredential)
	if !ok {
		return nil, fmt.Errorf("%w: expected azcore.TokenCredential, got %T", changelog.ErrAuthentication, cred)
	}

	client, err := armresources.NewClient(scope.ID, tokenCred, c.opts.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource client: %w", err)
	}

	var items []types.InventoryItem
	pager := client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list resources in subscription %s: %w", scope.ID, classifyError(err))
		}
		for _, resource := range page.Value {
			if resource == nil || resource.ID == nil {
				continue
			}
			items = append(items, convertResource(scope.ID, resource))
		}
	}

	return items, nil
}

// convertResource converts an ARM resource to an inventory item
func convertResource(subscriptionID string, resource *armresources.GenericResourceExpanded) types.InventoryItem {
	item := types.InventoryItem{
		ID:             deref(resource.ID),
		Name:           deref(resource.Name),
		Type:           deref(resource.Type),
		Location:       deref(resource.Location),
		SubscriptionID: subscriptionID,
	}

	if parsed, err := arm.ParseResourceID(item.ID); err == nil {
		item.ResourceGroup = parsed.ResourceGroupName
		if parsed.SubscriptionID != "" {
			item.SubscriptionID = parsed.SubscriptionID
		}
	}

	if len(resource.Tags) > 0 {
		item.Tags = make(map[string]string, len(resource.Tags))
		for k, v := range resource.Tags {
			if v != nil {
				item.Tags[k] = *v
			}
		}
	}

	return item
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
