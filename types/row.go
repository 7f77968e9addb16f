package types

// AggregateRow is one line of the comparative summary. Counts are never
// missing: a group absent from a window counts zero.
type AggregateRow struct {
	Scope           string `json:"subscriptionId"`
	ResourceType    string `json:"resourceType"`
	CreatedCurrent  int    `json:"created_last"`
	CreatedPrevious int    `json:"created_prev"`
	DeletedCurrent  int    `json:"deleted_last"`
	NetChange       int    `json:"net_change"`
}

// Key returns the row's (scope, resource type) pair
func (r AggregateRow) Key() GroupKey {
	return GroupKey{Scope: r.Scope, ResourceType: r.ResourceType}
}

// SummaryColumns is the persisted column order of the summary report
var SummaryColumns = []string{
	"subscriptionId",
	"resourceType",
	"created_last",
	"created_prev",
	"deleted_last",
	"net_change",
}

// InventoryItem is one resource of the current inventory snapshot
type InventoryItem struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	ResourceGroup  string            `json:"resourceGroup"`
	SubscriptionID string            `json:"subscriptionId"`
	Location       string            `json:"location"`
	Tags           map[string]string `json:"tags,omitempty"`
}
