package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/churn/types"
)

func TestNormalize_CompleteEvent(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"resourceId":        "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1",
		"resourceGroupName": "rg",
		"resourceType":      map[string]any{"value": "Microsoft.Compute/virtualMachines"},
		"eventTimestamp":    "2024-05-01T10:00:00.1234567Z",
		"operationName":     map[string]any{"value": "Microsoft.Compute/virtualMachines/write"},
	})

	record, warning := Normalize("s1", e, types.Creation)

	assert.Nil(t, warning)
	assert.Equal(t, types.ChangeRecord{
		Scope:         "s1",
		ResourceID:    "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1",
		ResourceGroup: "rg",
		ResourceType:  "Microsoft.Compute/virtualMachines",
		Timestamp:     "2024-05-01T10:00:00.1234567Z",
		Kind:          types.Creation,
	}, record)
}

func TestNormalize_CandidatePriority(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"resource_id":         "snake-id",
		"resourceUri":         "uri-id",
		"resourceId":          "camel-id",
		"resource_group_name": "snake-rg",
		"resourceGroupName":   "camel-rg",
		"resourceType":        map[string]any{"value": "Granular/type"},
		"resourceProviderName": map[string]any{
			"value": "Microsoft.Compute",
		},
	})

	record, _ := Normalize("s1", e, types.Deletion)

	assert.Equal(t, "snake-id", record.ResourceID)
	assert.Equal(t, "snake-rg", record.ResourceGroup)
	assert.Equal(t, "Granular/type", record.ResourceType)
}

func TestNormalize_FullTypeOverNamespace(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"resourceId":        "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm1",
		"resourceGroupName": "rg",
		"resourceType":      map[string]any{"value": "Microsoft.Compute/virtualMachines"},
		"resource_provider": map[string]any{"value": "Microsoft.Compute"},
	})

	record, warning := Normalize("s1", e, types.Creation)

	assert.Nil(t, warning)
	assert.Equal(t, "Microsoft.Compute/virtualMachines", record.ResourceType)
}

func TestNormalize_FallsThroughEmptyCandidates(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"resource_id":          "",
		"resourceUri":          "uri-id",
		"resourceProviderName": map[string]any{"value": "Microsoft.Network"},
		"resourceGroupName":    "rg",
	})

	record, warning := Normalize("s1", e, types.Creation)

	assert.Nil(t, warning)
	assert.Equal(t, "uri-id", record.ResourceID)
	assert.Equal(t, "Microsoft.Network", record.ResourceType)
}

func TestNormalize_MissingFieldsUseSentinels(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"operationName":  map[string]any{"value": "Microsoft.Web/sites/delete"},
		"eventTimestamp": "2024-05-01T10:00:00Z",
	})

	record, warning := Normalize("s1", e, types.Deletion)

	require.NotNil(t, warning)
	assert.Equal(t, "s1", warning.Scope)
	assert.Equal(t, "Microsoft.Web/sites/delete", warning.Operation)
	assert.Equal(t, []string{FieldResourceID, FieldResourceGroup, FieldResourceType}, warning.Missing)

	assert.False(t, record.HasResourceID())
	assert.Empty(t, record.ResourceGroup)
	assert.Equal(t, types.UnknownResourceType, record.ResourceType)
	assert.Equal(t, types.Deletion, record.Kind)
}

func TestNormalize_UnstructuredTypeIsUnresolved(t *testing.T) {
	e := types.NewRawEvent(map[string]any{
		"resourceId":        "id",
		"resourceGroupName": "rg",
		"resourceType":      "Microsoft.Compute/virtualMachines",
	})

	record, warning := Normalize("s1", e, types.Creation)

	require.NotNil(t, warning)
	assert.Equal(t, []string{FieldResourceType}, warning.Missing)
	assert.Equal(t, types.UnknownResourceType, record.ResourceType)
}

func TestNormalize_TimestampVerbatim(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := types.NewRawEvent(map[string]any{
		"event_timestamp": ts,
	})

	record, _ := Normalize("s1", e, types.Creation)
	assert.Equal(t, "2024-05-01T10:00:00Z", record.Timestamp)

	e = types.NewRawEvent(map[string]any{"eventTimestamp": "not a time"})
	record, _ = Normalize("s1", e, types.Creation)
	assert.Equal(t, "not a time", record.Timestamp)
}
