// Package normalizer turns classified raw events into ChangeRecords.
//
// Each logical field has an ordered list of candidate accessors, one per
// spelling the provider has used across API versions. Normalization never
// fails: a field no candidate resolves becomes a sentinel and is reported
// through a Warning.
//
// The resource type is the full provider type where the event carries one,
// so Azure summaries are keyed by e.g. Microsoft.Compute/virtualMachines and
// not by the Microsoft.Compute namespace. The namespace is only used when
// the event has no full type.
package normalizer

import (
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/types"
)

// Logical field names used in warnings
const (
	FieldResourceID    = "resourceId"
	FieldResourceGroup = "resourceGroup"
	FieldResourceType  = "resourceType"
)

// Candidate accessors, highest priority first
var (
	ResourceIDFields = types.FieldCandidates{
		{"resource_id"},
		{"resourceUri"},
		{"resourceId"},
	}
	ResourceGroupFields = types.FieldCandidates{
		{"resource_group_name"},
		{"resourceGroupName"},
	}
	// Only nested values qualify. A bare string under these keys is an
	// unexpected shape and leaves the type unresolved.
	ResourceTypeFields = types.FieldCandidates{
		{"resourceType", "value"},
		{"resource_type", "value"},
		{"resourceProviderName", "value"},
		{"resource_provider", "value"},
	}
	TimestampFields = types.FieldCandidates{
		{"eventTimestamp"},
		{"event_timestamp"},
	}
)

// Warning is a MalformedEventWarning: the record was still produced but some
// fields fell back to sentinels.
type Warning struct {
	Scope     string
	Operation string
	Missing   []string
}

// Normalize builds the ChangeRecord for an event already classified as kind
func Normalize(scope string, e types.RawEvent, kind types.Classification) (types.ChangeRecord, *Warning) {
	var missing []string

	id, ok := ResourceIDFields.First(e)
	if !ok {
		missing = append(missing, FieldResourceID)
	}

	group, ok := ResourceGroupFields.First(e)
	if !ok {
		missing = append(missing, FieldResourceGroup)
	}

	resourceType, ok := ResourceTypeFields.First(e)
	if !ok {
		resourceType = types.UnknownResourceType
		missing = append(missing, FieldResourceType)
	}

	timestamp, _ := TimestampFields.First(e)

	record := types.ChangeRecord{
		Scope:         scope,
		ResourceID:    id,
		ResourceGroup: group,
		ResourceType:  resourceType,
		Timestamp:     timestamp,
		Kind:          kind,
	}

	if len(missing) == 0 {
		return record, nil
	}

	operation, _ := classifier.OperationFields.First(e)
	return record, &Warning{Scope: scope, Operation: operation, Missing: missing}
}
