package types

import (
	"cmp"
	"encoding/json"
	"fmt"
)

// Classification is the semantic meaning of a raw event
type Classification int

const (
	Ignored Classification = iota
	Creation
	Deletion
)

func (c Classification) String() string {
	switch c {
	case Creation:
		return "creation"
	case Deletion:
		return "deletion"
	default:
		return "ignored"
	}
}

// MarshalText renders the classification name
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a classification name
func (c *Classification) UnmarshalText(text []byte) error {
	switch string(text) {
	case "creation":
		*c = Creation
	case "deletion":
		*c = Deletion
	case "ignored", "":
		*c = Ignored
	default:
		return fmt.Errorf("unknown classification %q", text)
	}
	return nil
}

// UnknownResourceType stands in for a type the event did not carry.
// It is a real aggregation key so unresolved types never vanish from counts.
const UnknownResourceType = "unknown"

// ChangeRecord is one normalized creation or deletion. Every field takes part
// in equality, so the struct itself is the deduplication key. An empty
// ResourceID or ResourceGroup means the provider did not report it.
type ChangeRecord struct {
	Scope         string         `json:"subscriptionId"`
	ResourceID    string         `json:"resourceId"`
	ResourceGroup string         `json:"resourceGroup"`
	ResourceType  string         `json:"resourceType"`
	Timestamp     string         `json:"eventTimestamp"`
	Kind          Classification `json:"kind"`
}

// HasResourceID reports whether the provider supplied an identifier
func (r ChangeRecord) HasResourceID() bool {
	return r.ResourceID != ""
}

// GroupKey returns the aggregation key of the record
func (r ChangeRecord) GroupKey() GroupKey {
	return GroupKey{Scope: r.Scope, ResourceType: r.ResourceType}
}

// Compare orders records by scope, type, group, id, timestamp and kind
func (r ChangeRecord) Compare(o ChangeRecord) int {
	return cmp.Or(
		cmp.Compare(r.Scope, o.Scope),
		cmp.Compare(r.ResourceType, o.ResourceType),
		cmp.Compare(r.ResourceGroup, o.ResourceGroup),
		cmp.Compare(r.ResourceID, o.ResourceID),
		cmp.Compare(r.Timestamp, o.Timestamp),
		cmp.Compare(r.Kind, o.Kind),
	)
}

func (r ChangeRecord) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// GroupKey is the (scope, resource type) pair rows are aggregated on
type GroupKey struct {
	Scope        string
	ResourceType string
}

// Less orders keys by scope then resource type
func (k GroupKey) Less(o GroupKey) bool {
	if k.Scope != o.Scope {
		return k.Scope < o.Scope
	}
	return k.ResourceType < o.ResourceType
}
