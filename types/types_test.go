package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWindows(t *testing.T) {
	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

	current, previous, err := NewWindows(now, 30)
	require.NoError(t, err)

	assert.Equal(t, now, current.End)
	assert.Equal(t, now.Add(-30*24*time.Hour), current.Start)
	assert.Equal(t, current.Start, previous.End, "windows must be contiguous")
	assert.Equal(t, now.Add(-60*24*time.Hour), previous.Start)
	assert.NoError(t, current.Validate())
	assert.NoError(t, previous.Validate())
}

func TestNewWindows_RejectsNonPositiveDays(t *testing.T) {
	for _, days := range []int{0, -1} {
		_, _, err := NewWindows(time.Now(), days)
		assert.Error(t, err)
	}
}

func TestTimeWindow_HalfOpen(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: start, End: start.Add(time.Hour)}

	assert.True(t, w.Contains(start))
	assert.True(t, w.Contains(start.Add(59*time.Minute)))
	assert.False(t, w.Contains(start.Add(time.Hour)))
	assert.False(t, w.Contains(start.Add(-time.Nanosecond)))
}

func TestTimeWindow_Validate(t *testing.T) {
	now := time.Now()
	err := TimeWindow{Start: now, End: now}.Validate()
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestRawEvent_Text(t *testing.T) {
	ev := NewRawEvent(map[string]any{
		"status":        map[string]any{"value": "Succeeded"},
		"operationName": "Microsoft.Compute/virtualMachines/write",
		"resourceType":  "not-an-object",
		"empty":         "",
		"count":         3,
	})

	v, ok := ev.Text("status", "value")
	assert.True(t, ok)
	assert.Equal(t, "Succeeded", v)

	_, ok = ev.Text("status")
	assert.False(t, ok, "objects are not text")

	_, ok = ev.Text("resourceType", "value")
	assert.False(t, ok, "scalar where object expected")

	_, ok = ev.Text("empty")
	assert.False(t, ok)

	v, ok = ev.Text("count")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestFieldCandidates_First(t *testing.T) {
	candidates := FieldCandidates{{"resource_id"}, {"resourceUri"}, {"resourceId"}}

	ev := NewRawEvent(map[string]any{
		"resource_id": "",
		"resourceUri": "/subscriptions/s1/vm1",
		"resourceId":  "/subscriptions/s1/other",
	})
	v, ok := candidates.First(ev)
	assert.True(t, ok)
	assert.Equal(t, "/subscriptions/s1/vm1", v)

	_, ok = candidates.First(NewRawEvent(nil))
	assert.False(t, ok)
}

func TestClassification_JSON(t *testing.T) {
	rec := ChangeRecord{Scope: "s1", ResourceType: "VM", Kind: Deletion}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"deletion"`)

	var back ChangeRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec, back)
}

func TestGroupKey_Less(t *testing.T) {
	a := GroupKey{Scope: "s1", ResourceType: "b"}
	b := GroupKey{Scope: "s1", ResourceType: "c"}
	c := GroupKey{Scope: "s2", ResourceType: "a"}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
}
