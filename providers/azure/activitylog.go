package azure

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/normalizer"
	"github.com/yairfalse/churn/types"
)

// ActivityLogAPIVersion is the Microsoft.Insights event API version queried
const ActivityLogAPIVersion = "2015-04-01"

// ActivityLogProvider reads management events of a subscription
type ActivityLogProvider struct {
	clients *clientCache
}

// NewActivityLogProvider creates the Activity Log change-log provider
func NewActivityLogProvider(opts Options) *ActivityLogProvider {
	return &ActivityLogProvider{clients: newClientCache(opts)}
}

// Name returns the provider name
func (p *ActivityLogProvider) Name() string {
	return "azure"
}

// Events pages through the Activity Log of scope within window
func (p *ActivityLogProvider) Events(cred changelog.Credential, scope types.AccountScope, window types.TimeWindow) changelog.Pager {
	client, err := p.clients.get(cred)
	if err != nil {
		return changelog.FailedPager(err)
	}

	return &activityLogPager{
		client: client,
		first: runtime.JoinPaths(client.Endpoint(),
			"/subscriptions/"+url.PathEscape(scope.ID)+"/providers/Microsoft.Insights/eventtypes/management/values"),
		query: map[string]string{
			"api-version": ActivityLogAPIVersion,
			"$filter":     activityLogFilter(window),
		},
		window: window,
	}
}

// activityLogFilter renders the server-side time filter. Its bounds are
// inclusive; the pager trims events at End client-side.
func activityLogFilter(window types.TimeWindow) string {
	return fmt.Sprintf("eventTimestamp ge '%s' and eventTimestamp le '%s'",
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))
}

type eventDataCollection struct {
	Value    []map[string]any `json:"value"`
	NextLink *string          `json:"nextLink"`
}

// activityLogPager follows nextLink. State only advances after a page has
// been read successfully, so a failed NextPage can be retried.
type activityLogPager struct {
	client  *arm.Client
	first   string
	query   map[string]string
	window  types.TimeWindow
	next    string
	started bool
	done    bool
}

func (p *activityLogPager) More() bool {
	return !p.done
}

func (p *activityLogPager) NextPage(ctx context.Context) ([]types.RawEvent, error) {
	if p.done {
		return nil, fmt.Errorf("%w: no more pages", changelog.ErrRejected)
	}

	link, query := p.first, p.query
	if p.started {
		link, query = p.next, nil
	}

	var page eventDataCollection
	if err := getJSON(ctx, p.client, link, query, &page); err != nil {
		return nil, err
	}

	p.started = true
	p.next = ""
	if page.NextLink != nil {
		p.next = *page.NextLink
	}
	p.done = p.next == ""

	events := make([]types.RawEvent, 0, len(page.Value))
	for _, fields := range page.Value {
		e := types.NewRawEvent(fields)
		if !p.inWindow(e) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// inWindow keeps events whose timestamp cannot be parsed
func (p *activityLogPager) inWindow(e types.RawEvent) bool {
	raw, ok := normalizer.TimestampFields.First(e)
	if !ok {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return true
	}
	return p.window.Contains(ts)
}
