package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// lookupPageSize is the largest page LookupEvents returns
const lookupPageSize = 50

// statusUnknown marks an event whose CloudTrail document could not be
// decoded. It is not "Succeeded", so the event classifies as ignored.
const statusUnknown = "Unknown"

// ClassifierRules extend the default operation rules with the EC2 verbs
// CloudTrail uses for instance launch and termination. The defaults come
// first so delete keeps precedence over every added rule.
var ClassifierRules = slices.Concat(classifier.DefaultRules, []classifier.Rule{
	{Name: "terminate", Kind: types.Deletion, Match: classifier.Contains("terminate")},
	{Name: "run-instances", Kind: types.Creation, Match: classifier.Contains("runinstances")},
})

// CloudTrailClientFactory builds a LookupEvents client for one region
type CloudTrailClientFactory func(cfg aws.Config, region string) cloudtrail.LookupEventsAPIClient

// CloudTrailProvider reads write-management events from CloudTrail
type CloudTrailProvider struct {
	newClient CloudTrailClientFactory
	logger    *telemetry.Logger
}

// NewCloudTrailProvider creates the CloudTrail change-log provider
func NewCloudTrailProvider(newClient CloudTrailClientFactory) *CloudTrailProvider {
	if newClient == nil {
		newClient = func(cfg aws.Config, region string) cloudtrail.LookupEventsAPIClient {
			return cloudtrail.NewFromConfig(cfg, func(o *cloudtrail.Options) {
				if region != "" {
					o.Region = region
				}
			})
		}
	}
	return &CloudTrailProvider{
		newClient: newClient,
		logger:    telemetry.NewLogger("provider.aws"),
	}
}

// Name returns the provider name
func (p *CloudTrailProvider) Name() string {
	return "aws"
}

// Events pages through the CloudTrail event history of scope within window
func (p *CloudTrailProvider) Events(cred changelog.Credential, scope types.AccountScope, window types.TimeWindow) changelog.Pager {
	cfg, ok := cred.(aws.Config)
	if !ok {
		return changelog.FailedPager(fmt.Errorf("%w: expected aws.Config, got %T", changelog.ErrAuthentication, cred))
	}

	region := scope.Region
	if region == "" {
		region = cfg.Region
	}

	// LookupEvents treats EndTime as inclusive; the pager trims it.
	input := &cloudtrail.LookupEventsInput{
		StartTime: aws.Time(window.Start),
		EndTime:   aws.Time(window.End),
		LookupAttributes: []cttypes.LookupAttribute{{
			AttributeKey:   cttypes.LookupAttributeKeyReadOnly,
			AttributeValue: aws.String("false"),
		}},
		MaxResults: aws.Int32(lookupPageSize),
	}

	return &cloudTrailPager{
		paginator: cloudtrail.NewLookupEventsPaginator(p.newClient(cfg, region), input),
		region:    region,
		window:    window,
		logger:    p.logger,
	}
}

// cloudTrailPager wraps the SDK paginator, which only advances its token
// after a successful call.
type cloudTrailPager struct {
	paginator *cloudtrail.LookupEventsPaginator
	region    string
	window    types.TimeWindow
	logger    *telemetry.Logger
}

func (p *cloudTrailPager) More() bool {
	return p.paginator.HasMorePages()
}

func (p *cloudTrailPager) NextPage(ctx context.Context) ([]types.RawEvent, error) {
	output, err := p.paginator.NextPage(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	events := make([]types.RawEvent, 0, len(output.Events))
	for _, event := range output.Events {
		if event.EventTime != nil && !p.window.Contains(*event.EventTime) {
			continue
		}
		raw := convertEvent(event, p.region)
		if status, _ := raw.Text("status", "value"); status == statusUnknown {
			p.logger.WithContext(ctx).Debug().
				Str("event_id", aws.ToString(event.EventId)).
				Str("event_name", aws.ToString(event.EventName)).
				Msg("undecodable CloudTrail document, event ignored")
		}
		events = append(events, raw)
	}
	return events, nil
}

// cloudTrailRecord is the subset of the raw CloudTrail JSON document read
type cloudTrailRecord struct {
	ErrorCode    string `json:"errorCode"`
	AWSRegion    string `json:"awsRegion"`
	EventSource  string `json:"eventSource"`
	ErrorMessage string `json:"errorMessage"`
}

// convertEvent maps a CloudTrail event onto the field layout the classifier
// and normalizer read. The region stands in for the resource group.
func convertEvent(event cttypes.Event, region string) types.RawEvent {
	var record cloudTrailRecord
	status := "Succeeded"
	if raw := aws.ToString(event.CloudTrailEvent); raw != "" {
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			status = statusUnknown
		}
	}
	if record.ErrorCode != "" {
		status = "Failed"
	}
	if record.AWSRegion != "" {
		region = record.AWSRegion
	}

	operation := aws.ToString(event.EventName)
	source := record.EventSource
	if source == "" {
		source = aws.ToString(event.EventSource)
	}
	if source != "" {
		operation = source + "/" + operation
	}

	fields := map[string]any{
		"eventId":       aws.ToString(event.EventId),
		"operationName": map[string]any{"value": operation},
		"status":        map[string]any{"value": status},
		"caller":        aws.ToString(event.Username),
	}
	if region != "" {
		fields["resourceGroupName"] = region
	}
	if event.EventTime != nil {
		fields["eventTimestamp"] = event.EventTime.UTC().Format(time.RFC3339Nano)
	}
	if resource, ok := primaryResource(event.Resources); ok {
		if name := aws.ToString(resource.ResourceName); name != "" {
			fields["resourceId"] = name
		}
		if rtype := aws.ToString(resource.ResourceType); rtype != "" {
			fields["resourceType"] = map[string]any{"value": rtype}
		}
	}
	if record.ErrorCode != "" {
		fields["errorCode"] = record.ErrorCode
	}

	return types.NewRawEvent(fields)
}

// primaryResource picks the resource an event acts on. CloudTrail lists
// referenced resources too; typed AWS:: entries are preferred.
func primaryResource(resources []cttypes.Resource) (cttypes.Resource, bool) {
	if len(resources) == 0 {
		return cttypes.Resource{}, false
	}
	for _, r := range resources {
		if strings.HasPrefix(aws.ToString(r.ResourceType), "AWS::") && aws.ToString(r.ResourceName) != "" {
			return r, true
		}
	}
	return resources[0], true
}
