package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	cttypes "github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/classifier"
	"github.com/yairfalse/churn/normalizer"
	"github.com/yairfalse/churn/providers"
	"github.com/yairfalse/churn/types"
)

var windowEnd = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testWindow() types.TimeWindow {
	return types.TimeWindow{Start: windowEnd.AddDate(0, 0, -30), End: windowEnd}
}

func testConfig() aws.Config {
	return aws.Config{
		Region: "eu-west-1",
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret", Source: "test"}, nil
		}),
	}
}

// fakeLookup serves pages keyed by the request's NextToken
type fakeLookup struct {
	pages    map[string]*cloudtrail.LookupEventsOutput
	failures []error
	inputs   []cloudtrail.LookupEventsInput
}

func (f *fakeLookup) LookupEvents(_ context.Context, params *cloudtrail.LookupEventsInput, _ ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	f.inputs = append(f.inputs, *params)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return f.pages[aws.ToString(params.NextToken)], nil
}

func event(name, resourceType, resourceID, errorCode string, at time.Time) cttypes.Event {
	doc := `{"eventSource":"ec2.amazonaws.com","awsRegion":"eu-west-1"}`
	if errorCode != "" {
		doc = `{"eventSource":"ec2.amazonaws.com","awsRegion":"eu-west-1","errorCode":"` + errorCode + `"}`
	}
	return cttypes.Event{
		EventId:         aws.String("evt-" + name + "-" + resourceID),
		EventName:       aws.String(name),
		EventSource:     aws.String("ec2.amazonaws.com"),
		EventTime:       aws.Time(at),
		Username:        aws.String("alice"),
		CloudTrailEvent: aws.String(doc),
		Resources: []cttypes.Resource{
			{ResourceType: aws.String(resourceType), ResourceName: aws.String(resourceID)},
		},
	}
}

func newTestProvider(client *fakeLookup) *CloudTrailProvider {
	return NewCloudTrailProvider(func(aws.Config, string) cloudtrail.LookupEventsAPIClient {
		return client
	})
}

func TestCloudTrailProvider_Pagination(t *testing.T) {
	at := windowEnd.Add(-time.Hour)
	client := &fakeLookup{pages: map[string]*cloudtrail.LookupEventsOutput{
		"": {
			Events:    []cttypes.Event{event("RunInstances", TypeEC2Instance, "i-1", "", at)},
			NextToken: aws.String("page-2"),
		},
		"page-2": {
			Events: []cttypes.Event{event("TerminateInstances", TypeEC2Instance, "i-2", "", at)},
		},
	}}

	pager := newTestProvider(client).Events(testConfig(), ScopeFor("123456789012", "eu-west-1"), testWindow())

	var ids []string
	for pager.More() {
		events, err := pager.NextPage(context.Background())
		require.NoError(t, err)
		for _, e := range events {
			id, _ := e.Text("resourceId")
			ids = append(ids, id)
		}
	}

	assert.Equal(t, []string{"i-1", "i-2"}, ids)
	require.Len(t, client.inputs, 2)
	first := client.inputs[0]
	assert.Equal(t, testWindow().Start, aws.ToTime(first.StartTime))
	assert.Equal(t, testWindow().End, aws.ToTime(first.EndTime))
	require.Len(t, first.LookupAttributes, 1)
	assert.Equal(t, cttypes.LookupAttributeKeyReadOnly, first.LookupAttributes[0].AttributeKey)
	assert.Equal(t, "false", aws.ToString(first.LookupAttributes[0].AttributeValue))
}

func TestCloudTrailProvider_TrimsWindowEnd(t *testing.T) {
	client := &fakeLookup{pages: map[string]*cloudtrail.LookupEventsOutput{
		"": {Events: []cttypes.Event{
			event("RunInstances", TypeEC2Instance, "i-start", "", testWindow().Start),
			event("RunInstances", TypeEC2Instance, "i-end", "", testWindow().End),
		}},
	}}

	events, err := newTestProvider(client).Events(testConfig(), ScopeFor("1", "eu-west-1"), testWindow()).
		NextPage(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 1)
	id, _ := events[0].Text("resourceId")
	assert.Equal(t, "i-start", id)
}

func TestCloudTrailProvider_RetrySafe(t *testing.T) {
	at := windowEnd.Add(-time.Hour)
	client := &fakeLookup{
		pages: map[string]*cloudtrail.LookupEventsOutput{
			"": {Events: []cttypes.Event{event("RunInstances", TypeEC2Instance, "i-1", "", at)}},
		},
		failures: []error{&smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}},
	}
	pager := newTestProvider(client).Events(testConfig(), ScopeFor("1", "eu-west-1"), testWindow())

	_, err := pager.NextPage(context.Background())
	assert.ErrorIs(t, err, changelog.ErrThrottled)
	assert.True(t, pager.More())

	events, err := pager.NextPage(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.False(t, pager.More())
	assert.Nil(t, client.inputs[1].NextToken, "the retried request is the first page again")
}

func TestCloudTrailProvider_ThroughFetcher(t *testing.T) {
	at := windowEnd.Add(-time.Hour)
	client := &fakeLookup{
		pages: map[string]*cloudtrail.LookupEventsOutput{
			"": {Events: []cttypes.Event{
				event("RunInstances", TypeEC2Instance, "i-1", "", at),
				event("CreateVolume", TypeEC2Volume, "vol-1", "", at),
			}},
		},
		failures: []error{errors.New("connection reset")},
	}
	fetcher := changelog.NewFetcher(newTestProvider(client), testConfig(), changelog.FetcherConfig{
		Retry: changelog.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})

	var n int
	for _, err := range fetcher.Fetch(context.Background(), ScopeFor("1", "eu-west-1"), testWindow()) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
	assert.Len(t, client.inputs, 2)
}

func TestCloudTrailProvider_ForeignCredential(t *testing.T) {
	_, err := NewCloudTrailProvider(nil).Events("not-a-config", ScopeFor("1", "eu-west-1"), testWindow()).
		NextPage(context.Background())

	assert.ErrorIs(t, err, changelog.ErrAuthentication)
}

func TestConvertEvent_ClassifyAndNormalize(t *testing.T) {
	at := windowEnd.Add(-time.Hour)
	c := classifier.New(ClassifierRules...)

	tests := []struct {
		name string
		in   cttypes.Event
		kind types.Classification
	}{
		{"run instances", event("RunInstances", TypeEC2Instance, "i-1", "", at), types.Creation},
		{"terminate", event("TerminateInstances", TypeEC2Instance, "i-1", "", at), types.Deletion},
		{"create volume", event("CreateVolume", TypeEC2Volume, "vol-1", "", at), types.Creation},
		{"delete volume", event("DeleteVolume", TypeEC2Volume, "vol-1", "", at), types.Deletion},
		{"create tags", event("CreateTags", TypeEC2Instance, "i-1", "", at), types.Creation},
		{"delete tags", event("DeleteTags", TypeEC2Instance, "i-1", "", at), types.Deletion},
		{"failed call", event("RunInstances", TypeEC2Instance, "i-1", "UnauthorizedOperation", at), types.Ignored},
		{"modify", event("ModifyInstanceAttribute", TypeEC2Instance, "i-1", "", at), types.Ignored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := convertEvent(tt.in, "us-east-1")
			assert.Equal(t, tt.kind, c.Classify(raw))
		})
	}

	raw := convertEvent(event("RunInstances", TypeEC2Instance, "i-1", "", at), "us-east-1")
	record, warning := normalizer.Normalize("1/eu-west-1", raw, types.Creation)
	assert.Nil(t, warning)
	assert.Equal(t, types.ChangeRecord{
		Scope:         "1/eu-west-1",
		ResourceID:    "i-1",
		ResourceGroup: "eu-west-1",
		ResourceType:  TypeEC2Instance,
		Timestamp:     at.Format(time.RFC3339Nano),
		Kind:          types.Creation,
	}, record)
}

func TestClassifierRules_DeletionTakesPrecedence(t *testing.T) {
	c := classifier.New(ClassifierRules...)
	assert.Equal(t, "delete", c.Rules()[0].Name)

	for _, op := range []string{"DeleteTags", "DeleteVolume", "CreateOrDeleteSnapshot"} {
		raw := convertEvent(event(op, TypeEC2Instance, "i-1", "", windowEnd), "us-east-1")
		assert.Equal(t, types.Deletion, c.Classify(raw), op)
		assert.Equal(t, classifier.Classify(raw), c.Classify(raw), op)
	}
}

func TestConvertEvent_UndecodableDocumentIsIgnored(t *testing.T) {
	in := event("RunInstances", TypeEC2Instance, "i-1", "", windowEnd)
	in.CloudTrailEvent = aws.String(`{"eventSource":`)

	raw := convertEvent(in, "us-east-1")

	status, _ := raw.Text("status", "value")
	assert.Equal(t, statusUnknown, status)
	assert.Equal(t, types.Ignored, classifier.New(ClassifierRules...).Classify(raw))
	op, _ := raw.Text("operationName", "value")
	assert.Equal(t, "ec2.amazonaws.com/RunInstances", op, "falls back to the event's own source")
}

func TestConvertEvent_WithoutResources(t *testing.T) {
	raw := convertEvent(cttypes.Event{
		EventName:   aws.String("CreateSecurityGroup"),
		EventSource: aws.String("ec2.amazonaws.com"),
	}, "us-east-1")

	op, _ := raw.Text("operationName", "value")
	assert.Equal(t, "ec2.amazonaws.com/CreateSecurityGroup", op)
	status, _ := raw.Text("status", "value")
	assert.Equal(t, "Succeeded", status)
	group, _ := raw.Text("resourceGroupName")
	assert.Equal(t, "us-east-1", group)
	_, ok := raw.Lookup("resourceId")
	assert.False(t, ok)
}

func TestPrimaryResource_PrefersTypedEntries(t *testing.T) {
	r, ok := primaryResource([]cttypes.Resource{
		{ResourceName: aws.String("ami-123")},
		{ResourceType: aws.String(TypeEC2Instance), ResourceName: aws.String("i-1")},
	})
	require.True(t, ok)
	assert.Equal(t, "i-1", aws.ToString(r.ResourceName))

	_, ok = primaryResource(nil)
	assert.False(t, ok)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, changelog.ErrThrottled},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, changelog.ErrAuthentication},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredToken"}, changelog.ErrAuthentication},
		{"bad time range", &smithy.GenericAPIError{Code: "InvalidTimeRangeException"}, changelog.ErrRejected},
		{"opt-in region", &smithy.GenericAPIError{Code: "OptInRequired"}, changelog.ErrScopeNotFound},
		{"other client fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultClient}, changelog.ErrRejected},
		{"server fault", &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}, changelog.ErrTransient},
		{"network", errors.New("dial tcp: timeout"), changelog.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyError(tt.err), tt.want)
		})
	}

	assert.NoError(t, classifyError(nil))
	assert.Equal(t, context.Canceled, classifyError(context.Canceled))
}

type fakeSTS struct {
	account string
	err     error
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestAccountEnumerator_Scopes(t *testing.T) {
	enum := NewAccountEnumerator(StaticCredentialProvider(testConfig()), []string{"eu-west-1", "us-east-1"})
	enum.newClient = func(aws.Config) CallerIdentityAPI { return &fakeSTS{account: "123456789012"} }

	scopes, err := enum.Scopes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.AccountScope{
		{ID: "123456789012/eu-west-1", DisplayName: "123456789012", Region: "eu-west-1"},
		{ID: "123456789012/us-east-1", DisplayName: "123456789012", Region: "us-east-1"},
	}, scopes)
}

func TestAccountEnumerator_DefaultRegion(t *testing.T) {
	enum := NewAccountEnumerator(StaticCredentialProvider(testConfig()), nil)
	enum.newClient = func(aws.Config) CallerIdentityAPI { return &fakeSTS{account: "1"} }

	scopes, err := enum.Scopes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.AccountScope{ScopeFor("1", "eu-west-1")}, scopes)
}

func TestAccountEnumerator_AccessDenied(t *testing.T) {
	enum := NewAccountEnumerator(StaticCredentialProvider(testConfig()), nil)
	enum.newClient = func(aws.Config) CallerIdentityAPI {
		return &fakeSTS{err: &smithy.GenericAPIError{Code: "AccessDenied"}}
	}

	_, err := enum.Scopes(context.Background())
	assert.ErrorIs(t, err, changelog.ErrAuthentication)
}

func TestCredentialProvider(t *testing.T) {
	var loads int
	p := &CredentialProvider{load: func(context.Context) (aws.Config, error) {
		loads++
		return testConfig(), nil
	}}

	cred, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.IsType(t, aws.Config{}, cred)

	_, err = p.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
}

func TestCredentialProvider_RetrieveFailure(t *testing.T) {
	cfg := aws.Config{Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, errors.New("no credentials in chain")
	})}

	_, err := StaticCredentialProvider(cfg).Credential(context.Background())
	assert.ErrorIs(t, err, changelog.ErrAuthentication)

	_, err = StaticCredentialProvider(aws.Config{}).Credential(context.Background())
	assert.ErrorIs(t, err, changelog.ErrAuthentication)
}

type fakeEC2 struct {
	instances []ec2types.Instance
	volumes   []ec2types.Volume
}

func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: f.instances}}}, nil
}

func (f *fakeEC2) DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{Volumes: f.volumes}, nil
}

type fakeRDS struct {
	instances []rdstypes.DBInstance
	err       error
}

func (f *fakeRDS) DescribeDBInstances(context.Context, *rds.DescribeDBInstancesInput, ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: f.instances}, nil
}

func TestInventoryClient_ListInventory(t *testing.T) {
	client := &InventoryClient{
		newEC2: func(aws.Config, string) EC2API {
			return &fakeEC2{
				instances: []ec2types.Instance{
					{
						InstanceId: aws.String("i-1"),
						State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
						Placement:  &ec2types.Placement{AvailabilityZone: aws.String("eu-west-1a")},
						Tags:       []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("web")}},
					},
					{
						InstanceId: aws.String("i-gone"),
						State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
					},
				},
				volumes: []ec2types.Volume{{VolumeId: aws.String("vol-1"), AvailabilityZone: aws.String("eu-west-1b")}},
			}
		},
		newRDS: func(aws.Config, string) rds.DescribeDBInstancesAPIClient {
			return &fakeRDS{instances: []rdstypes.DBInstance{{DBInstanceIdentifier: aws.String("orders")}}}
		},
	}

	items, err := client.ListInventory(context.Background(), testConfig(), ScopeFor("123", "eu-west-1"))
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, types.InventoryItem{
		ID:             "i-1",
		Name:           "web",
		Type:           TypeEC2Instance,
		ResourceGroup:  "eu-west-1",
		SubscriptionID: "123/eu-west-1",
		Location:       "eu-west-1a",
		Tags:           map[string]string{"Name": "web"},
	}, items[0])
	assert.Equal(t, "vol-1", items[1].ID)
	assert.Equal(t, TypeEC2Volume, items[1].Type)
	assert.Equal(t, "orders", items[2].ID)
	assert.Equal(t, TypeRDSDBInstance, items[2].Type)
}

func TestInventoryClient_RDSFailure(t *testing.T) {
	client := &InventoryClient{
		newEC2: func(aws.Config, string) EC2API { return &fakeEC2{} },
		newRDS: func(aws.Config, string) rds.DescribeDBInstancesAPIClient {
			return &fakeRDS{err: &smithy.GenericAPIError{Code: "AccessDenied"}}
		},
	}

	_, err := client.ListInventory(context.Background(), testConfig(), ScopeFor("123", "eu-west-1"))
	assert.ErrorIs(t, err, changelog.ErrAuthentication)
}

func TestProviderFactory(t *testing.T) {
	bundle, err := providers.GetProvider(context.Background(), "aws", providers.Config{
		Profile: "audit",
		Regions: []string{"eu-west-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "aws", bundle.Provider.Name())
	assert.NotNil(t, bundle.Credentials)
	assert.NotNil(t, bundle.Scopes)
	assert.NotNil(t, bundle.Inventory)
	assert.NotEmpty(t, bundle.Rules)
}
