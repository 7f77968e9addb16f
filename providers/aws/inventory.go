package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/churn/changelog"
	"github.com/yairfalse/churn/types"
)

// Resource types, spelled the way CloudTrail reports them
const (
	TypeEC2Instance   = "AWS::EC2::Instance"
	TypeEC2Volume     = "AWS::EC2::Volume"
	TypeRDSDBInstance = "AWS::RDS::DBInstance"
)

// EC2API is the subset of the EC2 client the inventory uses
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeVolumesAPIClient
}

// InventoryClient snapshots EC2 instances, EBS volumes and RDS instances
type InventoryClient struct {
	newEC2 func(cfg aws.Config, region string) EC2API
	newRDS func(cfg aws.Config, region string) rds.DescribeDBInstancesAPIClient
}

// NewInventoryClient creates an inventory client backed by the SDK
func NewInventoryClient() *InventoryClient {
	return &InventoryClient{
		newEC2: func(cfg aws.Config, region string) EC2API {
			return ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region })
		},
		newRDS: func(cfg aws.Config, region string) rds.DescribeDBInstancesAPIClient {
			return rds.NewFromConfig(cfg, func(o *rds.Options) { o.Region = region })
		},
	}
}

// ListInventory lists the supported resources of one account region
func (c *InventoryClient) ListInventory(ctx context.Context, cred changelog.Credential, scope types.AccountScope) ([]types.InventoryItem, error) {
	cfg, ok := cred.(aws.Config)
	if !ok {
		return nil, fmt.Errorf("%w: expected aws.Config, got %T", changelog.ErrAuthentication, cred)
	}
	region := scope.Region
	if region == "" {
		region = cfg.Region
	}

	ec2Client := c.newEC2(cfg, region)

	instances, err := listInstances(ctx, ec2Client, scope, region)
	if err != nil {
		return nil, err
	}
	volumes, err := listVolumes(ctx, ec2Client, scope, region)
	if err != nil {
		return nil, err
	}
	databases, err := listDBInstances(ctx, c.newRDS(cfg, region), scope, region)
	if err != nil {
		return nil, err
	}

	items := make([]types.InventoryItem, 0, len(instances)+len(volumes)+len(databases))
	items = append(items, instances...)
	items = append(items, volumes...)
	return append(items, databases...), nil
}

func listInstances(ctx context.Context, client ec2.DescribeInstancesAPIClient, scope types.AccountScope, region string) ([]types.InventoryItem, error) {
	var items []types.InventoryItem
	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances in %s: %w", scope, classifyError(err))
		}
		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				if instance.State != nil && instance.State.Name == ec2types.InstanceStateNameTerminated {
					continue
				}
				items = append(items, buildInstanceItem(instance, scope, region))
			}
		}
	}
	return items, nil
}

func buildInstanceItem(instance ec2types.Instance, scope types.AccountScope, region string) types.InventoryItem {
	tags := convertEC2Tags(instance.Tags)
	location := region
	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		location = aws.ToString(instance.Placement.AvailabilityZone)
	}
	return types.InventoryItem{
		ID:             aws.ToString(instance.InstanceId),
		Name:           tags["Name"],
		Type:           TypeEC2Instance,
		ResourceGroup:  region,
		SubscriptionID: scope.ID,
		Location:       location,
		Tags:           tags,
	}
}

func listVolumes(ctx context.Context, client ec2.DescribeVolumesAPIClient, scope types.AccountScope, region string) ([]types.InventoryItem, error) {
	var items []types.InventoryItem
	paginator := ec2.NewDescribeVolumesPaginator(client, &ec2.DescribeVolumesInput{})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe volumes in %s: %w", scope, classifyError(err))
		}
		for _, volume := range output.Volumes {
			tags := convertEC2Tags(volume.Tags)
			items = append(items, types.InventoryItem{
				ID:             aws.ToString(volume.VolumeId),
				Name:           tags["Name"],
				Type:           TypeEC2Volume,
				ResourceGroup:  region,
				SubscriptionID: scope.ID,
				Location:       aws.ToString(volume.AvailabilityZone),
				Tags:           tags,
			})
		}
	}
	return items, nil
}

func listDBInstances(ctx context.Context, client rds.DescribeDBInstancesAPIClient, scope types.AccountScope, region string) ([]types.InventoryItem, error) {
	var items []types.InventoryItem
	paginator := rds.NewDescribeDBInstancesPaginator(client, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe RDS instances in %s: %w", scope, classifyError(err))
		}
		for _, instance := range output.DBInstances {
			items = append(items, types.InventoryItem{
				ID:             aws.ToString(instance.DBInstanceIdentifier),
				Name:           aws.ToString(instance.DBInstanceIdentifier),
				Type:           TypeRDSDBInstance,
				ResourceGroup:  region,
				SubscriptionID: scope.ID,
				Location:       aws.ToString(instance.AvailabilityZone),
				Tags:           convertRDSTags(instance.TagList),
			})
		}
	}
	return items, nil
}

func convertEC2Tags(tags []ec2types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		result[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return result
}

func convertRDSTags(tags []rdstypes.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		result[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return result
}
