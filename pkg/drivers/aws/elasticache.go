package aws

import (
	"context"
	"strconv"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/elasticache/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/drivers"
)

// ElastiCacheAPI is the subset of the ElastiCache client the cache driver uses.
type ElastiCacheAPI interface {
	DescribeReplicationGroups(ctx context.Context, in *elasticache.DescribeReplicationGroupsInput, optFns ...func(*elasticache.Options)) (*elasticache.DescribeReplicationGroupsOutput, error)
	CreateSnapshot(ctx context.Context, in *elasticache.CreateSnapshotInput, optFns ...func(*elasticache.Options)) (*elasticache.CreateSnapshotOutput, error)
	DeleteReplicationGroup(ctx context.Context, in *elasticache.DeleteReplicationGroupInput, optFns ...func(*elasticache.Options)) (*elasticache.DeleteReplicationGroupOutput, error)
	CreateReplicationGroup(ctx context.Context, in *elasticache.CreateReplicationGroupInput, optFns ...func(*elasticache.Options)) (*elasticache.CreateReplicationGroupOutput, error)
}

// CacheDriver deletes and recreates ElastiCache replication groups. The
// group id is reused on recreate so clients keep their configuration.
type CacheDriver struct {
	client ElastiCacheAPI
	logger zerolog.Logger
}

// NewCacheDriver creates a cache driver.
func NewCacheDriver(client ElastiCacheAPI, logger zerolog.Logger) *CacheDriver {
	return &CacheDriver{
		client: client,
		logger: logger.With().Str("driver", string(drivers.CacheCluster)).Logger(),
	}
}

// Type implements drivers.Driver.
func (d *CacheDriver) Type() drivers.ResourceType { return drivers.CacheCluster }

func cacheStatus(raw string) (drivers.Status, bool) {
	switch raw {
	case "available":
		return drivers.StatusAvailable, false
	case "creating":
		return drivers.StatusCreating, false
	case "deleting":
		return drivers.StatusDeleting, false
	case "modifying", "snapshotting":
		return drivers.StatusAvailable, true
	}
	return drivers.StatusUnknown, false
}

// Describe implements drivers.Driver. A missing group is reported as absent.
func (d *CacheDriver) Describe(ctx context.Context, ref drivers.Ref) (*drivers.Description, error) {
	out, err := d.client.DescribeReplicationGroups(ctx, &elasticache.DescribeReplicationGroupsInput{
		ReplicationGroupId: sdkaws.String(ref.ID),
	})
	if err != nil {
		if isNotFound(err) {
			return &drivers.Description{Status: drivers.StatusAbsent}, nil
		}
		return nil, classify(err, ref, "describe")
	}
	if len(out.ReplicationGroups) == 0 {
		return &drivers.Description{Status: drivers.StatusAbsent}, nil
	}

	group := out.ReplicationGroups[0]
	raw := sdkaws.ToString(group.Status)
	status, busy := cacheStatus(raw)
	return &drivers.Description{
		Status:         status,
		ProviderStatus: raw,
		ProviderID:     sdkaws.ToString(group.ARN),
		Busy:           busy,
		Endpoint:       cacheEndpoint(group),
	}, nil
}

func cacheEndpoint(group types.ReplicationGroup) string {
	if group.ConfigurationEndpoint != nil {
		return sdkaws.ToString(group.ConfigurationEndpoint.Address)
	}
	for _, ng := range group.NodeGroups {
		if ng.PrimaryEndpoint != nil {
			return sdkaws.ToString(ng.PrimaryEndpoint.Address)
		}
	}
	return ""
}

// Snapshot implements drivers.Snapshotter.
func (d *CacheDriver) Snapshot(ctx context.Context, ref drivers.Ref, name string) error {
	_, err := d.client.CreateSnapshot(ctx, &elasticache.CreateSnapshotInput{
		ReplicationGroupId: sdkaws.String(ref.ID),
		SnapshotName:       sdkaws.String(name),
	})
	if err != nil {
		return classify(err, ref, "snapshot")
	}
	d.logger.Info().Str("group", ref.ID).Str("snapshot", name).Msg("Snapshot requested")
	return nil
}

// Stop implements drivers.Driver by deleting the replication group.
func (d *CacheDriver) Stop(ctx context.Context, ref drivers.Ref) error {
	_, err := d.client.DeleteReplicationGroup(ctx, &elasticache.DeleteReplicationGroupInput{
		ReplicationGroupId:   sdkaws.String(ref.ID),
		RetainPrimaryCluster: sdkaws.Bool(false),
	})
	if err != nil {
		return classify(err, ref, "stop")
	}
	d.logger.Info().Str("group", ref.ID).Msg("Delete requested")
	return nil
}

// Start implements drivers.Driver by recreating the replication group,
// seeded from opts.SnapshotName when set.
func (d *CacheDriver) Start(ctx context.Context, ref drivers.Ref, opts drivers.StartOptions) (*drivers.Endpoint, error) {
	in := &elasticache.CreateReplicationGroupInput{
		ReplicationGroupId:          sdkaws.String(ref.ID),
		ReplicationGroupDescription: sdkaws.String("idler restore of " + ref.ID),
		SecurityGroupIds:            ref.AttrList(drivers.AttrSecurityGroupIDs),
		Tags: []types.Tag{
			{Key: sdkaws.String("idler:stage"), Value: sdkaws.String(ref.Stage)},
		},
	}
	if v := ref.Attr(drivers.AttrNodeType); v != "" {
		in.CacheNodeType = sdkaws.String(v)
	}
	if v := ref.Attr(drivers.AttrEngine); v != "" {
		in.Engine = sdkaws.String(v)
	}
	if v := ref.Attr(drivers.AttrEngineVersion); v != "" {
		in.EngineVersion = sdkaws.String(v)
	}
	if v := ref.Attr(drivers.AttrSubnetGroup); v != "" {
		in.CacheSubnetGroupName = sdkaws.String(v)
	}
	if n, err := strconv.Atoi(ref.Attr(drivers.AttrNumNodes)); err == nil && n > 0 {
		in.NumCacheClusters = sdkaws.Int32(int32(n))
	}
	if opts.SnapshotName != "" {
		in.SnapshotName = sdkaws.String(opts.SnapshotName)
	}

	out, err := d.client.CreateReplicationGroup(ctx, in)
	if err != nil {
		return nil, classify(err, ref, "start")
	}
	d.logger.Info().
		Str("group", ref.ID).
		Str("snapshot", opts.SnapshotName).
		Msg("Create requested")

	ep := &drivers.Endpoint{}
	if out.ReplicationGroup != nil {
		ep.Address = cacheEndpoint(*out.ReplicationGroup)
		ep.ProviderID = sdkaws.ToString(out.ReplicationGroup.ARN)
	}
	return ep, nil
}

// Scale implements drivers.Driver.
func (d *CacheDriver) Scale(context.Context, drivers.Ref, int) error {
	return drivers.ErrUnsupported(drivers.CacheCluster, "scale")
}
