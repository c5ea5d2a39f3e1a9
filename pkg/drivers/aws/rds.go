package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

// RDSAPI is the subset of the RDS client the database driver uses.
type RDSAPI interface {
	DescribeDBClusters(ctx context.Context, in *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	StopDBCluster(ctx context.Context, in *rds.StopDBClusterInput, optFns ...func(*rds.Options)) (*rds.StopDBClusterOutput, error)
	StartDBCluster(ctx context.Context, in *rds.StartDBClusterInput, optFns ...func(*rds.Options)) (*rds.StartDBClusterOutput, error)
}

// DBClusterDriver stops and starts Aurora clusters. It never deletes them.
type DBClusterDriver struct {
	client RDSAPI
	logger zerolog.Logger
}

// NewDBClusterDriver creates a database driver.
func NewDBClusterDriver(client RDSAPI, logger zerolog.Logger) *DBClusterDriver {
	return &DBClusterDriver{
		client: client,
		logger: logger.With().Str("driver", string(drivers.DBCluster)).Logger(),
	}
}

// Type implements drivers.Driver.
func (d *DBClusterDriver) Type() drivers.ResourceType { return drivers.DBCluster }

// Statuses during which the cluster is up but rejects stop requests.
var rdsBusyStatuses = map[string]bool{
	"backing-up":                   true,
	"modifying":                    true,
	"maintenance":                  true,
	"upgrading":                    true,
	"renaming":                     true,
	"resetting-master-credentials": true,
	"failing-over":                 true,
	"backtracking":                 true,
	"promoting":                    true,
	"storage-optimization":         true,
	"update-iam-db-auth":           true,
}

func rdsStatus(raw string) (drivers.Status, bool) {
	switch raw {
	case "available":
		return drivers.StatusAvailable, false
	case "stopped":
		return drivers.StatusStopped, false
	case "stopping":
		return drivers.StatusStopping, false
	case "starting":
		return drivers.StatusStarting, false
	case "creating":
		return drivers.StatusCreating, false
	case "deleting":
		return drivers.StatusDeleting, false
	}
	if rdsBusyStatuses[raw] {
		return drivers.StatusAvailable, true
	}
	return drivers.StatusUnknown, false
}

// Describe implements drivers.Driver.
func (d *DBClusterDriver) Describe(ctx context.Context, ref drivers.Ref) (*drivers.Description, error) {
	out, err := d.client.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: sdkaws.String(ref.ID),
	})
	if err != nil {
		return nil, classify(err, ref, "describe")
	}
	if len(out.DBClusters) == 0 {
		return nil, engine.NewConfigurationError("database cluster "+ref.ID+" not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(ref.String())
	}

	cluster := out.DBClusters[0]
	raw := sdkaws.ToString(cluster.Status)
	status, busy := rdsStatus(raw)
	return &drivers.Description{
		Status:         status,
		ProviderStatus: raw,
		ProviderID:     sdkaws.ToString(cluster.DBClusterArn),
		Busy:           busy,
		Endpoint:       sdkaws.ToString(cluster.Endpoint),
	}, nil
}

// Stop implements drivers.Driver.
func (d *DBClusterDriver) Stop(ctx context.Context, ref drivers.Ref) error {
	_, err := d.client.StopDBCluster(ctx, &rds.StopDBClusterInput{
		DBClusterIdentifier: sdkaws.String(ref.ID),
	})
	if err != nil {
		return classify(err, ref, "stop")
	}
	d.logger.Info().Str("cluster", ref.ID).Msg("Stop requested")
	return nil
}

// Start implements drivers.Driver.
func (d *DBClusterDriver) Start(ctx context.Context, ref drivers.Ref, _ drivers.StartOptions) (*drivers.Endpoint, error) {
	out, err := d.client.StartDBCluster(ctx, &rds.StartDBClusterInput{
		DBClusterIdentifier: sdkaws.String(ref.ID),
	})
	if err != nil {
		return nil, classify(err, ref, "start")
	}
	d.logger.Info().Str("cluster", ref.ID).Msg("Start requested")

	ep := &drivers.Endpoint{}
	if out.DBCluster != nil {
		ep.Address = sdkaws.ToString(out.DBCluster.Endpoint)
		ep.ProviderID = sdkaws.ToString(out.DBCluster.DBClusterArn)
	}
	return ep, nil
}

// Scale implements drivers.Driver. Aurora capacity is not managed here.
func (d *DBClusterDriver) Scale(context.Context, drivers.Ref, int) error {
	return drivers.ErrUnsupported(drivers.DBCluster, "scale")
}
