package aws

import (
	"context"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

// ECSAPI is the subset of the ECS client the compute driver uses.
type ECSAPI interface {
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ComputeDriver scales ECS services. Ref.ID is the service name and the
// "cluster" attribute names the ECS cluster.
type ComputeDriver struct {
	client ECSAPI
	logger zerolog.Logger
}

// NewComputeDriver creates a compute driver.
func NewComputeDriver(client ECSAPI, logger zerolog.Logger) *ComputeDriver {
	return &ComputeDriver{
		client: client,
		logger: logger.With().Str("driver", string(drivers.ComputeServices)).Logger(),
	}
}

// Type implements drivers.Driver.
func (d *ComputeDriver) Type() drivers.ResourceType { return drivers.ComputeServices }

func serviceStatus(desired, running int) drivers.Status {
	switch {
	case desired == 0 && running == 0:
		return drivers.StatusStopped
	case desired == 0:
		return drivers.StatusStopping
	case running < desired:
		return drivers.StatusStarting
	default:
		return drivers.StatusAvailable
	}
}

func (d *ComputeDriver) cluster(ref drivers.Ref) *string {
	if c := ref.Attr(drivers.AttrECSCluster); c != "" {
		return sdkaws.String(c)
	}
	return nil
}

// Describe implements drivers.Driver.
func (d *ComputeDriver) Describe(ctx context.Context, ref drivers.Ref) (*drivers.Description, error) {
	out, err := d.client.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  d.cluster(ref),
		Services: []string{ref.ID},
	})
	if err != nil {
		return nil, classify(err, ref, "describe")
	}
	if len(out.Services) == 0 || strings.EqualFold(sdkaws.ToString(out.Services[0].Status), "INACTIVE") {
		reason := "service not found"
		if len(out.Failures) > 0 {
			reason = sdkaws.ToString(out.Failures[0].Reason)
		}
		return nil, engine.NewConfigurationError("compute service "+ref.ID+": "+reason, nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(ref.String())
	}

	svc := out.Services[0]
	desired, running := int(svc.DesiredCount), int(svc.RunningCount)
	return &drivers.Description{
		Status:         serviceStatus(desired, running),
		ProviderStatus: sdkaws.ToString(svc.Status),
		ProviderID:     sdkaws.ToString(svc.ServiceArn),
		DesiredCount:   desired,
		RunningCount:   running,
	}, nil
}

// Stop implements drivers.Driver by scaling to zero.
func (d *ComputeDriver) Stop(ctx context.Context, ref drivers.Ref) error {
	return d.Scale(ctx, ref, 0)
}

// Start implements drivers.Driver by scaling to opts.DesiredCount (at least 1).
func (d *ComputeDriver) Start(ctx context.Context, ref drivers.Ref, opts drivers.StartOptions) (*drivers.Endpoint, error) {
	desired := opts.DesiredCount
	if desired < 1 {
		desired = 1
	}
	if err := d.Scale(ctx, ref, desired); err != nil {
		return nil, err
	}
	return &drivers.Endpoint{}, nil
}

// Scale implements drivers.Driver.
func (d *ComputeDriver) Scale(ctx context.Context, ref drivers.Ref, desired int) error {
	if desired < 0 {
		return engine.NewConfigurationError("desired count must not be negative", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(ref.String())
	}
	_, err := d.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      d.cluster(ref),
		Service:      sdkaws.String(ref.ID),
		DesiredCount: sdkaws.Int32(int32(desired)),
	})
	if err != nil {
		return classify(err, ref, "scale")
	}
	d.logger.Info().Str("service", ref.ID).Int("desired", desired).Msg("Scale requested")
	return nil
}
