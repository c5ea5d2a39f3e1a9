package aws

import (
	"context"
	"errors"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

const defaultRouteCIDR = "0.0.0.0/0"

// EC2API is the subset of the EC2 client the gateway driver uses.
type EC2API interface {
	DescribeNatGateways(ctx context.Context, in *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error)
	DeleteNatGateway(ctx context.Context, in *ec2.DeleteNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error)
	CreateNatGateway(ctx context.Context, in *ec2.CreateNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error)
	ReplaceRoute(ctx context.Context, in *ec2.ReplaceRouteInput, optFns ...func(*ec2.Options)) (*ec2.ReplaceRouteOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
}

// GatewayDriver deletes and recreates NAT gateways. Ref.ID is the gateway's
// Name tag; Elastic IP allocations are never released so the public
// addresses survive a teardown.
type GatewayDriver struct {
	client EC2API
	logger zerolog.Logger
}

// NewGatewayDriver creates a gateway driver.
func NewGatewayDriver(client EC2API, logger zerolog.Logger) *GatewayDriver {
	return &GatewayDriver{
		client: client,
		logger: logger.With().Str("driver", string(drivers.NetworkGateway)).Logger(),
	}
}

// Type implements drivers.Driver.
func (d *GatewayDriver) Type() drivers.ResourceType { return drivers.NetworkGateway }

func gatewayStatus(state types.NatGatewayState) drivers.Status {
	switch state {
	case types.NatGatewayStateAvailable:
		return drivers.StatusAvailable
	case types.NatGatewayStatePending:
		return drivers.StatusCreating
	case types.NatGatewayStateDeleting:
		return drivers.StatusDeleting
	case types.NatGatewayStateDeleted:
		return drivers.StatusAbsent
	}
	return drivers.StatusUnknown
}

func (d *GatewayDriver) find(ctx context.Context, ref drivers.Ref) (*types.NatGateway, error) {
	out, err := d.client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: []types.Filter{
			{Name: sdkaws.String("tag:Name"), Values: []string{ref.ID}},
			{Name: sdkaws.String("state"), Values: []string{"pending", "available", "deleting"}},
		},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err, ref, "describe")
	}
	if len(out.NatGateways) == 0 {
		return nil, nil
	}
	// Prefer a live gateway over one still deleting.
	gw := out.NatGateways[0]
	for _, candidate := range out.NatGateways {
		if candidate.State != types.NatGatewayStateDeleting {
			gw = candidate
			break
		}
	}
	return &gw, nil
}

// Describe implements drivers.Driver.
func (d *GatewayDriver) Describe(ctx context.Context, ref drivers.Ref) (*drivers.Description, error) {
	gw, err := d.find(ctx, ref)
	if err != nil {
		return nil, err
	}
	if gw == nil {
		return &drivers.Description{Status: drivers.StatusAbsent}, nil
	}

	desc := &drivers.Description{
		Status:         gatewayStatus(gw.State),
		ProviderStatus: string(gw.State),
		ProviderID:     sdkaws.ToString(gw.NatGatewayId),
	}
	for _, addr := range gw.NatGatewayAddresses {
		if id := sdkaws.ToString(addr.AllocationId); id != "" {
			desc.AllocationIDs = append(desc.AllocationIDs, id)
		}
		if desc.Endpoint == "" {
			desc.Endpoint = sdkaws.ToString(addr.PublicIp)
		}
	}
	return desc, nil
}

// Stop implements drivers.Driver by deleting the gateway.
func (d *GatewayDriver) Stop(ctx context.Context, ref drivers.Ref) error {
	gw, err := d.find(ctx, ref)
	if err != nil {
		return err
	}
	if gw == nil || gw.State == types.NatGatewayStateDeleting {
		return engine.NewConflictError("gateway is not available", nil).
			WithResource(ref.String()).
			WithOperation("stop")
	}

	_, err = d.client.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: gw.NatGatewayId})
	if err != nil {
		return classify(err, ref, "stop")
	}
	d.logger.Info().
		Str("gateway", ref.ID).
		Str("nat_gateway_id", sdkaws.ToString(gw.NatGatewayId)).
		Msg("Delete requested")
	return nil
}

// Start implements drivers.Driver. It creates the gateway with the preserved
// allocations and points every configured route table's default route at it.
func (d *GatewayDriver) Start(ctx context.Context, ref drivers.Ref, opts drivers.StartOptions) (*drivers.Endpoint, error) {
	subnet := ref.Attr(drivers.AttrSubnetID)
	if subnet == "" {
		return nil, engine.NewConfigurationError("gateway "+ref.ID+" has no subnet_id attribute", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(ref.String())
	}
	allocations := opts.AllocationIDs
	if len(allocations) == 0 {
		allocations = ref.AttrList(drivers.AttrAllocationIDs)
	}
	if len(allocations) == 0 {
		return nil, engine.NewConfigurationError("gateway "+ref.ID+" has no address allocations", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(ref.String())
	}

	in := &ec2.CreateNatGatewayInput{
		SubnetId:         sdkaws.String(subnet),
		AllocationId:     sdkaws.String(allocations[0]),
		ConnectivityType: types.ConnectivityTypePublic,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeNatgateway,
			Tags: []types.Tag{
				{Key: sdkaws.String("Name"), Value: sdkaws.String(ref.ID)},
				{Key: sdkaws.String("idler:stage"), Value: sdkaws.String(ref.Stage)},
			},
		}},
	}
	if len(allocations) > 1 {
		in.SecondaryAllocationIds = allocations[1:]
	}
	if opts.IdempotencyToken != "" {
		in.ClientToken = sdkaws.String(opts.IdempotencyToken)
	}

	out, err := d.client.CreateNatGateway(ctx, in)
	if err != nil {
		return nil, classify(err, ref, "start")
	}
	natID := ""
	if out.NatGateway != nil {
		natID = sdkaws.ToString(out.NatGateway.NatGatewayId)
	}
	d.logger.Info().Str("gateway", ref.ID).Str("nat_gateway_id", natID).Msg("Create requested")

	for _, rt := range ref.AttrList(drivers.AttrRouteTableIDs) {
		if err := d.pointDefaultRoute(ctx, ref, rt, natID); err != nil {
			return nil, err
		}
	}
	return &drivers.Endpoint{ProviderID: natID}, nil
}

func (d *GatewayDriver) pointDefaultRoute(ctx context.Context, ref drivers.Ref, routeTable, natID string) error {
	_, err := d.client.ReplaceRoute(ctx, &ec2.ReplaceRouteInput{
		RouteTableId:         sdkaws.String(routeTable),
		DestinationCidrBlock: sdkaws.String(defaultRouteCIDR),
		NatGatewayId:         sdkaws.String(natID),
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRoute.NotFound" {
		_, err = d.client.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         sdkaws.String(routeTable),
			DestinationCidrBlock: sdkaws.String(defaultRouteCIDR),
			NatGatewayId:         sdkaws.String(natID),
		})
	}
	if err != nil {
		return classify(err, ref, "route")
	}
	d.logger.Debug().Str("route_table", routeTable).Str("nat_gateway_id", natID).Msg("Default route updated")
	return nil
}

// Scale implements drivers.Driver.
func (d *GatewayDriver) Scale(context.Context, drivers.Ref, int) error {
	return drivers.ErrUnsupported(drivers.NetworkGateway, "scale")
}
