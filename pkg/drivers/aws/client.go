package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/drivers"
)

// Config selects the AWS account and region the drivers act on.
type Config struct {
	Region  string
	Profile string
	// MaxSDKAttempts bounds the SDK's own retryer. idler retries classified
	// errors itself, so this stays low.
	MaxSDKAttempts int
}

// LoadConfig resolves credentials through the default chain.
func LoadConfig(ctx context.Context, cfg Config) (sdkaws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	attempts := cfg.MaxSDKAttempts
	if attempts <= 0 {
		attempts = 2
	}
	opts = append(opts, config.WithRetryer(func() sdkaws.Retryer {
		return retry.AddWithMaxAttempts(retry.NewStandard(), attempts)
	}))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return sdkaws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewDrivers builds all four drivers from one SDK config.
func NewDrivers(awsCfg sdkaws.Config, logger zerolog.Logger) []drivers.Driver {
	return []drivers.Driver{
		NewDBClusterDriver(rds.NewFromConfig(awsCfg), logger),
		NewCacheDriver(elasticache.NewFromConfig(awsCfg), logger),
		NewComputeDriver(ecs.NewFromConfig(awsCfg), logger),
		NewGatewayDriver(ec2.NewFromConfig(awsCfg), logger),
	}
}
