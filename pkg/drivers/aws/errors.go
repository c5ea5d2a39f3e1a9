package aws

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
}

var notFoundCodes = map[string]bool{
	"DBClusterNotFoundFault":        true,
	"ReplicationGroupNotFoundFault": true,
	"SnapshotNotFoundFault":         true,
	"ClusterNotFoundException":      true,
	"ServiceNotFoundException":      true,
	"NatGatewayNotFound":            true,
	"InvalidNatGatewayID.NotFound":  true,
	"InvalidSubnetID.NotFound":      true,
	"InvalidAllocationID.NotFound":  true,
}

var conflictCodes = map[string]bool{
	"InvalidDBClusterStateFault":         true,
	"InvalidDBInstanceState":             true,
	"InvalidReplicationGroupState":       true,
	"InvalidReplicationGroupStateFault":  true,
	"InvalidCacheClusterState":           true,
	"ReplicationGroupAlreadyExists":      true,
	"ReplicationGroupAlreadyExistsFault": true,
	"SnapshotAlreadyExistsFault":         true,
	"ServiceNotActiveException":          true,
	"Resource.AlreadyAssociated":         true,
	"IdempotentParameterMismatch":        true,
}

var transientCodes = map[string]bool{
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalError":               true,
	"InternalFailure":             true,
	"ServerException":             true,
}

// classify maps an SDK error onto the engine taxonomy.
func classify(err error, ref drivers.Ref, op string) error {
	if err == nil {
		return nil
	}

	wrap := func(e *engine.EngineError) error {
		return e.WithResource(ref.String()).WithOperation(op)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttleCodes[code]:
			return wrap(engine.NewThrottledError("provider throttled request", err))
		case notFoundCodes[code]:
			return wrap(engine.NewConfigurationError(fmt.Sprintf("%s not found", ref.ID), err).
				WithCode(engine.ErrCodeNotFound))
		case conflictCodes[code]:
			return wrap(engine.NewConflictError("resource is not in a valid state", err))
		case transientCodes[code], apiErr.ErrorFault() == smithy.FaultServer:
			return wrap(engine.NewTransientError("provider temporarily unavailable", err))
		}
		return wrap(engine.NewPermanentError("provider rejected request", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithDetail("aws_error_code", code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(engine.NewTransientError("provider unreachable", err))
	}

	return wrap(engine.NewPermanentError("provider call failed", err).WithCode(engine.ErrCodeProviderFailed))
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
