package drivers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/idler/pkg/engine"
)

// ResourceType identifies a class of managed resource.
type ResourceType string

const (
	DBCluster       ResourceType = "DB_CLUSTER"
	CacheCluster    ResourceType = "CACHE_CLUSTER"
	ComputeServices ResourceType = "COMPUTE_SERVICES"
	NetworkGateway  ResourceType = "NETWORK_GATEWAY"
)

// AllResourceTypes returns every managed resource type in a stable order.
func AllResourceTypes() []ResourceType {
	return []ResourceType{DBCluster, CacheCluster, ComputeServices, NetworkGateway}
}

var resourceAliases = map[string]ResourceType{
	"db":       DBCluster,
	"database": DBCluster,
	"cache":    CacheCluster,
	"compute":  ComputeServices,
	"services": ComputeServices,
	"gateway":  NetworkGateway,
	"nat":      NetworkGateway,
}

// ParseResourceType accepts a canonical name (DB_CLUSTER) or a short alias (db).
func ParseResourceType(s string) (ResourceType, error) {
	for _, t := range AllResourceTypes() {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	if t, ok := resourceAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown resource type: %q", s)
}

// Selector is either a single resource type or all of them.
type Selector string

// SelectAll selects every resource type.
const SelectAll Selector = "all"

// Types expands the selector.
func (s Selector) Types() ([]ResourceType, error) {
	if s == "" || strings.EqualFold(string(s), string(SelectAll)) {
		return AllResourceTypes(), nil
	}
	t, err := ParseResourceType(string(s))
	if err != nil {
		return nil, engine.NewConfigurationError("invalid resource selector", err)
	}
	return []ResourceType{t}, nil
}

// Status is the provider-agnostic lifecycle vocabulary.
type Status string

const (
	StatusAvailable Status = "available"
	StatusStopped   Status = "stopped"
	StatusStopping  Status = "stopping"
	StatusStarting  Status = "starting"
	StatusCreating  Status = "creating"
	StatusDeleting  Status = "deleting"
	// StatusAbsent means the resource does not exist (deleted).
	StatusAbsent  Status = "absent"
	StatusUnknown Status = "unknown"
)

// IsIdle reports whether the resource is idle or on its way there.
func (s Status) IsIdle() bool {
	return s == StatusStopped || s == StatusStopping || s == StatusDeleting || s == StatusAbsent
}

// IsTransitional reports whether the provider is still moving the resource.
func (s Status) IsTransitional() bool {
	return s == StatusStopping || s == StatusStarting || s == StatusCreating || s == StatusDeleting
}

// Ref identifies one resource instance within a stage.
type Ref struct {
	Type  ResourceType `json:"type"`
	Stage string       `json:"stage"`
	// ID is the stable identifier: cluster id, replication group id, service
	// name, or gateway name tag.
	ID string `json:"id"`
	// Attributes carry provider-specific settings needed to recreate the
	// resource (node type, subnet, route tables, ECS cluster).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns an attribute or the empty string.
func (r Ref) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[key]
}

// AttrList returns a comma-separated attribute as a sorted, trimmed slice.
func (r Ref) AttrList(key string) []string {
	raw := r.Attr(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Type, r.Stage, r.ID)
}

// Common attribute keys.
const (
	AttrECSCluster       = "cluster"
	AttrNodeType         = "node_type"
	AttrEngine           = "engine"
	AttrEngineVersion    = "engine_version"
	AttrNumNodes         = "num_nodes"
	AttrSubnetGroup      = "subnet_group"
	AttrSecurityGroupIDs = "security_group_ids"
	AttrSubnetID         = "subnet_id"
	AttrRouteTableIDs    = "route_table_ids"
	AttrAllocationIDs    = "allocation_ids"
)

// Description is a point-in-time view of a resource.
type Description struct {
	Status Status `json:"status"`

	// ProviderStatus is the raw provider status string.
	ProviderStatus string `json:"provider_status,omitempty"`

	// ProviderID is the provider-assigned id when it differs from Ref.ID
	// (e.g. the NAT gateway id).
	ProviderID string `json:"provider_id,omitempty"`

	// Busy is set while the provider runs an operation (snapshot, backup,
	// modification) that makes it reject lifecycle mutations.
	Busy bool `json:"busy,omitempty"`

	Endpoint      string   `json:"endpoint,omitempty"`
	DesiredCount  int      `json:"desired_count,omitempty"`
	RunningCount  int      `json:"running_count,omitempty"`
	AllocationIDs []string `json:"allocation_ids,omitempty"`
}

// Endpoint is returned by Start.
type Endpoint struct {
	Address    string `json:"address,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// StartOptions tune Start for the resource type.
type StartOptions struct {
	// SnapshotName seeds a recreated cache cluster.
	SnapshotName string `json:"snapshot_name,omitempty"`
	// AllocationIDs are preserved static addresses for a recreated gateway.
	AllocationIDs []string `json:"allocation_ids,omitempty"`
	// DesiredCount is the compute service count to restore.
	DesiredCount int `json:"desired_count,omitempty"`
	// IdempotencyToken deduplicates retried create calls where the provider
	// supports it.
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// Driver manages one resource type. Mutating calls are not required to be
// idempotent; callers Describe first.
type Driver interface {
	Type() ResourceType
	Describe(ctx context.Context, ref Ref) (*Description, error)
	// Stop stops (database, compute) or deletes (cache, gateway) the resource.
	Stop(ctx context.Context, ref Ref) error
	// Start starts or recreates the resource.
	Start(ctx context.Context, ref Ref, opts StartOptions) (*Endpoint, error)
	Scale(ctx context.Context, ref Ref, desired int) error
}

// Snapshotter is implemented by drivers that can snapshot before deletion.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref Ref, name string) error
}

// ErrUnsupported builds the error returned for operations a resource type
// does not have.
func ErrUnsupported(t ResourceType, op string) error {
	return engine.NewConfigurationError(fmt.Sprintf("%s does not support %s", t, op), nil).
		WithCode(engine.ErrCodeUnsupported).
		WithOperation(op)
}
