package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/stores"
)

// Bookkeeping parameter keys, relative to /idler/<stage>/.
const (
	ParamClusterID         = "db/cluster-id"
	ParamCacheID           = "cache/replication-group-id"
	ParamSnapshotName      = "cache/snapshot-name"
	ParamServices          = "compute/services"
	ParamGatewayID         = "gateway/id"
	ParamAllocationIDs     = "gateway/allocation-ids"
	ParamTeardownStartedAt = "teardown-started-at"
	ParamLastActivityAt    = "last-activity-at"
)

// ParamName returns the full parameter name of key for stage.
func ParamName(stage, key string) string {
	return "/idler/" + stage + "/" + key
}

// typeParams lists the keys a restore of t consumes.
var typeParams = map[drivers.ResourceType][]string{
	drivers.DBCluster:       {ParamClusterID},
	drivers.CacheCluster:    {ParamCacheID, ParamSnapshotName},
	drivers.ComputeServices: {ParamServices},
	drivers.NetworkGateway:  {ParamGatewayID, ParamAllocationIDs},
}

// ServiceRecord is the pre-teardown desired count of one compute service.
type ServiceRecord struct {
	Cluster      string `json:"cluster"`
	Name         string `json:"name"`
	DesiredCount int    `json:"desired_count"`
}

// Bookkeeping is everything a teardown persisted for the matching restore.
type Bookkeeping struct {
	ClusterID         string          `json:"cluster_id,omitempty"`
	CacheID           string          `json:"cache_id,omitempty"`
	SnapshotName      string          `json:"snapshot_name,omitempty"`
	Services          []ServiceRecord `json:"services,omitempty"`
	GatewayID         string          `json:"gateway_id,omitempty"`
	AllocationIDs     []string        `json:"allocation_ids,omitempty"`
	TeardownStartedAt *time.Time      `json:"teardown_started_at,omitempty"`
	LastActivityAt    *time.Time      `json:"last_activity_at,omitempty"`
}

// Service returns the recorded desired count of a compute service.
func (b *Bookkeeping) Service(cluster, name string) (int, bool) {
	for _, svc := range b.Services {
		if svc.Cluster == cluster && svc.Name == name {
			return svc.DesiredCount, true
		}
	}
	return 0, false
}

type bookkeeper struct {
	store stores.ParameterStore
}

// load reads every bookkeeping parameter of stage.
func (k bookkeeper) load(ctx context.Context, stage string) (*Bookkeeping, error) {
	prefix := ParamName(stage, "")
	params, err := k.store.ListParameters(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookkeeping: %w", err)
	}

	b := &Bookkeeping{}
	for _, p := range params {
		switch strings.TrimPrefix(p.Name, prefix) {
		case ParamClusterID:
			b.ClusterID = p.Value
		case ParamCacheID:
			b.CacheID = p.Value
		case ParamSnapshotName:
			b.SnapshotName = p.Value
		case ParamServices:
			if err := json.Unmarshal([]byte(p.Value), &b.Services); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", p.Name, err)
			}
		case ParamGatewayID:
			b.GatewayID = p.Value
		case ParamAllocationIDs:
			b.AllocationIDs = splitList(p.Value)
		case ParamTeardownStartedAt:
			b.TeardownStartedAt = parseTime(p.Value)
		case ParamLastActivityAt:
			b.LastActivityAt = parseTime(p.Value)
		}
	}
	return b, nil
}

func (k bookkeeper) put(ctx context.Context, stage, key, value string) error {
	return k.store.PutParameter(ctx, &stores.Parameter{
		Name:  ParamName(stage, key),
		Value: value,
		Stage: stage,
	})
}

func (k bookkeeper) putTime(ctx context.Context, stage, key string, t time.Time) error {
	return k.put(ctx, stage, key, t.UTC().Format(time.RFC3339Nano))
}

func (k bookkeeper) putServices(ctx context.Context, stage string, services []ServiceRecord) error {
	data, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("failed to encode services: %w", err)
	}
	return k.put(ctx, stage, ParamServices, string(data))
}

func (k bookkeeper) delete(ctx context.Context, stage string, keys ...string) (int64, error) {
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = ParamName(stage, key)
	}
	return k.store.DeleteParameters(ctx, names...)
}

// cycleParams returns the keys consumed by restoring types. The teardown
// start marker is included only when every type is restored.
func cycleParams(types []drivers.ResourceType) []string {
	var keys []string
	for _, t := range types {
		keys = append(keys, typeParams[t]...)
	}
	if len(types) == len(drivers.AllResourceTypes()) {
		keys = append(keys, ParamTeardownStartedAt)
	}
	return keys
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
