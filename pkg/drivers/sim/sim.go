// Package sim is an in-memory cloud used by the dev mode and by tests. Each
// resource moves through the same transitional states a real provider
// reports, settling after a configurable number of Describe calls.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

// Operation names used for fault injection and call counting.
const (
	OpDescribe = "describe"
	OpStop     = "stop"
	OpStart    = "start"
	OpScale    = "scale"
	OpSnapshot = "snapshot"
)

type resource struct {
	status        drivers.Status
	target        drivers.Status
	describes     int
	busy          int
	desired       int
	running       int
	providerID    string
	allocationIDs []string
	snapshotFrom  string
}

// Cloud is a simulated provider shared by the four sim drivers.
type Cloud struct {
	mu          sync.Mutex
	settleAfter int
	resources   map[string]*resource
	snapshots   map[string]string
	faults      map[string][]error
	calls       map[string]int
	nextID      int
}

// Option configures a Cloud.
type Option func(*Cloud)

// WithSettleAfter sets how many Describe calls a transitional state survives.
func WithSettleAfter(n int) Option {
	return func(c *Cloud) { c.settleAfter = n }
}

// New creates an empty cloud.
func New(opts ...Option) *Cloud {
	c := &Cloud{
		settleAfter: 1,
		resources:   make(map[string]*resource),
		snapshots:   make(map[string]string),
		faults:      make(map[string][]error),
		calls:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(t drivers.ResourceType, id string) string {
	return string(t) + "/" + id
}

// Seed adds a resource in the given status.
func (c *Cloud) Seed(t drivers.ResourceType, id string, status drivers.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.resources[key(t, id)] = &resource{
		status:     status,
		providerID: fmt.Sprintf("%s-%04d", id, c.nextID),
	}
}

// SeedService adds a compute service with desired and running counts.
func (c *Cloud) SeedService(id string, desired int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resources[key(drivers.ComputeServices, id)] = &resource{desired: desired, running: desired}
}

// SeedGateway adds an available gateway holding allocationIDs.
func (c *Cloud) SeedGateway(id string, allocationIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.resources[key(drivers.NetworkGateway, id)] = &resource{
		status:        drivers.StatusAvailable,
		providerID:    fmt.Sprintf("nat-%04d", c.nextID),
		allocationIDs: allocationIDs,
	}
}

// ForceStatus overrides a resource's status, e.g. to simulate a platform
// restart.
func (c *Cloud) ForceStatus(t drivers.ResourceType, id string, status drivers.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[key(t, id)]
	if !ok {
		r = &resource{}
		c.resources[key(t, id)] = r
	}
	r.status, r.target, r.describes = status, "", 0
}

// ForceTransition puts a resource into a transitional status that settles
// to target like one the provider started itself.
func (c *Cloud) ForceTransition(t drivers.ResourceType, id string, status, target drivers.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.resources[key(t, id)]
	if !ok {
		r = &resource{}
		c.resources[key(t, id)] = r
	}
	r.status, r.target, r.describes = status, target, 0
}

// InjectFault queues errors returned by the next calls of op on type t.
func (c *Cloud) InjectFault(t drivers.ResourceType, op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(t) + ":" + op
	c.faults[k] = append(c.faults[k], errs...)
}

// Calls returns how many times op was invoked on type t.
func (c *Cloud) Calls(t drivers.ResourceType, op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[string(t)+":"+op]
}

// Snapshot reports the replication group a snapshot was taken from.
func (c *Cloud) Snapshot(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.snapshots[name]
	return src, ok
}

// RestoredFrom reports which snapshot seeded a recreated cache cluster.
func (c *Cloud) RestoredFrom(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resources[key(drivers.CacheCluster, id)]; ok {
		return r.snapshotFrom
	}
	return ""
}

// Drivers returns one driver per resource type backed by this cloud.
func (c *Cloud) Drivers() []drivers.Driver {
	out := make([]drivers.Driver, 0, 4)
	for _, t := range drivers.AllResourceTypes() {
		out = append(out, &Driver{cloud: c, typ: t})
	}
	return out
}

// begin records a call and pops an injected fault. Caller holds mu.
func (c *Cloud) begin(t drivers.ResourceType, op string) error {
	k := string(t) + ":" + op
	c.calls[k]++
	if queue := c.faults[k]; len(queue) > 0 {
		c.faults[k] = queue[1:]
		return queue[0]
	}
	return nil
}

// Driver implements drivers.Driver for one resource type.
type Driver struct {
	cloud *Cloud
	typ   drivers.ResourceType
}

var (
	_ drivers.Driver      = (*Driver)(nil)
	_ drivers.Snapshotter = (*Driver)(nil)
)

// Type implements drivers.Driver.
func (d *Driver) Type() drivers.ResourceType { return d.typ }

func (d *Driver) lookup(id string) (*resource, bool) {
	r, ok := d.cloud.resources[key(d.typ, id)]
	return r, ok
}

func (d *Driver) notFound(ref drivers.Ref) error {
	return engine.NewConfigurationError(fmt.Sprintf("%s not found", ref.ID), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(ref.String())
}

func (d *Driver) invalidState(ref drivers.Ref, op string, status drivers.Status) error {
	return engine.NewConflictError(fmt.Sprintf("cannot %s while %s", op, status), nil).
		WithResource(ref.String()).
		WithOperation(op)
}

// Describe implements drivers.Driver.
func (d *Driver) Describe(_ context.Context, ref drivers.Ref) (*drivers.Description, error) {
	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(d.typ, OpDescribe); err != nil {
		return nil, err
	}

	r, ok := d.lookup(ref.ID)
	if !ok {
		if d.typ == drivers.CacheCluster || d.typ == drivers.NetworkGateway {
			return &drivers.Description{Status: drivers.StatusAbsent}, nil
		}
		return nil, d.notFound(ref)
	}

	if d.typ == drivers.ComputeServices {
		r.describes++
		if r.running != r.desired && r.describes > c.settleAfter {
			r.running = r.desired
		}
		return &drivers.Description{
			Status:       serviceStatus(r.desired, r.running),
			DesiredCount: r.desired,
			RunningCount: r.running,
		}, nil
	}

	if r.target != "" {
		r.describes++
		if r.describes > c.settleAfter {
			r.status, r.target = r.target, ""
		}
	}

	desc := &drivers.Description{
		Status:         r.status,
		ProviderStatus: string(r.status),
		ProviderID:     r.providerID,
		AllocationIDs:  append([]string(nil), r.allocationIDs...),
	}
	if r.busy > 0 {
		r.busy--
		desc.Busy = true
	}
	if r.status == drivers.StatusAvailable {
		desc.Endpoint = ref.ID + ".sim.internal"
	}
	if r.status == drivers.StatusAbsent {
		desc.ProviderID = ""
	}
	return desc, nil
}

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

func (d *Driver) transition(r *resource, now, target drivers.Status) {
	r.status, r.target, r.describes = now, target, 0
	if d.cloud.settleAfter <= 0 {
		r.status, r.target = target, ""
	}
}

// Stop implements drivers.Driver.
func (d *Driver) Stop(ctx context.Context, ref drivers.Ref) error {
	if d.typ == drivers.ComputeServices {
		return d.Scale(ctx, ref, 0)
	}

	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(d.typ, OpStop); err != nil {
		return err
	}

	r, ok := d.lookup(ref.ID)
	if !ok {
		return d.notFound(ref)
	}
	if r.status != drivers.StatusAvailable || r.busy > 0 {
		return d.invalidState(ref, OpStop, r.status)
	}

	switch d.typ {
	case drivers.DBCluster:
		d.transition(r, drivers.StatusStopping, drivers.StatusStopped)
	default:
		d.transition(r, drivers.StatusDeleting, drivers.StatusAbsent)
	}
	return nil
}

// Start implements drivers.Driver.
func (d *Driver) Start(ctx context.Context, ref drivers.Ref, opts drivers.StartOptions) (*drivers.Endpoint, error) {
	if d.typ == drivers.ComputeServices {
		desired := opts.DesiredCount
		if desired < 1 {
			desired = 1
		}
		return &drivers.Endpoint{}, d.Scale(ctx, ref, desired)
	}

	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(d.typ, OpStart); err != nil {
		return nil, err
	}

	r, ok := d.lookup(ref.ID)
	switch d.typ {
	case drivers.DBCluster:
		if !ok {
			return nil, d.notFound(ref)
		}
		if r.status != drivers.StatusStopped {
			return nil, d.invalidState(ref, OpStart, r.status)
		}
		d.transition(r, drivers.StatusStarting, drivers.StatusAvailable)
		return &drivers.Endpoint{Address: ref.ID + ".sim.internal", ProviderID: r.providerID}, nil

	default:
		if ok && r.status != drivers.StatusAbsent {
			return nil, d.invalidState(ref, OpStart, r.status)
		}
		if opts.SnapshotName != "" {
			if _, exists := c.snapshots[opts.SnapshotName]; !exists {
				return nil, engine.NewPermanentError(fmt.Sprintf("snapshot %s not found", opts.SnapshotName), nil).
					WithResource(ref.String())
			}
		}
		c.nextID++
		nr := &resource{
			providerID:    fmt.Sprintf("%s-%04d", ref.ID, c.nextID),
			snapshotFrom:  opts.SnapshotName,
			allocationIDs: append([]string(nil), opts.AllocationIDs...),
		}
		if d.typ == drivers.NetworkGateway {
			nr.providerID = fmt.Sprintf("nat-%04d", c.nextID)
		}
		c.resources[key(d.typ, ref.ID)] = nr
		d.transition(nr, drivers.StatusCreating, drivers.StatusAvailable)
		return &drivers.Endpoint{Address: ref.ID + ".sim.internal", ProviderID: nr.providerID}, nil
	}
}

// Scale implements drivers.Driver.
func (d *Driver) Scale(_ context.Context, ref drivers.Ref, desired int) error {
	if d.typ != drivers.ComputeServices {
		return drivers.ErrUnsupported(d.typ, OpScale)
	}

	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(d.typ, OpScale); err != nil {
		return err
	}

	r, ok := d.lookup(ref.ID)
	if !ok {
		return d.notFound(ref)
	}
	r.desired, r.describes = desired, 0
	if c.settleAfter <= 0 {
		r.running = desired
	}
	return nil
}

// Snapshot implements drivers.Snapshotter.
func (d *Driver) Snapshot(_ context.Context, ref drivers.Ref, name string) error {
	if d.typ != drivers.CacheCluster {
		return drivers.ErrUnsupported(d.typ, OpSnapshot)
	}

	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(d.typ, OpSnapshot); err != nil {
		return err
	}

	r, ok := d.lookup(ref.ID)
	if !ok || r.status != drivers.StatusAvailable {
		status := drivers.StatusAbsent
		if ok {
			status = r.status
		}
		return d.invalidState(ref, OpSnapshot, status)
	}
	c.snapshots[name] = ref.ID
	r.busy = c.settleAfter
	return nil
}
