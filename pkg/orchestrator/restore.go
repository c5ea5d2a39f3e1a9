package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/policy"
	"github.com/openfroyo/idler/pkg/stores"
)

// RestoreResult is the recorded result of a restore execution.
type RestoreResult struct {
	Stage              string            `json:"stage"`
	Outcome            string            `json:"outcome"`
	Resources          []ResourceOutcome `json:"resources,omitempty"`
	Health             []HealthCheck     `json:"health,omitempty"`
	Elapsed            string            `json:"elapsed"`
	BookkeepingCleared int64             `json:"bookkeeping_cleared"`
}

func (s *Service) restoreWorkflow(wc *engine.Context, raw json.RawMessage) (interface{}, error) {
	var in RestoreInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.NewConfigurationError("invalid restore input", err)
	}

	st, err := s.stage(in.Stage)
	if err != nil {
		return nil, s.alert(wc, err)
	}
	types, err := selectedTypes(st, in.Selector)
	if err != nil {
		return nil, s.alert(wc, err)
	}

	started, err := engine.Step(wc, "record-start", func(context.Context) (time.Time, error) {
		return s.now(), nil
	})
	if err != nil {
		return nil, s.alert(wc, err)
	}

	decisions, err := s.decisions(wc, st, policy.OperationRestore, types)
	if err != nil {
		return nil, s.alert(wc, err)
	}
	books, err := engine.Step(wc, "bookkeeping", func(ctx context.Context) (*Bookkeeping, error) {
		return s.books.load(ctx, st.Name)
	})
	if err != nil {
		return nil, s.alert(wc, err)
	}

	branches := make([]engine.Branch[ResourceOutcome], 0, len(types))
	for _, t := range types {
		decision := decisions[t]
		branches = append(branches, engine.Branch[ResourceOutcome]{
			Name: string(t),
			Run: func(bc *engine.Context) (ResourceOutcome, error) {
				return s.restoreResource(bc, st, t, decision, books, in.WaitForCompletion)
			},
		})
	}
	outcomes, err := collect(engine.Parallel(wc, branches))
	result := &RestoreResult{Stage: st.Name, Resources: outcomes}
	if err != nil {
		return nil, s.alert(wc, fmt.Errorf("restore of %s failed: %w", st.Name, err), outcomes...)
	}

	if d := s.cfg.Timing.Stabilization.D(); d > 0 {
		if err := wc.Sleep("stabilization", d); err != nil {
			return nil, s.alert(wc, err, outcomes...)
		}
	}

	health, err := engine.Step(wc, "health", func(ctx context.Context) ([]HealthCheck, error) {
		return s.checkHealth(ctx, wc, st, types, decisions, in.WaitForCompletion)
	})
	if err != nil {
		return nil, s.alert(wc, err, outcomes...)
	}
	result.Health = health
	if unhealthy := unhealthyChecks(health); len(unhealthy) > 0 {
		err := engine.NewPermanentError(fmt.Sprintf("health check failed for %s", joinChecks(unhealthy)), nil).
			WithOperation("health")
		return nil, s.alert(wc, err, outcomes...)
	}

	cleared, err := engine.Step(wc, "cleanup", func(ctx context.Context) (int64, error) {
		return s.books.delete(ctx, st.Name, cycleParams(types)...)
	})
	if err != nil {
		return nil, s.alert(wc, err, outcomes...)
	}
	result.BookkeepingCleared = cleared

	elapsed := s.now().Sub(started).Round(time.Second)
	result.Outcome = OutcomeCompleted
	result.Elapsed = elapsed.String()
	s.metrics.SetIdleResources(st.Name, 0)
	s.metrics.SetEstimatedSavings(st.Name, 0)

	return result, s.notifyOnce(wc, "summary", notify.Message{
		Kind:    notify.KindSuccess,
		Subject: fmt.Sprintf("%s restored", st.Name),
		Body:    outcomeLines(outcomes),
		Fields: map[string]interface{}{
			"elapsed":             elapsed.String(),
			"wait_for_completion": in.WaitForCompletion,
		},
	})
}

// alert reports a failed restore. A partially restored stage is never left
// without an alert; cancellation and shutdown are handled by fail.
func (s *Service) alert(wc *engine.Context, err error, outcomes ...ResourceOutcome) error {
	if errors.Is(err, engine.ErrCancelled) || wc.Ctx().Err() != nil {
		return s.fail(wc, "Restore", err)
	}
	fields := map[string]interface{}{"error_class": string(engine.ClassOf(err))}
	body := err.Error()
	if len(outcomes) > 0 {
		body = outcomeLines(outcomes) + "\n" + body
	}
	s.publish(context.WithoutCancel(wc.Ctx()), notify.Message{
		Kind:        notify.KindAlert,
		Stage:       wc.Stage(),
		ExecutionID: wc.ExecutionID(),
		Subject:     fmt.Sprintf("Restore of %s failed", wc.Stage()),
		Body:        body,
		Fields:      fields,
	})
	return err
}

// restoreKind describes how one single-instance resource type comes back.
type restoreKind struct {
	// from is the idle status Start accepts; settling is the transitional
	// status that precedes it.
	from, settling drivers.Status
	pending        stores.LifecycleState
	action         string
}

var (
	startKind  = restoreKind{from: drivers.StatusStopped, settling: drivers.StatusStopping, pending: stores.StateStarting, action: ActionStarted}
	createKind = restoreKind{from: drivers.StatusAbsent, settling: drivers.StatusDeleting, pending: stores.StateCreating, action: ActionCreated}
)

func (s *Service) restoreResource(wc *engine.Context, st *config.StageConfig, t drivers.ResourceType, d *policy.Decision, books *Bookkeeping, wait bool) (ResourceOutcome, error) {
	refs := st.Refs(t)
	out := ResourceOutcome{Type: t, IDs: refIDs(refs)}
	if d != nil && d.Skip {
		out.Action = ActionSkipped
		out.Detail = "restore disabled by policy for " + stageClass(st) + " stages"
		return out, nil
	}

	drv, err := s.driver(t)
	if err != nil {
		return out, err
	}
	mark, err := s.latestState(wc, t, "state")
	if err != nil {
		return out, err
	}
	// Every wait of the branch shares one ceiling.
	deadline, err := engine.Step(wc, "deadline", func(context.Context) (time.Time, error) {
		return s.now().Add(s.cfg.Timing.RestoreTimeout.D()), nil
	})
	if err != nil {
		return out, err
	}

	switch t {
	case drivers.DBCluster:
		if books.ClusterID != "" && books.ClusterID != refs[0].ID {
			return out, engine.NewConfigurationError(
				fmt.Sprintf("recorded cluster %s does not match configured %s", books.ClusterID, refs[0].ID), nil).
				WithResource(refs[0].String())
		}
		return s.restoreSingle(wc, drv, refs[0], mark, startKind, drivers.StartOptions{}, wait, deadline, out)

	case drivers.CacheCluster:
		opts := drivers.StartOptions{IdempotencyToken: wc.ExecutionID() + "-cache"}
		if d != nil && d.RestoreFromSnapshot && books.SnapshotName != "" {
			opts.SnapshotName = books.SnapshotName
			out.Detail = "from snapshot " + books.SnapshotName
		}
		return s.restoreSingle(wc, drv, refs[0], mark, createKind, opts, wait, deadline, out)

	case drivers.ComputeServices:
		return s.scaleUpServices(wc, drv, st, refs, books, mark, wait, deadline, out)

	case drivers.NetworkGateway:
		opts := drivers.StartOptions{IdempotencyToken: wc.ExecutionID() + "-gateway"}
		if d == nil || d.PreserveAddresses {
			opts.AllocationIDs = books.AllocationIDs
			if len(opts.AllocationIDs) == 0 {
				opts.AllocationIDs = refs[0].AttrList(drivers.AttrAllocationIDs)
			}
		}
		return s.restoreSingle(wc, drv, refs[0], mark, createKind, opts, wait, deadline, out)
	}
	return out, drivers.ErrUnsupported(t, policy.OperationRestore)
}

func (s *Service) restoreSingle(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, mark stateMark, kind restoreKind, opts drivers.StartOptions, wait bool, deadline time.Time, out ResourceOutcome) (ResourceOutcome, error) {
	desc, err := describe(wc, drv, ref, "describe")
	if err != nil {
		return out, err
	}
	out.Status = desc.Status

	switch desc.Status {
	case drivers.StatusAvailable:
		out.Action, out.State = ActionAlreadyReady, stores.StateAvailable
		if mark.State != stores.StateAvailable {
			if _, err := s.recordState(wc, "record-ready", ref.Type, mark.Timestamp, stores.StateAvailable, map[string]interface{}{
				"reason": "observed available",
			}); err != nil && !engine.IsConflict(err) {
				return out, err
			}
		}
		return out, nil

	case drivers.StatusStarting, drivers.StatusCreating:
		// Already on its way back; only the wait remains.
		out.Action, out.State = kind.action, kind.pending

	case kind.settling:
		if err := s.awaitStatus(wc, drv, ref, "settled", kind.from, deadline); err != nil {
			return out, err
		}
		fallthrough

	case kind.from:
		applied, err := s.mutate(wc, "start", "start "+ref.String(), func(ctx context.Context) error {
			_, err := drv.Start(ctx, ref, opts)
			return err
		})
		if err != nil {
			return out, err
		}
		if !applied {
			out.Action = ActionConflict
			return out, nil
		}
		metadata := map[string]interface{}{"reason": "restore"}
		if opts.SnapshotName != "" {
			metadata["snapshot_name"] = opts.SnapshotName
		}
		next, err := s.recordState(wc, "record", ref.Type, mark.Timestamp, kind.pending, metadata)
		if err != nil {
			return out, err
		}
		mark = next
		out.Action, out.State, out.Status = kind.action, kind.pending, drivers.StatusStarting

	default:
		return out, engine.NewConflictError(fmt.Sprintf("cannot restore from status %s", desc.Status), nil).
			WithResource(ref.String()).
			WithOperation(policy.OperationRestore)
	}

	if !wait {
		return out, nil
	}
	if err := s.awaitStatus(wc, drv, ref, "available", drivers.StatusAvailable, deadline); err != nil {
		return out, err
	}
	if _, err := s.recordState(wc, "record-ready", ref.Type, mark.Timestamp, stores.StateAvailable, map[string]interface{}{
		"reason": "restore",
	}); err != nil {
		return out, err
	}
	out.State, out.Status = stores.StateAvailable, drivers.StatusAvailable
	return out, nil
}

// remaining is the time left until deadline, never negative.
func (s *Service) remaining(deadline time.Time) time.Duration {
	return max(0, deadline.Sub(s.now()))
}

// awaitStatus polls until ref reports want, bounded by the branch deadline.
func (s *Service) awaitStatus(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, step string, want drivers.Status, deadline time.Time) error {
	ok, err := wc.WaitUntil(step, s.remaining(deadline), s.cfg.Timing.PollInterval.D(), func(ctx context.Context) (bool, error) {
		desc, err := drv.Describe(ctx, ref)
		if err != nil {
			return false, err
		}
		return desc.Status == want, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return engine.NewTimeoutError(fmt.Sprintf("%s did not become %s within %s", ref, want, s.cfg.Timing.RestoreTimeout.D()), nil).
			WithResource(ref.String()).
			WithOperation("wait")
	}
	return nil
}

func (s *Service) scaleUpServices(wc *engine.Context, drv drivers.Driver, st *config.StageConfig, refs []drivers.Ref, books *Bookkeeping, mark stateMark, wait bool, deadline time.Time, out ResourceOutcome) (ResourceOutcome, error) {
	scaled := 0
	for _, ref := range refs {
		cluster := ref.Attr(drivers.AttrECSCluster)
		desired, ok := books.Service(cluster, ref.ID)
		if !ok {
			desired = st.DefaultDesiredCount(cluster, ref.ID)
		}
		desired = max(1, desired)

		desc, err := describe(wc, drv, ref, "describe/"+ref.ID)
		if err != nil {
			return out, err
		}
		if desc.DesiredCount >= desired {
			continue
		}
		if _, err := s.mutate(wc, "scale/"+ref.ID, "scale "+ref.String(), func(ctx context.Context) error {
			_, err := drv.Start(ctx, ref, drivers.StartOptions{DesiredCount: desired})
			return err
		}); err != nil {
			return out, err
		}
		scaled++
	}

	out.Action = ActionScaledUp
	if scaled == 0 {
		out.Action = ActionAlreadyReady
	}

	target := stores.StateStarting
	if wait {
		target = stores.StateActive
		ok, err := wc.WaitUntil("running", s.remaining(deadline), s.cfg.Timing.PollInterval.D(), func(ctx context.Context) (bool, error) {
			for _, ref := range refs {
				desc, err := drv.Describe(ctx, ref)
				if err != nil {
					return false, err
				}
				if desc.RunningCount < 1 {
					return false, nil
				}
			}
			return true, nil
		})
		if err != nil {
			return out, err
		}
		if !ok {
			return out, engine.NewTimeoutError("compute services have no running tasks", nil).
				WithResource(stores.ResourceKey(string(drivers.ComputeServices), st.Name)).
				WithOperation("wait")
		}
	}

	out.State, out.Status = target, drivers.StatusAvailable
	if !wait {
		out.Status = drivers.StatusStarting
	}
	if mark.State == target {
		return out, nil
	}
	if _, err := s.recordState(wc, "record", drivers.ComputeServices, mark.Timestamp, target, map[string]interface{}{
		"reason": "restore",
	}); err != nil {
		return out, err
	}
	return out, nil
}
