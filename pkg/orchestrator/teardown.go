package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/policy"
	"github.com/openfroyo/idler/pkg/stores"
)

// Teardown outcomes.
const (
	OutcomeCompleted    = "completed"
	OutcomePartial      = "partially-idle"
	OutcomeDenied       = "denied"
	OutcomeExpired      = "expired"
	OutcomePolicyDenied = "policy-denied"
	OutcomeFailed       = "failed"
)

// TeardownResult is the recorded result of a teardown execution.
type TeardownResult struct {
	Stage     string            `json:"stage"`
	Outcome   string            `json:"outcome"`
	Approval  *ApprovalOutcome  `json:"approval,omitempty"`
	Resources []ResourceOutcome `json:"resources,omitempty"`
	Savings   Estimate          `json:"savings"`
	Denials   []string          `json:"denials,omitempty"`
}

func (s *Service) teardownWorkflow(wc *engine.Context, raw json.RawMessage) (interface{}, error) {
	var in TeardownInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.NewConfigurationError("invalid teardown input", err)
	}

	st, err := s.stage(in.Stage)
	if err != nil {
		return nil, s.fail(wc, "Teardown", err)
	}
	types, err := selectedTypes(st, in.Selector)
	if err != nil {
		return nil, s.fail(wc, "Teardown", err)
	}

	result := &TeardownResult{Stage: st.Name}

	if _, err := engine.Step(wc, "record-start", func(ctx context.Context) (time.Time, error) {
		now := s.now()
		return now, s.books.putTime(ctx, st.Name, ParamTeardownStartedAt, now)
	}); err != nil {
		return nil, s.fail(wc, "Teardown", err)
	}

	decisions, err := s.decisions(wc, st, policy.OperationTeardown, types)
	if err != nil {
		return nil, s.fail(wc, "Teardown", err)
	}

	if denials := collectDenials(types, decisions); len(denials) > 0 {
		result.Outcome = OutcomePolicyDenied
		result.Denials = denials
		err := s.notifyOnce(wc, "summary", notify.Message{
			Kind:    notify.KindInfo,
			Subject: fmt.Sprintf("Teardown of %s blocked by policy", st.Name),
			Body:    strings.Join(denials, "\n"),
		})
		return result, err
	}

	estimate, err := engine.Step(wc, "estimate", func(ctx context.Context) (Estimate, error) {
		idle, err := s.idleHours(ctx, st.Name)
		if err != nil {
			return Estimate{}, err
		}
		return s.rates.Estimate(resourceCounts(st, types, decisions), idle), nil
	})
	if err != nil {
		return nil, s.fail(wc, "Teardown", err)
	}
	result.Savings = estimate

	gated := st.Gated() || anyGated(decisions)
	switch {
	case gated || st.RequireApproval:
		approval, err := s.awaitApproval(wc, st, gated, estimate)
		if err != nil {
			return nil, s.fail(wc, "Teardown", err)
		}
		result.Approval = approval

		switch approval.Status {
		case stores.ApprovalDenied:
			result.Outcome = OutcomeDenied
			return result, s.notifyOnce(wc, "summary", notify.Message{
				Kind:    notify.KindInfo,
				Subject: fmt.Sprintf("Teardown of %s cancelled: approval denied", st.Name),
				Fields:  map[string]interface{}{"approval_id": approval.ApprovalID, "decided_by": approval.DecidedBy},
			})
		case stores.ApprovalExpired:
			result.Outcome = OutcomeExpired
			return result, s.notifyOnce(wc, "summary", notify.Message{
				Kind:    notify.KindInfo,
				Subject: fmt.Sprintf("Teardown of %s skipped: approval expired", st.Name),
				Body:    "No decision was made in time. Approval will be requested again on the next idle cycle.",
				Fields:  map[string]interface{}{"approval_id": approval.ApprovalID},
			})
		}

	case s.cfg.Timing.GracePeriod.D() > 0:
		if err := wc.Sleep("grace-period", s.cfg.Timing.GracePeriod.D()); err != nil {
			return nil, s.fail(wc, "Teardown", err)
		}
	}

	branches := make([]engine.Branch[ResourceOutcome], 0, len(types))
	for _, t := range types {
		decision := decisions[t]
		branches = append(branches, engine.Branch[ResourceOutcome]{
			Name: string(t),
			Run: func(bc *engine.Context) (ResourceOutcome, error) {
				return s.teardownResource(bc, st, t, decision)
			},
		})
	}
	outcomes, branchErr := collect(engine.Parallel(wc, branches))
	result.Resources = outcomes

	if branchErr != nil {
		if errors.Is(branchErr, engine.ErrCancelled) || wc.Ctx().Err() != nil {
			return nil, s.fail(wc, "Teardown", branchErr)
		}
		result.Outcome = OutcomeFailed
		s.publish(context.WithoutCancel(wc.Ctx()), notify.Message{
			Kind:        notify.KindFailure,
			Stage:       st.Name,
			ExecutionID: wc.ExecutionID(),
			Subject:     fmt.Sprintf("Teardown of %s failed", st.Name),
			Body:        outcomeLines(outcomes),
			Fields:      map[string]interface{}{"error_class": string(engine.ClassOf(branchErr))},
		})
		return nil, fmt.Errorf("teardown of %s failed: %w", st.Name, branchErr)
	}

	result.Outcome = OutcomeCompleted
	s.metrics.SetEstimatedSavings(st.Name, estimate.Monthly)
	s.metrics.SetIdleResources(st.Name, countIdle(outcomes))

	msg := notify.Message{
		Kind:    notify.KindSuccess,
		Subject: fmt.Sprintf("%s is idle", st.Name),
		Body:    outcomeLines(outcomes),
		Fields: map[string]interface{}{
			"idle_hours":          estimate.IdleHours,
			"hourly_savings_usd":  estimate.Hourly,
			"monthly_savings_usd": estimate.Monthly,
		},
	}
	if unmoved := unmovedTypes(outcomes); len(unmoved) > 0 {
		result.Outcome = OutcomePartial
		msg.Subject = fmt.Sprintf("%s is partially idle: %s still running", st.Name, strings.Join(unmoved, ", "))
		msg.Fields["not_idle"] = unmoved
	}
	return result, s.notifyOnce(wc, "summary", msg)
}

// unmovedTypes lists the resources a conflict left as they were.
func unmovedTypes(outcomes []ResourceOutcome) []string {
	var types []string
	for _, o := range outcomes {
		if o.Action == ActionConflict {
			types = append(types, string(o.Type))
		}
	}
	return types
}

func (s *Service) teardownResource(wc *engine.Context, st *config.StageConfig, t drivers.ResourceType, d *policy.Decision) (ResourceOutcome, error) {
	refs := st.Refs(t)
	out := ResourceOutcome{Type: t, IDs: refIDs(refs)}
	if d != nil && d.Skip {
		out.Action = ActionSkipped
		out.Detail = "teardown disabled by policy for " + stageClass(st) + " stages"
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

	switch t {
	case drivers.DBCluster:
		return s.stopCluster(wc, drv, refs[0], mark, out)
	case drivers.CacheCluster:
		return s.deleteCache(wc, drv, refs[0], mark, d, out)
	case drivers.ComputeServices:
		return s.scaleDownServices(wc, drv, refs, mark, out)
	case drivers.NetworkGateway:
		return s.deleteGateway(wc, drv, refs[0], mark, d, out)
	}
	return out, drivers.ErrUnsupported(t, policy.OperationTeardown)
}

// precheck describes the resource and decides whether teardown proceeds.
// done is true when the outcome is final: already idle, or owned by a
// concurrent restore.
func (s *Service) precheck(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, mark stateMark, out *ResourceOutcome) (desc *drivers.Description, done bool, err error) {
	desc, err = describe(wc, drv, ref, "describe")
	if err != nil {
		return nil, false, err
	}
	out.Status = desc.Status

	if mark.State.IsRestoring() && (desc.Status == drivers.StatusStarting || desc.Status == drivers.StatusCreating) {
		out.Action = ActionConflict
		out.State = mark.State
		out.Detail = "restore in progress"
		return desc, true, nil
	}

	if desc.Status.IsIdle() {
		out.Action = ActionAlreadyIdle
		out.State = idleState(desc.Status)
		if !mark.State.IsIdle() {
			// Reconcile the record with what the provider reports.
			if _, err := s.recordState(wc, "record", ref.Type, mark.Timestamp, out.State, map[string]interface{}{
				"reason": "observed idle",
			}); err != nil && !engine.IsConflict(err) {
				return desc, true, err
			}
		} else {
			out.State = mark.State
		}
		return desc, true, nil
	}
	return desc, false, nil
}

// mutate runs a destructive driver call once, retrying transient failures.
// A conflict from the provider means another actor moved the resource; it
// is reported as a no-op.
func (s *Service) mutate(wc *engine.Context, step, what string, fn func(ctx context.Context) error) (bool, error) {
	err := wc.Do(step, func(ctx context.Context) error {
		return wc.Retry(ctx, what, fn)
	})
	if engine.IsConflict(err) {
		wc.Logger().Warn().Err(err).Str("step", step).Msg("Provider rejected the change; treating as no-op")
		return false, nil
	}
	return err == nil, err
}

func (s *Service) stopCluster(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, mark stateMark, out ResourceOutcome) (ResourceOutcome, error) {
	_, done, err := s.precheck(wc, drv, ref, mark, &out)
	if err != nil || done {
		return out, err
	}

	if err := wc.Do("bookkeeping", func(ctx context.Context) error {
		return s.books.put(ctx, ref.Stage, ParamClusterID, ref.ID)
	}); err != nil {
		return out, err
	}

	applied, err := s.mutate(wc, "stop", "stop "+ref.String(), func(ctx context.Context) error {
		return drv.Stop(ctx, ref)
	})
	if err != nil {
		return out, err
	}
	if !applied {
		out.Action, out.Detail = ActionConflict, "provider rejected the change"
		return out, nil
	}

	if _, err := s.recordState(wc, "record", ref.Type, mark.Timestamp, stores.StateStopping, map[string]interface{}{
		"cluster_id": ref.ID,
		"reason":     "teardown",
	}); err != nil {
		return out, err
	}
	out.Action, out.State = ActionStopped, stores.StateStopping
	return out, nil
}

func (s *Service) deleteCache(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, mark stateMark, d *policy.Decision, out ResourceOutcome) (ResourceOutcome, error) {
	_, done, err := s.precheck(wc, drv, ref, mark, &out)
	if err != nil || done {
		return out, err
	}

	snapshot := d != nil && d.SnapshotBeforeDelete
	snapshotName, err := engine.Step(wc, "bookkeeping", func(ctx context.Context) (string, error) {
		if err := s.books.put(ctx, ref.Stage, ParamCacheID, ref.ID); err != nil {
			return "", err
		}
		if !snapshot {
			// A fresh cluster is created on restore; drop any stale name.
			_, err := s.books.delete(ctx, ref.Stage, ParamSnapshotName)
			return "", err
		}
		name := fmt.Sprintf("idler-%s-%s-%s", ref.Stage, ref.ID, s.now().UTC().Format("20060102-150405"))
		return name, s.books.put(ctx, ref.Stage, ParamSnapshotName, name)
	})
	if err != nil {
		return out, err
	}

	if snapshot {
		snap, ok := drv.(drivers.Snapshotter)
		if !ok {
			return out, drivers.ErrUnsupported(ref.Type, "snapshot")
		}
		if err := wc.Do("snapshot", func(ctx context.Context) error {
			return wc.Retry(ctx, "snapshot "+ref.String(), func(ctx context.Context) error {
				return snap.Snapshot(ctx, ref, snapshotName)
			})
		}); err != nil {
			return out, err
		}
		if settle := s.cfg.Timing.SnapshotSettle.D(); settle > 0 {
			if err := wc.Sleep("snapshot-settle", settle); err != nil {
				return out, err
			}
		}
		ready, err := wc.WaitUntil("snapshot-started", s.cfg.Timing.SnapshotTimeout.D(), s.cfg.Timing.PollInterval.D(), func(ctx context.Context) (bool, error) {
			desc, err := drv.Describe(ctx, ref)
			if err != nil {
				return false, err
			}
			return !desc.Busy, nil
		})
		if err != nil {
			return out, err
		}
		if !ready {
			return out, engine.NewTimeoutError("cache snapshot did not release the cluster in time", nil).
				WithResource(ref.String()).
				WithOperation("snapshot")
		}
		out.Detail = "snapshot " + snapshotName
	}

	applied, err := s.mutate(wc, "delete", "delete "+ref.String(), func(ctx context.Context) error {
		return drv.Stop(ctx, ref)
	})
	if err != nil {
		return out, err
	}
	if !applied {
		out.Action, out.Detail = ActionConflict, "provider rejected the change"
		return out, nil
	}

	metadata := map[string]interface{}{"replication_group_id": ref.ID, "reason": "teardown"}
	if snapshotName != "" {
		metadata["snapshot_name"] = snapshotName
	}
	if _, err := s.recordState(wc, "record", ref.Type, mark.Timestamp, stores.StateDeleting, metadata); err != nil {
		return out, err
	}
	out.Action, out.State = ActionDeleted, stores.StateDeleting
	return out, nil
}

func (s *Service) scaleDownServices(wc *engine.Context, drv drivers.Driver, refs []drivers.Ref, mark stateMark, out ResourceOutcome) (ResourceOutcome, error) {
	type serviceView struct {
		Ref  drivers.Ref          `json:"ref"`
		Desc *drivers.Description `json:"desc"`
	}

	views := make([]serviceView, 0, len(refs))
	active := 0
	for _, ref := range refs {
		desc, err := describe(wc, drv, ref, "describe/"+ref.ID)
		if err != nil {
			return out, err
		}
		if mark.State.IsRestoring() && desc.Status == drivers.StatusStarting {
			out.Action, out.State, out.Detail = ActionConflict, mark.State, "restore in progress"
			return out, nil
		}
		if desc.DesiredCount > 0 {
			active++
		}
		views = append(views, serviceView{Ref: ref, Desc: desc})
	}

	if active == 0 {
		out.Action, out.State, out.Status = ActionAlreadyIdle, stores.StateScaledDown, drivers.StatusStopped
		if !mark.State.IsIdle() {
			if _, err := s.recordState(wc, "record", drivers.ComputeServices, mark.Timestamp, stores.StateScaledDown, map[string]interface{}{
				"reason": "observed idle",
			}); err != nil && !engine.IsConflict(err) {
				return out, err
			}
		}
		return out, nil
	}

	// Keep counts recorded by an earlier cycle for services already at zero.
	records, err := engine.Step(wc, "bookkeeping", func(ctx context.Context) ([]ServiceRecord, error) {
		prior, err := s.books.load(ctx, wc.Stage())
		if err != nil {
			return nil, err
		}
		records := make([]ServiceRecord, 0, len(views))
		for _, v := range views {
			rec := ServiceRecord{Cluster: v.Ref.Attr(drivers.AttrECSCluster), Name: v.Ref.ID, DesiredCount: v.Desc.DesiredCount}
			if rec.DesiredCount == 0 {
				if n, ok := prior.Service(rec.Cluster, rec.Name); ok {
					rec.DesiredCount = n
				}
			}
			records = append(records, rec)
		}
		return records, s.books.putServices(ctx, wc.Stage(), records)
	})
	if err != nil {
		return out, err
	}

	for _, v := range views {
		if v.Desc.DesiredCount == 0 {
			continue
		}
		ref := v.Ref
		if _, err := s.mutate(wc, "scale/"+ref.ID, "scale "+ref.String(), func(ctx context.Context) error {
			return drv.Scale(ctx, ref, 0)
		}); err != nil {
			return out, err
		}
	}

	services := make([]interface{}, 0, len(records))
	for _, r := range records {
		services = append(services, map[string]interface{}{"cluster": r.Cluster, "name": r.Name, "desired_count": r.DesiredCount})
	}
	if _, err := s.recordState(wc, "record", drivers.ComputeServices, mark.Timestamp, stores.StateScaledDown, map[string]interface{}{
		"services": services,
		"reason":   "teardown",
	}); err != nil {
		return out, err
	}
	out.Action, out.State, out.Status = ActionScaledDown, stores.StateScaledDown, drivers.StatusStopping
	return out, nil
}

func (s *Service) deleteGateway(wc *engine.Context, drv drivers.Driver, ref drivers.Ref, mark stateMark, d *policy.Decision, out ResourceOutcome) (ResourceOutcome, error) {
	desc, done, err := s.precheck(wc, drv, ref, mark, &out)
	if err != nil || done {
		return out, err
	}

	allocations := desc.AllocationIDs
	if len(allocations) == 0 {
		allocations = ref.AttrList(drivers.AttrAllocationIDs)
	}
	preserve := d == nil || d.PreserveAddresses

	if err := wc.Do("bookkeeping", func(ctx context.Context) error {
		if err := s.books.put(ctx, ref.Stage, ParamGatewayID, desc.ProviderID); err != nil {
			return err
		}
		if !preserve || len(allocations) == 0 {
			return nil
		}
		return s.books.put(ctx, ref.Stage, ParamAllocationIDs, strings.Join(allocations, ","))
	}); err != nil {
		return out, err
	}

	applied, err := s.mutate(wc, "delete", "delete "+ref.String(), func(ctx context.Context) error {
		return drv.Stop(ctx, ref)
	})
	if err != nil {
		return out, err
	}
	if !applied {
		out.Action, out.Detail = ActionConflict, "provider rejected the change"
		return out, nil
	}

	if _, err := s.recordState(wc, "record", ref.Type, mark.Timestamp, stores.StateDeleting, map[string]interface{}{
		"gateway_id":     desc.ProviderID,
		"allocation_ids": strings.Join(allocations, ","),
		"reason":         "teardown",
	}); err != nil {
		return out, err
	}
	out.Action, out.State = ActionDeleted, stores.StateDeleting
	if preserve && len(allocations) > 0 {
		out.Detail = "addresses preserved: " + strings.Join(allocations, ",")
	}
	return out, nil
}

// idleHours measures inactivity from the last recorded activity, falling
// back to the newest non-idle state row of the stage.
func (s *Service) idleHours(ctx context.Context, stage string) (float64, error) {
	books, err := s.books.load(ctx, stage)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if books.LastActivityAt != nil {
		return hoursSince(now, *books.LastActivityAt), nil
	}

	rows, err := s.store.QueryByStage(ctx, stage, false, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, row := range rows {
		if !row.CurrentState.IsIdle() && row.Timestamp > last {
			last = row.Timestamp
		}
	}
	if last == 0 {
		return 0, nil
	}
	return hoursSince(now, time.Unix(0, last)), nil
}

func hoursSince(now, t time.Time) float64 {
	if d := now.Sub(t); d > 0 {
		return d.Hours()
	}
	return 0
}

// resourceCounts counts the resources teardown would act on.
func resourceCounts(st *config.StageConfig, types []drivers.ResourceType, decisions map[drivers.ResourceType]*policy.Decision) map[drivers.ResourceType]int {
	counts := make(map[drivers.ResourceType]int, len(types))
	for _, t := range types {
		if d := decisions[t]; d != nil && d.Skip {
			continue
		}
		counts[t] = len(st.Refs(t))
	}
	return counts
}

func anyGated(decisions map[drivers.ResourceType]*policy.Decision) bool {
	for _, d := range decisions {
		if d != nil && d.Gated {
			return true
		}
	}
	return false
}

func collectDenials(types []drivers.ResourceType, decisions map[drivers.ResourceType]*policy.Decision) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range types {
		d := decisions[t]
		if d == nil {
			continue
		}
		for _, reason := range d.Deny {
			if !seen[reason] {
				seen[reason] = true
				out = append(out, reason)
			}
		}
	}
	sort.Strings(out)
	return out
}

func idleState(status drivers.Status) stores.LifecycleState {
	switch status {
	case drivers.StatusStopped:
		return stores.StateStopped
	case drivers.StatusStopping:
		return stores.StateStopping
	case drivers.StatusDeleting:
		return stores.StateDeleting
	case drivers.StatusAbsent:
		return stores.StateDeleted
	}
	return stores.StateIdle
}

func countIdle(outcomes []ResourceOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.State.IsIdle() {
			n += max(1, len(o.IDs))
		}
	}
	return n
}

func outcomeLines(outcomes []ResourceOutcome) string {
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		line := fmt.Sprintf("%s %s: %s", o.Type, strings.Join(o.IDs, ","), o.Action)
		if o.State != "" {
			line += " (" + string(o.State) + ")"
		}
		if o.Detail != "" {
			line += ", " + o.Detail
		}
		if o.Error != "" {
			line += ": " + o.Error
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// fail reports a terminal workflow error. Shutdown leaves the execution
// resumable, so nothing is sent for it.
func (s *Service) fail(wc *engine.Context, what string, err error) error {
	ctx := context.WithoutCancel(wc.Ctx())
	switch {
	case errors.Is(err, engine.ErrCancelled):
		s.publish(ctx, notify.Message{
			Kind:        notify.KindInfo,
			Stage:       wc.Stage(),
			ExecutionID: wc.ExecutionID(),
			Subject:     fmt.Sprintf("%s of %s cancelled", what, wc.Stage()),
		})
	case wc.Ctx().Err() != nil:
	default:
		msg := notify.Message{
			Kind:        notify.KindFailure,
			Stage:       wc.Stage(),
			ExecutionID: wc.ExecutionID(),
			Subject:     fmt.Sprintf("%s of %s failed", what, wc.Stage()),
			Body:        err.Error(),
			Fields:      map[string]interface{}{"error_class": string(engine.ClassOf(err))},
		}
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Resource != "" {
			msg.Fields["resource"] = ee.Resource
		}
		s.publish(ctx, msg)
	}
	return err
}
