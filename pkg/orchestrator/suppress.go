package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/stores"
)

// Suppression outcomes.
const (
	SuppressRestopped      = "restopped"
	SuppressIgnored        = "ignored"
	SuppressAlreadyStopped = "already-stopped"
	SuppressConflict       = "conflict"
)

// ReasonAutoRestart tags state rows written by a re-stop.
const ReasonAutoRestart = "auto-restart"

// SuppressResult is the recorded result of an auto-restart suppression.
type SuppressResult struct {
	Stage         string                `json:"stage"`
	ClusterID     string                `json:"cluster_id"`
	Outcome       string                `json:"outcome"`
	RecordedState stores.LifecycleState `json:"recorded_state,omitempty"`
	RestopCount   int                   `json:"restop_count,omitempty"`
}

func (s *Service) suppressWorkflow(wc *engine.Context, raw json.RawMessage) (interface{}, error) {
	var in SuppressInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.NewConfigurationError("invalid suppression input", err)
	}

	st, err := s.stage(in.Stage)
	if err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}
	refs := st.Refs(drivers.DBCluster)
	if len(refs) == 0 {
		return nil, s.fail(wc, "Re-stop", engine.NewConfigurationError(
			fmt.Sprintf("stage %s manages no database cluster", st.Name), nil).
			WithCode(engine.ErrCodeNotFound))
	}
	ref := refs[0]
	if in.ClusterID != "" && in.ClusterID != ref.ID {
		// Resolved through the naming pattern rather than the configured id.
		wc.Logger().Warn().
			Str("cluster_id", in.ClusterID).
			Str("configured", ref.ID).
			Msg("Re-stopping cluster matched by naming pattern")
		ref.ID = in.ClusterID
	}
	result := &SuppressResult{Stage: st.Name, ClusterID: ref.ID}

	mark, err := s.latestState(wc, drivers.DBCluster, "state")
	if err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}
	result.RecordedState = mark.State

	if !mark.State.IsIdle() {
		result.Outcome = SuppressIgnored
		s.metrics.RecordAutoRestartStop(st.Name, SuppressIgnored)
		return result, s.notifyOnce(wc, "summary", notify.Message{
			Kind:    notify.KindInfo,
			Subject: fmt.Sprintf("%s cluster %s started while %s; leaving it running", st.Name, ref.ID, stateLabel(mark.State)),
			Fields:  map[string]interface{}{"event_id": in.EventID, "source": in.Source},
		})
	}

	if d := s.cfg.Timing.AutoRestartSettle.D(); d > 0 {
		if err := wc.Sleep("settle", d); err != nil {
			return nil, s.fail(wc, "Re-stop", err)
		}
	}

	drv, err := s.driver(drivers.DBCluster)
	if err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}
	desc, err := describe(wc, drv, ref, "describe")
	if err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}

	if desc.Status.IsIdle() {
		// Duplicate delivery, or already handled.
		result.Outcome = SuppressAlreadyStopped
		s.metrics.RecordAutoRestartStop(st.Name, SuppressAlreadyStopped)
		return result, s.notifyOnce(wc, "summary", notify.Message{
			Kind:    notify.KindInfo,
			Subject: fmt.Sprintf("%s cluster %s is already %s", st.Name, ref.ID, desc.Status),
			Fields:  map[string]interface{}{"event_id": in.EventID},
		})
	}

	if desc.Status != drivers.StatusAvailable {
		ok, err := wc.WaitUntil("running", s.cfg.Timing.AutoRestartTimeout.D(), s.cfg.Timing.PollInterval.D(), func(ctx context.Context) (bool, error) {
			d, err := drv.Describe(ctx, ref)
			if err != nil {
				return false, err
			}
			return d.Status == drivers.StatusAvailable, nil
		})
		if err != nil {
			return nil, s.fail(wc, "Re-stop", err)
		}
		if !ok {
			return nil, s.fail(wc, "Re-stop", engine.NewTimeoutError("restarted cluster never became available", nil).
				WithResource(ref.String()).
				WithOperation("stop"))
		}
	}

	applied, err := s.mutate(wc, "stop", "stop "+ref.String(), func(ctx context.Context) error {
		return drv.Stop(ctx, ref)
	})
	if err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}
	if !applied {
		result.Outcome = SuppressConflict
		s.metrics.RecordAutoRestartStop(st.Name, SuppressConflict)
		return result, s.notifyOnce(wc, "summary", notify.Message{
			Kind:    notify.KindInfo,
			Subject: fmt.Sprintf("%s cluster %s changed state before it could be re-stopped", st.Name, ref.ID),
		})
	}

	count := restopCount(mark.Metadata) + 1
	if _, err := s.recordState(wc, "record", drivers.DBCluster, mark.Timestamp, stores.StateStopping, map[string]interface{}{
		"reason":       ReasonAutoRestart,
		"restop_count": count,
		"event_id":     in.EventID,
		"source":       in.Source,
		"cluster_id":   ref.ID,
	}); err != nil {
		return nil, s.fail(wc, "Re-stop", err)
	}

	result.Outcome, result.RestopCount = SuppressRestopped, count
	s.metrics.RecordAutoRestartStop(st.Name, SuppressRestopped)
	return result, s.notifyOnce(wc, "summary", notify.Message{
		Kind:    notify.KindSuccess,
		Subject: fmt.Sprintf("Re-stopped auto-restarted %s cluster %s", st.Name, ref.ID),
		Fields: map[string]interface{}{
			"restop_count": count,
			"event_id":     in.EventID,
		},
	})
}

func restopCount(metadata map[string]interface{}) int {
	switch v := metadata["restop_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stateLabel(s stores.LifecycleState) string {
	if s == "" {
		return "untracked"
	}
	return string(s)
}
