package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/policy"
)

// HealthCheck is the post-restore verdict for one resource.
type HealthCheck struct {
	Type    drivers.ResourceType `json:"type"`
	ID      string               `json:"id"`
	Status  drivers.Status       `json:"status"`
	Healthy bool                 `json:"healthy"`
	Detail  string               `json:"detail,omitempty"`
}

// checkHealth describes every restored resource. When the restore did not
// wait, resources still starting or being created count as healthy.
func (s *Service) checkHealth(ctx context.Context, wc *engine.Context, st *config.StageConfig, types []drivers.ResourceType, decisions map[drivers.ResourceType]*policy.Decision, waited bool) ([]HealthCheck, error) {
	var checks []HealthCheck
	for _, t := range types {
		refs := st.Refs(t)
		if d := decisions[t]; d != nil && d.Skip {
			for _, ref := range refs {
				checks = append(checks, HealthCheck{Type: t, ID: ref.ID, Healthy: true, Detail: "skipped by policy"})
			}
			continue
		}

		drv, err := s.driver(t)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			var desc *drivers.Description
			if err := wc.Retry(ctx, "health "+ref.String(), func(ctx context.Context) error {
				var err error
				desc, err = drv.Describe(ctx, ref)
				return err
			}); err != nil {
				return nil, err
			}
			checks = append(checks, judge(t, ref, desc, waited))
		}
	}
	return checks, nil
}

func judge(t drivers.ResourceType, ref drivers.Ref, desc *drivers.Description, waited bool) HealthCheck {
	hc := HealthCheck{Type: t, ID: ref.ID, Status: desc.Status}

	if t == drivers.ComputeServices {
		switch {
		case desc.DesiredCount < 1:
			hc.Detail = "desired count is 0"
		case waited && desc.RunningCount < 1:
			hc.Detail = "no running tasks"
		default:
			hc.Healthy = true
			hc.Detail = fmt.Sprintf("%d/%d running", desc.RunningCount, desc.DesiredCount)
		}
		return hc
	}

	switch desc.Status {
	case drivers.StatusAvailable:
		hc.Healthy = true
	case drivers.StatusStarting, drivers.StatusCreating:
		hc.Healthy = !waited
		if !waited {
			hc.Detail = "still " + string(desc.Status)
		}
	}
	if !hc.Healthy && hc.Detail == "" {
		hc.Detail = "status " + string(desc.Status)
	}
	return hc
}

func unhealthyChecks(checks []HealthCheck) []HealthCheck {
	var out []HealthCheck
	for _, c := range checks {
		if !c.Healthy {
			out = append(out, c)
		}
	}
	return out
}

func joinChecks(checks []HealthCheck) string {
	parts := make([]string, len(checks))
	for i, c := range checks {
		parts[i] = fmt.Sprintf("%s/%s (%s)", c.Type, c.ID, c.Detail)
	}
	return strings.Join(parts, ", ")
}
