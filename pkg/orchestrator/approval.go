package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/stores"
)

// Actors recorded on decisions made without a human.
const (
	ActorAutoApprove = "system:auto-approve"
	ActorExpiry      = "system:expiry"
	ActorCancelled   = "system:cancelled"
)

// Decisions accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// ErrInvalidToken is returned when a decision carries a token that does not
// match the approval request.
var ErrInvalidToken = engine.NewPermanentError("invalid approval token", nil).WithCode(engine.ErrCodeInvalidToken)

// approvalNamespace scopes approval ids derived from execution ids.
var approvalNamespace = uuid.MustParse("5b0f3c3e-8f37-4f43-9b0a-1f2d7c9e4a61")

// ApprovalID returns the approval id of the teardown execution executionID.
// A resumed execution finds its own request instead of creating another.
func ApprovalID(executionID string) string {
	return uuid.NewSHA1(approvalNamespace, []byte(executionID)).String()
}

// ApprovalOutcome is how the approval of one teardown resolved.
type ApprovalOutcome struct {
	ApprovalID   string                `json:"approval_id"`
	Status       stores.ApprovalStatus `json:"status"`
	DecidedBy    string                `json:"decided_by,omitempty"`
	ExpiresAt    time.Time             `json:"expires_at"`
	AutoApproved bool                  `json:"auto_approved,omitempty"`
}

type approvalRequest struct {
	ID          string                `json:"id"`
	RequestedAt time.Time             `json:"requested_at"`
	ExpiresAt   time.Time             `json:"expires_at"`
	Status      stores.ApprovalStatus `json:"status"`
}

// awaitApproval requests a decision and waits for it until the request
// expires. An undecided gated request expires; an ungated one is approved.
func (s *Service) awaitApproval(wc *engine.Context, st *config.StageConfig, gated bool, est Estimate) (*ApprovalOutcome, error) {
	req, err := engine.Step(wc, "approval/request", func(ctx context.Context) (approvalRequest, error) {
		return s.requestApproval(ctx, wc, st, est)
	})
	if err != nil {
		return nil, err
	}

	if req.Status == stores.ApprovalPending {
		timeout := req.ExpiresAt.Sub(s.now())
		if timeout < 0 {
			timeout = 0
		}
		if _, err := wc.WaitUntil("approval", timeout, s.cfg.Timing.ApprovalPollInterval.D(), func(ctx context.Context) (bool, error) {
			a, err := s.store.GetApproval(ctx, req.ID)
			if err != nil {
				return false, engine.NewTransientError("failed to read approval", err)
			}
			return a.Status != stores.ApprovalPending, nil
		}); err != nil {
			// A shutdown leaves the request pending for the resumed execution.
			if errors.Is(err, engine.ErrCancelled) || wc.Ctx().Err() == nil {
				s.closeApproval(context.WithoutCancel(wc.Ctx()), st.Name, req.ID)
			}
			return nil, err
		}
	}

	return engine.Step(wc, "approval/resolve", func(ctx context.Context) (*ApprovalOutcome, error) {
		return s.resolveApproval(ctx, st, gated, req)
	})
}

// requestApproval creates the approval row, or rotates the token of an
// existing pending one, and sends the action links. The token never leaves
// this function except in the notification.
func (s *Service) requestApproval(ctx context.Context, wc *engine.Context, st *config.StageConfig, est Estimate) (approvalRequest, error) {
	id := ApprovalID(wc.ExecutionID())
	token, hash, err := newToken()
	if err != nil {
		return approvalRequest{}, err
	}

	existing, err := s.store.GetApproval(ctx, id)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		now := s.now()
		a := &stores.Approval{
			ID:               id,
			Stage:            st.Name,
			ExecutionID:      wc.ExecutionID(),
			RequestedAt:      now,
			ExpiresAt:        now.Add(s.cfg.Timing.ApprovalWindow.D()),
			EstimatedSavings: est.Monthly,
			IdleHours:        est.IdleHours,
			Status:           stores.ApprovalPending,
			TokenHash:        hash,
		}
		if err := s.store.CreateApproval(ctx, a); err != nil {
			return approvalRequest{}, err
		}
		existing = a
	case err != nil:
		return approvalRequest{}, err
	case existing.Status != stores.ApprovalPending:
		return approvalRequest{ID: id, RequestedAt: existing.RequestedAt, ExpiresAt: existing.ExpiresAt, Status: existing.Status}, nil
	default:
		rotated, err := s.store.RotateApprovalToken(ctx, id, hash, existing.ExpiresAt)
		if err != nil {
			return approvalRequest{}, err
		}
		if !rotated {
			// Decided between the read and the rotation.
			a, err := s.store.GetApproval(ctx, id)
			if err != nil {
				return approvalRequest{}, err
			}
			return approvalRequest{ID: id, RequestedAt: a.RequestedAt, ExpiresAt: a.ExpiresAt, Status: a.Status}, nil
		}
	}

	s.publish(ctx, notify.Message{
		Kind:        notify.KindApproval,
		Stage:       st.Name,
		ExecutionID: wc.ExecutionID(),
		Subject:     fmt.Sprintf("Approve teardown of %s?", st.Name),
		Body: fmt.Sprintf("%s has been idle for %.1fh. Teardown saves about $%.2f/h ($%.2f/month). The request expires at %s.",
			st.Name, est.IdleHours, est.Hourly, est.Monthly, existing.ExpiresAt.UTC().Format(time.RFC3339)),
		Fields: map[string]interface{}{
			"approval_id": id,
			"approve_url": s.actionURL(id, DecisionApprove, token),
			"deny_url":    s.actionURL(id, DecisionDeny, token),
			"expires_at":  existing.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	wc.Logger().Info().Str("approval_id", id).Time("expires_at", existing.ExpiresAt).Msg("Approval requested")

	return approvalRequest{ID: id, RequestedAt: existing.RequestedAt, ExpiresAt: existing.ExpiresAt, Status: stores.ApprovalPending}, nil
}

func (s *Service) resolveApproval(ctx context.Context, st *config.StageConfig, gated bool, req approvalRequest) (*ApprovalOutcome, error) {
	out := &ApprovalOutcome{ApprovalID: req.ID, ExpiresAt: req.ExpiresAt}

	a, err := s.store.GetApproval(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if a.Status == stores.ApprovalPending {
		status, actor := stores.ApprovalExpired, ActorExpiry
		if !gated {
			status, actor = stores.ApprovalApproved, ActorAutoApprove
		}
		applied, err := s.store.DecideApproval(ctx, req.ID, status, actor)
		if err != nil {
			return nil, err
		}
		if applied {
			s.metrics.RecordApproval(st.Name, string(status))
			s.audit(ctx, "approval."+string(status), actor, req.ID, "")
		}
		if a, err = s.store.GetApproval(ctx, req.ID); err != nil {
			return nil, err
		}
	}

	out.Status = a.Status
	if a.DecidedBy != nil {
		out.DecidedBy = *a.DecidedBy
	}
	out.AutoApproved = out.DecidedBy == ActorAutoApprove
	return out, nil
}

// closeApproval expires a pending request whose execution will never act on
// it.
func (s *Service) closeApproval(ctx context.Context, stage, id string) {
	applied, err := s.store.DecideApproval(ctx, id, stores.ApprovalExpired, ActorCancelled)
	if err != nil {
		s.logger.Error().Err(err).Str("approval_id", id).Msg("Failed to close approval")
		return
	}
	if applied {
		s.metrics.RecordApproval(stage, string(stores.ApprovalExpired))
		s.audit(ctx, "approval.expired", ActorCancelled, id, "")
		s.logger.Info().Str("approval_id", id).Str("stage", stage).Msg("Approval closed with its execution")
	}
}

func (s *Service) actionURL(id, decision, token string) string {
	base := strings.TrimRight(s.cfg.API.PublicURL, "/")
	return fmt.Sprintf("%s/v1/approvals/%s/%s?token=%s", base, url.PathEscape(id), decision, url.QueryEscape(token))
}

func newToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate approval token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash approval token: %w", err)
	}
	return token, string(h), nil
}

// DecisionRequest is an approve or deny action.
type DecisionRequest struct {
	ApprovalID string `json:"approval_id" validate:"required"`
	Token      string `json:"token" validate:"required"`
	Decision   string `json:"decision" validate:"required,oneof=approve deny"`
	Actor      string `json:"actor,omitempty"`
}

// DecisionResult reports the approval after a decision attempt. Applied is
// false when the request was no longer pending; nothing was changed then.
type DecisionResult struct {
	ApprovalID  string                `json:"approval_id"`
	Status      stores.ApprovalStatus `json:"status"`
	ExecutionID string                `json:"execution_id"`
	Applied     bool                  `json:"applied"`
	Reason      string                `json:"reason,omitempty"`
}

// Decide applies an approve or deny action. The token is checked first;
// a decided or expired request is reported unchanged with Applied false.
// Of concurrent callers, at most one applies and notifies.
func (s *Service) Decide(ctx context.Context, req DecisionRequest) (*DecisionResult, error) {
	var status stores.ApprovalStatus
	switch req.Decision {
	case DecisionApprove:
		status = stores.ApprovalApproved
	case DecisionDeny:
		status = stores.ApprovalDenied
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown decision %q", req.Decision), nil)
	}
	if req.Actor == "" {
		req.Actor = "link"
	}

	a, err := s.store.GetApproval(ctx, req.ApprovalID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewConfigurationError("approval not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(req.ApprovalID)
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.TokenHash), []byte(req.Token)) != nil {
		s.audit(ctx, "approval.rejected", req.Actor, a.ID, `{"reason":"invalid token"}`)
		return nil, ErrInvalidToken
	}

	result := &DecisionResult{ApprovalID: a.ID, Status: a.Status, ExecutionID: a.ExecutionID}
	if a.Status != stores.ApprovalPending {
		result.Reason = "already " + string(a.Status)
		return result, nil
	}
	if !s.now().Before(a.ExpiresAt) {
		result.Reason = "request expired"
		return result, nil
	}

	exec, err := s.engine.Get(ctx, a.ExecutionID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		result.Reason = "execution no longer exists"
	case err != nil:
		return nil, err
	case exec.Status.IsTerminal() || exec.CancelRequested:
		result.Reason = "execution " + string(exec.Status)
		if exec.CancelRequested && !exec.Status.IsTerminal() {
			result.Reason = "execution cancelling"
		}
	}
	if result.Reason != "" {
		s.closeApproval(ctx, a.Stage, a.ID)
		current, err := s.store.GetApproval(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		result.Status = current.Status
		return result, nil
	}

	applied, err := s.store.DecideApproval(ctx, a.ID, status, req.Actor)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := s.store.GetApproval(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		result.Status = current.Status
		result.Reason = "already " + string(current.Status)
		return result, nil
	}

	result.Status, result.Applied = status, true
	s.metrics.RecordApproval(a.Stage, string(status))

	details, _ := json.Marshal(map[string]string{"execution_id": a.ExecutionID, "stage": a.Stage})
	s.audit(ctx, "approval."+string(status), req.Actor, a.ID, string(details))
	s.logger.Info().
		Str("approval_id", a.ID).
		Str("stage", a.Stage).
		Str("status", string(status)).
		Str("actor", req.Actor).
		Msg("Approval decided")

	s.publish(ctx, notify.Message{
		Kind:        notify.KindInfo,
		Stage:       a.Stage,
		ExecutionID: a.ExecutionID,
		Subject:     fmt.Sprintf("Teardown of %s %s", a.Stage, status),
		Fields:      map[string]interface{}{"approval_id": a.ID, "decided_by": req.Actor},
	})
	return result, nil
}
