package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/stores"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Class     string `json:"class,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StartResponse acknowledges a started workflow.
type StartResponse struct {
	ExecutionID string `json:"execution_id"`
	Stage       string `json:"stage"`
	Workflow    string `json:"workflow"`
}

// ActivityRequest marks a stage as in use.
type ActivityRequest struct {
	Stage string    `json:"stage" validate:"required"`
	At    time.Time `json:"at"`
}

type teardownRequest struct {
	Stage     string `json:"stage" validate:"required"`
	Resources string `json:"resources"`
}

type restoreRequest struct {
	Stage             string `json:"stage" validate:"required"`
	Resources         string `json:"resources"`
	WaitForCompletion *bool  `json:"wait_for_completion"`
}

// decisionPage confirms an action link. Link previews and scanners follow
// GETs, so only the form's POST decides.
var decisionPage = template.Must(template.New("decision").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}} teardown</title></head>
<body>
<p>{{.Title}} the teardown requested by approval <code>{{.ID}}</code>?</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">{{.Title}}</button>
</form>
</body>
</html>
`))

func (s *Server) handleDecisionPage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := r.URL.Query().Get("token")
	if token == "" {
		s.respondError(w, r, engine.NewConfigurationError("missing approval token", nil).WithCode(engine.ErrCodeValidation))
		return
	}
	title := "Approve"
	if vars["decision"] == orchestrator.DecisionDeny {
		title = "Deny"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if err := decisionPage.Execute(w, map[string]string{
		"Title":  title,
		"ID":     vars["id"],
		"Token":  token,
		"Action": r.URL.Path,
	}); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to render decision page")
	}
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req := orchestrator.DecisionRequest{
		ApprovalID: vars["id"],
		Decision:   vars["decision"],
		Token:      r.FormValue("token"),
		Actor:      r.FormValue("actor"),
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, engine.NewConfigurationError("invalid decision request", err))
		return
	}

	res, err := s.deps.Orchestrator.Decide(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !res.Applied {
		respondJSON(w, http.StatusConflict, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	var req teardownRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.deps.Orchestrator.StartTeardown(r.Context(), orchestrator.TeardownInput{
		Stage:    req.Stage,
		Selector: drivers.Selector(req.Resources),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id, Stage: req.Stage, Workflow: orchestrator.WorkflowTeardown})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := orchestrator.RestoreInput{
		Stage:             req.Stage,
		Selector:          drivers.Selector(req.Resources),
		WaitForCompletion: true,
	}
	if req.WaitForCompletion != nil {
		in.WaitForCompletion = *req.WaitForCompletion
	}
	id, err := s.deps.Orchestrator.StartRestore(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, StartResponse{ExecutionID: id, Stage: req.Stage, Workflow: orchestrator.WorkflowRestore})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Orchestrator.RecordActivity(r.Context(), req.Stage, req.At); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, engine.NewConfigurationError("audit event intake is disabled", nil).WithCode(engine.ErrCodeUnsupported))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, r, engine.NewConfigurationError("failed to read body", err))
		return
	}
	res, err := s.deps.Events.Handle(r.Context(), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Executions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, executionView(exec))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Executions.Get(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	ok, err := s.deps.Executions.Cancel(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusConflict, map[string]interface{}{"execution_id": id, "cancelled": false, "reason": "execution already finished"})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"execution_id": id, "cancelled": true})
}

func (s *Server) handleStageStates(w http.ResponseWriter, r *http.Request) {
	stage := mux.Vars(r)["stage"]
	history := r.URL.Query().Get("history") == "true"
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			s.respondError(w, r, engine.NewConfigurationError(fmt.Sprintf("invalid limit %q", l), err))
			return
		}
		limit = n
	}

	states, err := s.deps.States.QueryByStage(r.Context(), stage, !history, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if states == nil {
		states = []*stores.ResourceState{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stage": stage, "states": states})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.States.HealthCheck(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates a JSON body, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.respondError(w, r, engine.NewConfigurationError("invalid request body", err))
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			err = fmt.Errorf("%s: failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		s.respondError(w, r, engine.NewConfigurationError("invalid request", err))
		return false
	}
	return true
}

type executionResponse struct {
	*stores.Execution
	Result json.RawMessage `json:"result,omitempty"`
}

func executionView(exec *stores.Execution) executionResponse {
	v := executionResponse{Execution: exec}
	if exec.Result != nil {
		v.Result = json.RawMessage(*exec.Result)
	}
	return v
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(err error) int {
	var ee *engine.EngineError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, stores.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ee) && ee.Code == engine.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.As(err, &ee) && ee.Code == engine.ErrCodeUnsupported:
		return http.StatusNotImplemented
	}
	switch engine.ClassOf(err) {
	case engine.ErrorClassConfiguration:
		return http.StatusBadRequest
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), RequestID: w.Header().Get("X-Request-ID")}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		resp.Code, resp.Class = ee.Code, string(ee.Class)
	}

	logger := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
