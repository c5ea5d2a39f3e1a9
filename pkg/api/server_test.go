package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/autorestart"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/stores"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	teardowns []orchestrator.TeardownInput
	restores  []orchestrator.RestoreInput
	activity  map[string]time.Time
	startErr  error
	decide    func(orchestrator.DecisionRequest) (*orchestrator.DecisionResult, error)
}

func (f *fakeOrchestrator) StartTeardown(_ context.Context, in orchestrator.TeardownInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.teardowns = append(f.teardowns, in)
	return fmt.Sprintf("td-%d", len(f.teardowns)), nil
}

func (f *fakeOrchestrator) StartRestore(_ context.Context, in orchestrator.RestoreInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.restores = append(f.restores, in)
	return fmt.Sprintf("rs-%d", len(f.restores)), nil
}

func (f *fakeOrchestrator) Decide(_ context.Context, req orchestrator.DecisionRequest) (*orchestrator.DecisionResult, error) {
	return f.decide(req)
}

func (f *fakeOrchestrator) RecordActivity(_ context.Context, stage string, at time.Time) error {
	if stage != "dev" {
		return engine.NewConfigurationError("unknown stage "+stage, nil).WithCode(engine.ErrCodeNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activity == nil {
		f.activity = make(map[string]time.Time)
	}
	f.activity[stage] = at
	return nil
}

type fakeExecutions struct {
	execs     map[string]*stores.Execution
	cancelled []string
}

func (f *fakeExecutions) Get(_ context.Context, id string) (*stores.Execution, error) {
	e, ok := f.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, stores.ErrNotFound)
	}
	return e, nil
}

func (f *fakeExecutions) Cancel(_ context.Context, id string) (bool, error) {
	e := f.execs[id]
	if e.Status.IsTerminal() {
		return false, nil
	}
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

type fakeStates struct {
	healthErr error
	lastLimit int
	latest    bool
}

func (f *fakeStates) QueryByStage(_ context.Context, stage string, latestOnly bool, limit int) ([]*stores.ResourceState, error) {
	f.lastLimit, f.latest = limit, latestOnly
	if stage != "dev" {
		return nil, nil
	}
	return []*stores.ResourceState{{Stage: "dev", ResourceType: "DB_CLUSTER", CurrentState: stores.StateStopped}}, nil
}

func (f *fakeStates) HealthCheck(context.Context) error { return f.healthErr }

type fakeEvents struct{}

func (fakeEvents) Handle(_ context.Context, data []byte) (*autorestart.Result, error) {
	if !json.Valid(data) {
		return nil, engine.NewConfigurationError("unreadable audit event", nil)
	}
	return &autorestart.Result{EventID: "evt-1", Action: autorestart.ActionIgnored}, nil
}

type fixture struct {
	srv    *Server
	orch   *fakeOrchestrator
	execs  *fakeExecutions
	states *fakeStates
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	result := `{"outcome":"completed"}`
	f := &fixture{
		orch: &fakeOrchestrator{},
		execs: &fakeExecutions{execs: map[string]*stores.Execution{
			"running": {ID: "running", Workflow: "teardown", Stage: "dev", Status: stores.ExecutionRunning},
			"done":    {ID: "done", Workflow: "restore", Stage: "dev", Status: stores.ExecutionSucceeded, Result: &result},
		}},
		states: &fakeStates{},
	}
	srv, err := NewServer(Deps{
		Orchestrator: f.orch,
		Executions:   f.execs,
		States:       f.states,
		Events:       fakeEvents{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("idler_up 1\n"))
		}),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestTeardownTrigger(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/teardown", `{"stage":"dev","resources":"CACHE_CLUSTER"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp StartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.ExecutionID != "td-1" || resp.Workflow != orchestrator.WorkflowTeardown {
		t.Errorf("response = %+v", resp)
	}
	if len(f.orch.teardowns) != 1 || f.orch.teardowns[0].Selector != "CACHE_CLUSTER" {
		t.Errorf("teardowns = %+v", f.orch.teardowns)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "missing stage", path: "/v1/teardown", body: `{"resources":"all"}`},
		{name: "malformed", path: "/v1/restore", body: `{"stage":`},
		{name: "unknown field", path: "/v1/restore", body: `{"stage":"dev","force":true}`},
		{name: "activity without stage", path: "/v1/activity", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}
	if len(f.orch.teardowns)+len(f.orch.restores) != 0 {
		t.Error("invalid requests reached the orchestrator")
	}
}

func TestRestoreDefaultsToWaiting(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/v1/restore", `{"stage":"dev"}`)
	f.do(t, http.MethodPost, "/v1/restore", `{"stage":"dev","resources":"all","wait_for_completion":false}`)

	if len(f.orch.restores) != 2 {
		t.Fatalf("restores = %d", len(f.orch.restores))
	}
	if !f.orch.restores[0].WaitForCompletion {
		t.Error("restore without flag should wait")
	}
	if f.orch.restores[1].WaitForCompletion {
		t.Error("explicit wait_for_completion=false ignored")
	}
}

func TestStartErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: engine.NewConflictError("a restore is in progress", nil), want: http.StatusConflict},
		{err: engine.NewConfigurationError("unknown stage", nil).WithCode(engine.ErrCodeNotFound), want: http.StatusNotFound},
		{err: engine.NewConfigurationError("invalid resource selector", nil), want: http.StatusBadRequest},
		{err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.orch.startErr = tt.err
		rec := f.do(t, http.MethodPost, "/v1/teardown", `{"stage":"dev"}`)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestApprovalLinks(t *testing.T) {
	f := newFixture(t)
	var got []orchestrator.DecisionRequest
	f.orch.decide = func(req orchestrator.DecisionRequest) (*orchestrator.DecisionResult, error) {
		got = append(got, req)
		switch req.Token {
		case "good":
			return &orchestrator.DecisionResult{ApprovalID: req.ApprovalID, Status: stores.ApprovalApproved, Applied: true}, nil
		case "late":
			return &orchestrator.DecisionResult{ApprovalID: req.ApprovalID, Status: stores.ApprovalExpired, Reason: "already expired"}, nil
		}
		return nil, orchestrator.ErrInvalidToken
	}

	page := f.do(t, http.MethodGet, "/v1/approvals/a-1/approve?token=good", "")
	if page.Code != http.StatusOK {
		t.Errorf("confirmation page status = %d", page.Code)
	}
	if ct := page.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if body := page.Body.String(); !strings.Contains(body, `method="post"`) || !strings.Contains(body, `value="good"`) {
		t.Errorf("page lacks the confirming form: %s", body)
	}
	if len(got) != 0 {
		t.Fatalf("GET decided %d times, want 0", len(got))
	}
	if rec := f.do(t, http.MethodGet, "/v1/approvals/a-1/deny", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("page without token status = %d", rec.Code)
	}

	form := httptest.NewRequest(http.MethodPost, "/v1/approvals/a-1/approve", strings.NewReader("token=good"))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, form)
	if rec.Code != http.StatusOK {
		t.Errorf("form approve status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/approvals/a-1/deny?token=late", ""); rec.Code != http.StatusConflict {
		t.Errorf("late deny status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/approvals/a-1/approve?token=forged", ""); rec.Code != http.StatusForbidden {
		t.Errorf("forged token status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/approvals/a-1/approve", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing token status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/approvals/a-1/maybe?token=good", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown decision status = %d", rec.Code)
	}

	if len(got) != 3 {
		t.Fatalf("Decide calls = %d, want 3", len(got))
	}
	if got[0].Decision != orchestrator.DecisionApprove || got[0].Token != "good" || got[1].Decision != orchestrator.DecisionDeny {
		t.Errorf("decisions = %+v", got)
	}
}

func TestActivity(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	rec := f.do(t, http.MethodPost, "/v1/activity", `{"stage":"dev","at":"2026-05-04T09:00:00Z"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !f.orch.activity["dev"].Equal(at) {
		t.Errorf("activity = %v", f.orch.activity["dev"])
	}
	if rec := f.do(t, http.MethodPost, "/v1/activity", `{"stage":"nope"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stage status = %d", rec.Code)
	}
}

func TestExecutions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/executions/done", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	result, ok := body["result"].(map[string]interface{})
	if !ok || result["outcome"] != "completed" {
		t.Errorf("result = %v, want embedded JSON", body["result"])
	}

	if rec := f.do(t, http.MethodGet, "/v1/executions/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/executions/running/cancel", ""); rec.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/executions/done/cancel", ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel finished status = %d", rec.Code)
	}
	if len(f.execs.cancelled) != 1 || f.execs.cancelled[0] != "running" {
		t.Errorf("cancelled = %v", f.execs.cancelled)
	}
}

func TestStageStates(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/stages/dev/states", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.states.latest || f.states.lastLimit != 100 {
		t.Errorf("query latest=%v limit=%d", f.states.latest, f.states.lastLimit)
	}
	if !strings.Contains(rec.Body.String(), `"current_state":"STOPPED"`) {
		t.Errorf("body = %s", rec.Body)
	}

	f.do(t, http.MethodGet, "/v1/stages/dev/states?history=true&limit=5", "")
	if f.states.latest || f.states.lastLimit != 5 {
		t.Errorf("history query latest=%v limit=%d", f.states.latest, f.states.lastLimit)
	}
	if rec := f.do(t, http.MethodGet, "/v1/stages/dev/states?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/stages/qa/states", ""); !strings.Contains(rec.Body.String(), `"states":[]`) {
		t.Errorf("empty stage body = %s", rec.Body)
	}
}

func TestAuditEventIntake(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/v1/events/audit", `{"id":"evt-1"}`); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/events/audit", `garbage`); rec.Code != http.StatusBadRequest {
		t.Errorf("garbage status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	f.states.healthErr = errors.New("database is closed")
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy healthz = %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "idler_up") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body)
	}
}
