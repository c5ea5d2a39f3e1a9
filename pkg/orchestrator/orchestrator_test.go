package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/drivers/sim"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/policy"
	"github.com/openfroyo/idler/pkg/stores"
)

type harness struct {
	cfg   *config.Config
	svc   *Service
	eng   *engine.Engine
	store *stores.SQLiteStore
	cloud *sim.Cloud
	notes *notify.Memory
}

func testStage(name, class string) config.StageConfig {
	return config.StageConfig{
		Name:  name,
		Class: class,
		Resources: config.ResourcesConfig{
			DBCluster: &config.DBClusterConfig{ID: "db-" + name},
			Cache:     &config.CacheConfig{ID: "cache-" + name, NodeType: "cache.t4g.small"},
			Services: []config.ServiceConfig{
				{Name: "api-" + name, Cluster: name + "-cluster", DesiredCount: 2},
				{Name: "worker-" + name, Cluster: name + "-cluster", DesiredCount: 1},
			},
			Gateway: &config.GatewayConfig{Name: "nat-" + name, SubnetID: "subnet-" + name, AllocationIDs: []string{"eipalloc-" + name}},
		},
	}
}

func newHarness(t *testing.T, mutate func(*config.Config), simOpts ...sim.Option) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Stages = []config.StageConfig{testStage("dev", policy.StageClassUngated), testStage("prod", policy.StageClassGated)}
	cfg.API.PublicURL = "https://idler.example.com"
	cfg.Timing.GracePeriod = 0
	cfg.Timing.ApprovalWindow = config.Duration(3 * time.Second)
	cfg.Timing.ApprovalPollInterval = config.Duration(10 * time.Millisecond)
	cfg.Timing.SnapshotSettle = 0
	cfg.Timing.SnapshotTimeout = config.Duration(2 * time.Second)
	cfg.Timing.PollInterval = config.Duration(5 * time.Millisecond)
	cfg.Timing.RestoreTimeout = config.Duration(2 * time.Second)
	cfg.Timing.Stabilization = 0
	cfg.Timing.AutoRestartSettle = 0
	cfg.Timing.AutoRestartTimeout = config.Duration(2 * time.Second)
	if mutate != nil {
		mutate(cfg)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "idler.db"), StateTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	eng := engine.New(store, zerolog.Nop(),
		engine.WithCancelPollInterval(10*time.Millisecond),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	)
	t.Cleanup(func() {
		eng.Close()
		_ = store.Close()
	})

	pol, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	cloud := sim.New(simOpts...)
	for _, st := range cfg.Stages {
		if db := st.Resources.DBCluster; db != nil {
			cloud.Seed(drivers.DBCluster, db.ID, drivers.StatusAvailable)
		}
		cloud.Seed(drivers.CacheCluster, st.Resources.Cache.ID, drivers.StatusAvailable)
		for _, svc := range st.Resources.Services {
			cloud.SeedService(svc.Name, svc.DesiredCount)
		}
		if gw := st.Resources.Gateway; gw != nil {
			cloud.SeedGateway(gw.Name, gw.AllocationIDs...)
		}
	}

	notes := notify.NewMemory()
	svc, err := New(Deps{
		Config:   cfg,
		Store:    store,
		Engine:   eng,
		Drivers:  drivers.NewRegistry(cloud.Drivers()...),
		Policy:   pol,
		Notifier: notes,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &harness{cfg: cfg, svc: svc, eng: eng, store: store, cloud: cloud, notes: notes}
}

func (h *harness) wait(t *testing.T, id string) *stores.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := h.eng.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return exec
}

func (h *harness) teardown(t *testing.T, stage string, sel drivers.Selector) (*stores.Execution, *TeardownResult) {
	t.Helper()
	id, err := h.svc.StartTeardown(context.Background(), TeardownInput{Stage: stage, Selector: sel})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	exec := h.wait(t, id)
	var res TeardownResult
	if exec.Status == stores.ExecutionSucceeded {
		if err := engine.DecodeResult(exec, &res); err != nil {
			t.Fatalf("DecodeResult failed: %v", err)
		}
	}
	return exec, &res
}

func (h *harness) restore(t *testing.T, stage string, sel drivers.Selector, wait bool) (*stores.Execution, *RestoreResult) {
	t.Helper()
	id, err := h.svc.StartRestore(context.Background(), RestoreInput{Stage: stage, Selector: sel, WaitForCompletion: wait})
	if err != nil {
		t.Fatalf("StartRestore failed: %v", err)
	}
	exec := h.wait(t, id)
	var res RestoreResult
	if exec.Status == stores.ExecutionSucceeded {
		if err := engine.DecodeResult(exec, &res); err != nil {
			t.Fatalf("DecodeResult failed: %v", err)
		}
	}
	return exec, &res
}

func (h *harness) state(t *testing.T, rt drivers.ResourceType, stage string) *stores.ResourceState {
	t.Helper()
	row, err := h.store.GetLatestState(context.Background(), stores.ResourceKey(string(rt), stage))
	if err != nil {
		t.Fatalf("GetLatestState(%s, %s) failed: %v", rt, stage, err)
	}
	return row
}

// approvalToken waits for the approval notification of an execution and
// returns the token embedded in its action link.
func (h *harness) approvalToken(t *testing.T, executionID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range h.notes.ByKind(notify.KindApproval) {
			if msg.ExecutionID != executionID {
				continue
			}
			link, _ := msg.Fields["approve_url"].(string)
			u, err := url.Parse(link)
			if err != nil {
				t.Fatalf("bad approve link %q: %v", link, err)
			}
			return u.Query().Get("token")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no approval notification for %s", executionID)
	return ""
}

func countSubject(msgs []notify.Message, substr string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m.Subject, substr) {
			n++
		}
	}
	return n
}

func TestFullCycleOnUngatedStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	exec, res := h.teardown(t, "dev", drivers.SelectAll)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("teardown status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Outcome != OutcomeCompleted || len(res.Resources) != 4 {
		t.Fatalf("teardown result = %+v", res)
	}
	if res.Approval != nil {
		t.Errorf("ungated teardown requested approval: %+v", res.Approval)
	}

	want := map[drivers.ResourceType]stores.LifecycleState{
		drivers.DBCluster:       stores.StateStopping,
		drivers.CacheCluster:    stores.StateDeleting,
		drivers.ComputeServices: stores.StateScaledDown,
		drivers.NetworkGateway:  stores.StateDeleting,
	}
	for rt, state := range want {
		if got := h.state(t, rt, "dev").CurrentState; got != state {
			t.Errorf("%s state = %s, want %s", rt, got, state)
		}
	}

	books, err := h.svc.Bookkeeping(ctx, "dev")
	if err != nil {
		t.Fatalf("Bookkeeping failed: %v", err)
	}
	if books.ClusterID != "db-dev" || books.CacheID != "cache-dev" || books.GatewayID == "" {
		t.Errorf("bookkeeping ids = %+v", books)
	}
	if books.SnapshotName != "" {
		t.Errorf("ungated stage recorded snapshot %q", books.SnapshotName)
	}
	if n, ok := books.Service("dev-cluster", "api-dev"); !ok || n != 2 {
		t.Errorf("api-dev recorded count = %d, %v; want 2", n, ok)
	}
	if len(books.AllocationIDs) != 1 || books.AllocationIDs[0] != "eipalloc-dev" {
		t.Errorf("allocation ids = %v", books.AllocationIDs)
	}
	if books.TeardownStartedAt == nil {
		t.Error("teardown start not recorded")
	}
	if h.cloud.Calls(drivers.CacheCluster, sim.OpSnapshot) != 0 {
		t.Error("ungated teardown took a snapshot")
	}

	exec, rres := h.restore(t, "dev", drivers.SelectAll, true)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("restore status = %s (%v)", exec.Status, exec.Error)
	}
	if rres.Outcome != OutcomeCompleted {
		t.Fatalf("restore result = %+v", rres)
	}
	for _, hc := range rres.Health {
		if !hc.Healthy {
			t.Errorf("unhealthy after restore: %+v", hc)
		}
	}

	restored := map[drivers.ResourceType]stores.LifecycleState{
		drivers.DBCluster:       stores.StateAvailable,
		drivers.CacheCluster:    stores.StateAvailable,
		drivers.ComputeServices: stores.StateActive,
		drivers.NetworkGateway:  stores.StateAvailable,
	}
	for rt, state := range restored {
		if got := h.state(t, rt, "dev").CurrentState; got != state {
			t.Errorf("%s state after restore = %s, want %s", rt, got, state)
		}
	}

	books, err = h.svc.Bookkeeping(ctx, "dev")
	if err != nil {
		t.Fatalf("Bookkeeping failed: %v", err)
	}
	if books.ClusterID != "" || books.CacheID != "" || len(books.Services) != 0 || books.TeardownStartedAt != nil {
		t.Errorf("bookkeeping not cleared: %+v", books)
	}

	if got := countSubject(h.notes.ByKind(notify.KindSuccess), "restored"); got != 1 {
		t.Errorf("restore completion notifications = %d, want 1", got)
	}
	if got := len(h.notes.ByKind(notify.KindFailure)) + len(h.notes.ByKind(notify.KindAlert)); got != 0 {
		t.Errorf("unexpected failure notifications: %d", got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	if exec, _ := h.teardown(t, "dev", drivers.SelectAll); exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("first teardown status = %s", exec.Status)
	}
	exec, res := h.teardown(t, "dev", drivers.SelectAll)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("second teardown status = %s (%v)", exec.Status, exec.Error)
	}
	for _, o := range res.Resources {
		if o.Action != ActionAlreadyIdle {
			t.Errorf("%s action = %s, want %s", o.Type, o.Action, ActionAlreadyIdle)
		}
	}
	if got := h.cloud.Calls(drivers.DBCluster, sim.OpStop); got != 1 {
		t.Errorf("database stop calls = %d, want 1", got)
	}
}

func TestTeardownSingleTypeRequiresConfiguredResource(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Stages[0].Resources.Gateway = nil
	})

	exec, _ := h.teardown(t, "dev", drivers.Selector(drivers.NetworkGateway))
	if exec.Status != stores.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorClass == nil || *exec.ErrorClass != string(engine.ErrorClassConfiguration) {
		t.Errorf("error class = %v, want configuration", exec.ErrorClass)
	}
	if got := h.cloud.Calls(drivers.DBCluster, sim.OpDescribe); got != 0 {
		t.Errorf("describe calls = %d, want none", got)
	}
	if len(h.notes.ByKind(notify.KindFailure)) != 1 {
		t.Error("expected one failure notification")
	}
}

func TestTeardownRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.cloud.InjectFault(drivers.DBCluster, sim.OpStop,
		engine.NewThrottledError("rate exceeded", nil),
		engine.NewTransientError("service unavailable", nil))

	exec, res := h.teardown(t, "dev", drivers.Selector(drivers.DBCluster))
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Resources[0].Action != ActionStopped {
		t.Errorf("action = %s, want %s", res.Resources[0].Action, ActionStopped)
	}
	if got := h.cloud.Calls(drivers.DBCluster, sim.OpStop); got != 3 {
		t.Errorf("stop calls = %d, want 3", got)
	}
}

func TestTeardownReportsResourcesLeftRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.cloud.InjectFault(drivers.DBCluster, sim.OpStop, engine.NewConflictError("cluster is backing-up", nil))

	exec, res := h.teardown(t, "dev", drivers.SelectAll)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Outcome != OutcomePartial {
		t.Errorf("outcome = %s, want %s", res.Outcome, OutcomePartial)
	}
	for _, o := range res.Resources {
		if o.Type == drivers.DBCluster && o.Action != ActionConflict {
			t.Errorf("database action = %s, want %s", o.Action, ActionConflict)
		}
	}

	if n := countSubject(h.notes.ByKind(notify.KindSuccess), "dev is partially idle: DB_CLUSTER still running"); n != 1 {
		t.Errorf("partial summaries = %d, want 1", n)
	}
	if n := countSubject(h.notes.Messages(), "dev is idle"); n != 0 {
		t.Errorf("idle summaries = %d, want 0", n)
	}
}

func TestTeardownPartialFailureKeepsSiblings(t *testing.T) {
	h := newHarness(t, nil)
	h.cloud.InjectFault(drivers.CacheCluster, sim.OpStop, engine.NewPermanentError("access denied", nil))

	exec, _ := h.teardown(t, "dev", drivers.SelectAll)
	if exec.Status != stores.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if got := h.state(t, drivers.DBCluster, "dev").CurrentState; got != stores.StateStopping {
		t.Errorf("database state = %s, want STOPPING", got)
	}
	if _, err := h.store.GetLatestState(context.Background(), stores.ResourceKey(string(drivers.CacheCluster), "dev")); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("cache state recorded despite failed delete: %v", err)
	}

	books, _ := h.svc.Bookkeeping(context.Background(), "dev")
	if books.CacheID != "cache-dev" {
		t.Errorf("cache bookkeeping = %q, want it written before the delete", books.CacheID)
	}
	if len(h.notes.ByKind(notify.KindFailure)) != 1 {
		t.Errorf("failure notifications = %d, want 1", len(h.notes.ByKind(notify.KindFailure)))
	}
}

func TestTeardownDeniedByLabel(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Stages[0].Labels = map[string]string{policy.LabelDoNotIdle: "true"}
	})

	exec, res := h.teardown(t, "dev", drivers.SelectAll)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s", exec.Status)
	}
	if res.Outcome != OutcomePolicyDenied || len(res.Denials) == 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.cloud.Calls(drivers.DBCluster, sim.OpStop) != 0 {
		t.Error("denied teardown stopped the database")
	}
}

func TestGatedDenial(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "prod", Selector: drivers.SelectAll})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	token := h.approvalToken(t, id)

	res, err := h.svc.Decide(ctx, DecisionRequest{ApprovalID: ApprovalID(id), Token: token, Decision: DecisionDeny, Actor: "alice"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !res.Applied || res.Status != stores.ApprovalDenied || res.ExecutionID != id {
		t.Fatalf("decision = %+v", res)
	}

	exec := h.wait(t, id)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}
	var tres TeardownResult
	if err := engine.DecodeResult(exec, &tres); err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if tres.Outcome != OutcomeDenied {
		t.Errorf("outcome = %s, want %s", tres.Outcome, OutcomeDenied)
	}

	for _, rt := range drivers.AllResourceTypes() {
		for _, op := range []string{sim.OpStop, sim.OpScale, sim.OpSnapshot} {
			if n := h.cloud.Calls(rt, op); n != 0 {
				t.Errorf("%s %s calls = %d, want 0", rt, op, n)
			}
		}
	}

	// A replayed link is rejected without a second transition.
	again, err := h.svc.Decide(ctx, DecisionRequest{ApprovalID: ApprovalID(id), Token: token, Decision: DecisionApprove})
	if err != nil {
		t.Fatalf("second Decide failed: %v", err)
	}
	if again.Applied || again.Status != stores.ApprovalDenied {
		t.Errorf("second decision = %+v", again)
	}
}

func TestApproveTwiceAppliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "prod", Selector: drivers.SelectAll})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	token := h.approvalToken(t, id)

	var wg sync.WaitGroup
	results := make([]*DecisionResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Decide(ctx, DecisionRequest{ApprovalID: ApprovalID(id), Token: token, Decision: DecisionApprove})
		}(i)
	}
	wg.Wait()

	applied := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("Decide %d failed: %v", i, errs[i])
		}
		if r.Status != stores.ApprovalApproved {
			t.Errorf("decision %d status = %s", i, r.Status)
		}
		if r.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied decisions = %d, want 1", applied)
	}
	if got := countSubject(h.notes.ByKind(notify.KindInfo), "approved"); got != 1 {
		t.Errorf("confirmation notifications = %d, want 1", got)
	}

	exec := h.wait(t, id)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}

	// Gated stages snapshot the cache before deleting it and keep the gateway.
	books, _ := h.svc.Bookkeeping(ctx, "prod")
	if books.SnapshotName == "" {
		t.Fatal("snapshot name not recorded")
	}
	if src, ok := h.cloud.Snapshot(books.SnapshotName); !ok || src != "cache-prod" {
		t.Errorf("snapshot %s source = %q, %v", books.SnapshotName, src, ok)
	}
	cache := h.state(t, drivers.CacheCluster, "prod")
	if cache.CurrentState != stores.StateDeleting || cache.Metadata["snapshot_name"] != books.SnapshotName {
		t.Errorf("cache state = %s %v", cache.CurrentState, cache.Metadata)
	}
	if h.cloud.Calls(drivers.NetworkGateway, sim.OpStop) != 0 {
		t.Error("gated teardown deleted the gateway")
	}

	// Restore recreates the cache from the recorded snapshot.
	rexec, _ := h.restore(t, "prod", drivers.SelectAll, true)
	if rexec.Status != stores.ExecutionSucceeded {
		t.Fatalf("restore status = %s (%v)", rexec.Status, rexec.Error)
	}
	if got := h.cloud.RestoredFrom("cache-prod"); got != books.SnapshotName {
		t.Errorf("cache restored from %q, want %q", got, books.SnapshotName)
	}
}

func TestDecideRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "prod", Selector: drivers.SelectAll})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	h.approvalToken(t, id)

	_, err = h.svc.Decide(ctx, DecisionRequest{ApprovalID: ApprovalID(id), Token: "forged", Decision: DecisionApprove})
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	a, err := h.store.GetApproval(ctx, ApprovalID(id))
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if a.Status != stores.ApprovalPending {
		t.Errorf("status = %s after forged decision", a.Status)
	}

	if _, err := h.svc.Decide(ctx, DecisionRequest{ApprovalID: "missing", Token: "x", Decision: DecisionApprove}); !engine.IsConfiguration(err) {
		t.Errorf("unknown approval err = %v, want configuration error", err)
	}

	if _, err := h.eng.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if exec := h.wait(t, id); exec.Status != stores.ExecutionCancelled {
		t.Errorf("status = %s, want cancelled", exec.Status)
	}
}

func TestGatedApprovalTimeoutExpires(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Timing.ApprovalWindow = config.Duration(50 * time.Millisecond)
	})

	exec, res := h.teardown(t, "prod", drivers.SelectAll)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Outcome != OutcomeExpired || res.Approval == nil || res.Approval.Status != stores.ApprovalExpired {
		t.Fatalf("result = %+v", res)
	}
	if h.cloud.Calls(drivers.DBCluster, sim.OpStop) != 0 {
		t.Error("expired approval still stopped the database")
	}

	a, err := h.store.GetApproval(context.Background(), res.Approval.ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if a.Status != stores.ApprovalExpired || a.DecidedBy == nil || *a.DecidedBy != ActorExpiry {
		t.Errorf("approval = %+v", a)
	}
}

func TestUngatedApprovalTimeoutAutoApproves(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Timing.ApprovalWindow = config.Duration(50 * time.Millisecond)
		cfg.Stages[0].RequireApproval = true
	})

	exec, res := h.teardown(t, "dev", drivers.Selector(drivers.DBCluster))
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Outcome != OutcomeCompleted || res.Approval == nil || !res.Approval.AutoApproved {
		t.Fatalf("result = %+v", res)
	}
	if res.Approval.DecidedBy != ActorAutoApprove {
		t.Errorf("decided by = %s", res.Approval.DecidedBy)
	}
	if h.cloud.Calls(drivers.DBCluster, sim.OpStop) != 1 {
		t.Error("auto-approved teardown did not stop the database")
	}
}

func TestRestoreSupersedesTeardown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	teardownID, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "prod", Selector: drivers.SelectAll})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	token := h.approvalToken(t, teardownID)

	if _, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "prod", Selector: drivers.SelectAll}); !engine.IsConflict(err) {
		t.Fatalf("second teardown err = %v, want conflict", err)
	}

	exec, res := h.restore(t, "prod", drivers.SelectAll, false)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("restore status = %s (%v)", exec.Status, exec.Error)
	}
	for _, o := range res.Resources {
		if o.Action != ActionAlreadyReady && o.Action != ActionSkipped {
			t.Errorf("%s action = %s", o.Type, o.Action)
		}
	}

	if got := h.wait(t, teardownID).Status; got != stores.ExecutionCancelled {
		t.Errorf("teardown status = %s, want cancelled", got)
	}

	a, err := h.store.GetApproval(ctx, ApprovalID(teardownID))
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if a.Status != stores.ApprovalExpired || a.DecidedBy == nil || *a.DecidedBy != ActorCancelled {
		t.Errorf("approval after cancel = %s by %v, want expired by %s", a.Status, a.DecidedBy, ActorCancelled)
	}

	late, err := h.svc.Decide(ctx, DecisionRequest{ApprovalID: a.ID, Token: token, Decision: DecisionApprove})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if late.Applied || late.Status != stores.ApprovalExpired {
		t.Errorf("late approve = applied %v status %s, want not applied", late.Applied, late.Status)
	}
	if n := countSubject(h.notes.Messages(), "Teardown of prod approved"); n != 0 {
		t.Errorf("approved notifications = %d, want 0", n)
	}
}

func TestDecideClosesRequestOfFinishedExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	token, hash, err := newToken()
	if err != nil {
		t.Fatalf("newToken failed: %v", err)
	}
	now := time.Now()
	if err := h.store.CreateApproval(ctx, &stores.Approval{
		ID:          "appr-orphan",
		Stage:       "prod",
		ExecutionID: "exec-gone",
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Hour),
		Status:      stores.ApprovalPending,
		TokenHash:   hash,
	}); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	res, err := h.svc.Decide(ctx, DecisionRequest{ApprovalID: "appr-orphan", Token: token, Decision: DecisionApprove})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if res.Applied || res.Status != stores.ApprovalExpired || res.Reason == "" {
		t.Errorf("result = %+v, want closed without applying", res)
	}
	a, err := h.store.GetApproval(ctx, "appr-orphan")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if a.DecidedBy == nil || *a.DecidedBy != ActorCancelled {
		t.Errorf("decided_by = %v, want %s", a.DecidedBy, ActorCancelled)
	}
}

func TestRestoreTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Timing.RestoreTimeout = config.Duration(50 * time.Millisecond)
	}, sim.WithSettleAfter(1_000_000))
	h.cloud.ForceStatus(drivers.DBCluster, "db-dev", drivers.StatusStopped)

	exec, _ := h.restore(t, "dev", drivers.Selector(drivers.DBCluster), true)
	if exec.Status != stores.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorClass == nil || *exec.ErrorClass != string(engine.ErrorClassTimeout) {
		t.Errorf("error class = %v, want timeout", exec.ErrorClass)
	}
	if got := h.state(t, drivers.DBCluster, "dev").CurrentState; got != stores.StateStarting {
		t.Errorf("state = %s, want STARTING", got)
	}
	if len(h.notes.ByKind(notify.KindAlert)) != 1 {
		t.Errorf("alerts = %d, want 1", len(h.notes.ByKind(notify.KindAlert)))
	}
}

func TestRestoreWaitsShareOneDeadline(t *testing.T) {
	// Stopping and starting each take at least 40 polls of 5ms; either
	// fits the ceiling alone, both together do not.
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Timing.RestoreTimeout = config.Duration(300 * time.Millisecond)
	}, sim.WithSettleAfter(40))
	h.cloud.ForceTransition(drivers.DBCluster, "db-dev", drivers.StatusStopping, drivers.StatusStopped)

	started := time.Now()
	exec, _ := h.restore(t, "dev", drivers.Selector(drivers.DBCluster), true)
	if exec.Status != stores.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorClass == nil || *exec.ErrorClass != string(engine.ErrorClassTimeout) {
		t.Errorf("error class = %v, want timeout", exec.ErrorClass)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("restore took %s", elapsed)
	}
}

func TestRestoreWithoutWaitLeavesStarting(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Timing.Stabilization = config.Duration(20 * time.Millisecond)
	})
	if exec, _ := h.teardown(t, "dev", drivers.SelectAll); exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("teardown status = %s", exec.Status)
	}

	exec, res := h.restore(t, "dev", drivers.SelectAll, false)
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("restore status = %s (%v)", exec.Status, exec.Error)
	}
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if got := h.state(t, drivers.ComputeServices, "dev").CurrentState; got != stores.StateStarting {
		t.Errorf("compute state = %s, want STARTING", got)
	}
	if _, err := h.store.GetStep(context.Background(), exec.ID, "sleep:stabilization"); err != nil {
		t.Errorf("stabilization wait not recorded: %v", err)
	}
}

func TestSuppressRestopsStoppedCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.store.PutState(ctx, &stores.ResourceState{
		ResourceKey:  stores.ResourceKey(string(drivers.DBCluster), "dev"),
		Stage:        "dev",
		ResourceType: string(drivers.DBCluster),
		CurrentState: stores.StateStopped,
	}); err != nil {
		t.Fatalf("PutState failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		h.cloud.ForceStatus(drivers.DBCluster, "db-dev", drivers.StatusAvailable)
		id, err := h.svc.StartSuppress(ctx, SuppressInput{Stage: "dev", ClusterID: "db-dev", EventID: fmt.Sprintf("evt-%d", want)})
		if err != nil {
			t.Fatalf("StartSuppress failed: %v", err)
		}
		exec := h.wait(t, id)
		var res SuppressResult
		if err := engine.DecodeResult(exec, &res); err != nil {
			t.Fatalf("DecodeResult failed: %v (%v)", err, exec.Error)
		}
		if res.Outcome != SuppressRestopped || res.RestopCount != want {
			t.Fatalf("round %d result = %+v", want, res)
		}

		row := h.state(t, drivers.DBCluster, "dev")
		if row.CurrentState != stores.StateStopping || row.Metadata["reason"] != ReasonAutoRestart {
			t.Errorf("state = %s %v", row.CurrentState, row.Metadata)
		}
		if restopCount(row.Metadata) != want {
			t.Errorf("restop_count = %v, want %d", row.Metadata["restop_count"], want)
		}
	}

	// Duplicate delivery after the re-stop is a no-op.
	id, err := h.svc.StartSuppress(ctx, SuppressInput{Stage: "dev", ClusterID: "db-dev", EventID: "evt-2"})
	if err != nil {
		t.Fatalf("StartSuppress failed: %v", err)
	}
	var res SuppressResult
	if err := engine.DecodeResult(h.wait(t, id), &res); err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if res.Outcome != SuppressAlreadyStopped {
		t.Errorf("duplicate outcome = %s", res.Outcome)
	}
	if got := h.cloud.Calls(drivers.DBCluster, sim.OpStop); got != 2 {
		t.Errorf("stop calls = %d, want 2", got)
	}
}

func TestSuppressIgnoresRestoringCluster(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.store.PutState(ctx, &stores.ResourceState{
		ResourceKey:  stores.ResourceKey(string(drivers.DBCluster), "dev"),
		Stage:        "dev",
		ResourceType: string(drivers.DBCluster),
		CurrentState: stores.StateStarting,
	}); err != nil {
		t.Fatalf("PutState failed: %v", err)
	}

	id, err := h.svc.StartSuppress(ctx, SuppressInput{Stage: "dev", ClusterID: "db-dev", EventID: "evt-1"})
	if err != nil {
		t.Fatalf("StartSuppress failed: %v", err)
	}
	var res SuppressResult
	if err := engine.DecodeResult(h.wait(t, id), &res); err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if res.Outcome != SuppressIgnored {
		t.Errorf("outcome = %s, want %s", res.Outcome, SuppressIgnored)
	}
	if h.cloud.Calls(drivers.DBCluster, sim.OpStop) != 0 {
		t.Error("restoring cluster was stopped")
	}
	if len(h.notes.ByKind(notify.KindInfo)) != 1 {
		t.Errorf("info notifications = %d, want 1", len(h.notes.ByKind(notify.KindInfo)))
	}
}

func TestSuppressRequiresManagedCluster(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Stages[0].Resources.DBCluster = nil
	})

	id, err := h.svc.StartSuppress(context.Background(), SuppressInput{Stage: "dev", ClusterID: "db-dev", EventID: "evt"})
	if err != nil {
		t.Fatalf("StartSuppress failed: %v", err)
	}
	exec := h.wait(t, id)
	if exec.Status != stores.ExecutionFailed || exec.ErrorClass == nil || *exec.ErrorClass != string(engine.ErrorClassConfiguration) {
		t.Errorf("exec = %s %v", exec.Status, exec.ErrorClass)
	}
}

func TestStartRejectsUnknownStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.StartTeardown(ctx, TeardownInput{Stage: "qa", Selector: drivers.SelectAll}); !engine.IsConfiguration(err) {
		t.Errorf("teardown err = %v, want configuration error", err)
	}
	if _, err := h.svc.StartRestore(ctx, RestoreInput{Stage: "", Selector: drivers.SelectAll}); !engine.IsConfiguration(err) {
		t.Errorf("restore err = %v, want configuration error", err)
	}
	if err := h.svc.RecordActivity(ctx, "qa", time.Now()); !engine.IsConfiguration(err) {
		t.Errorf("activity err = %v, want configuration error", err)
	}
}

func TestIdleHoursFromActivity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, nil)
	h.svc.now = func() time.Time { return now }
	ctx := context.Background()

	idle, err := h.svc.idleHours(ctx, "dev")
	if err != nil {
		t.Fatalf("idleHours failed: %v", err)
	}
	if idle != 0 {
		t.Errorf("idle hours without history = %v, want 0", idle)
	}

	if err := h.svc.RecordActivity(ctx, "dev", now.Add(-6*time.Hour)); err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}
	idle, err = h.svc.idleHours(ctx, "dev")
	if err != nil {
		t.Fatalf("idleHours failed: %v", err)
	}
	if idle != 6 {
		t.Errorf("idle hours = %v, want 6", idle)
	}
}
