package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/notify"
	"github.com/openfroyo/idler/pkg/policy"
	"github.com/openfroyo/idler/pkg/stores"
)

// Workflow names registered on the engine.
const (
	WorkflowTeardown = "teardown"
	WorkflowRestore  = "restore"
	WorkflowSuppress = "auto-restart-suppress"
)

// Store is the persistence the orchestrators use.
type Store interface {
	stores.StateStore
	stores.ApprovalStore
	stores.ParameterStore
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Decider evaluates lifecycle policy.
type Decider interface {
	Decide(ctx context.Context, input policy.Input) (*policy.Decision, error)
}

// Metrics receives domain measurements. *telemetry.Metrics satisfies it.
type Metrics interface {
	RecordApproval(stage, status string)
	RecordAutoRestartStop(stage, outcome string)
	SetIdleResources(stage string, count int)
	SetEstimatedSavings(stage string, usd float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordApproval(string, string)        {}
func (nopMetrics) RecordAutoRestartStop(string, string) {}
func (nopMetrics) SetIdleResources(string, int)         {}
func (nopMetrics) SetEstimatedSavings(string, float64)  {}

// Deps are the collaborators of a Service.
type Deps struct {
	Config   *config.Config
	Store    Store
	Engine   *engine.Engine
	Drivers  *drivers.Registry
	Policy   Decider
	Notifier notify.Notifier
	Metrics  Metrics
	Logger   zerolog.Logger
}

// Service owns the teardown, restore and auto-restart suppression workflows
// and the approval decision handler.
type Service struct {
	cfg      *config.Config
	store    Store
	engine   *engine.Engine
	drivers  *drivers.Registry
	policy   Decider
	notifier notify.Notifier
	metrics  Metrics
	books    bookkeeper
	rates    RateTable
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the service and registers its workflows on deps.Engine.
func New(deps Deps, opts ...Option) (*Service, error) {
	if deps.Config == nil || deps.Store == nil || deps.Engine == nil || deps.Drivers == nil || deps.Policy == nil {
		return nil, errors.New("orchestrator: config, store, engine, drivers and policy are required")
	}

	s := &Service{
		cfg:      deps.Config,
		store:    deps.Store,
		engine:   deps.Engine,
		drivers:  deps.Drivers,
		policy:   deps.Policy,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		books:    bookkeeper{store: deps.Store},
		rates:    RatesFromConfig(deps.Config.Rates),
		logger:   deps.Logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(deps.Logger)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Register(WorkflowTeardown, s.teardownWorkflow)
	s.engine.Register(WorkflowRestore, s.restoreWorkflow)
	s.engine.Register(WorkflowSuppress, s.suppressWorkflow)
	return s, nil
}

// TeardownInput starts a teardown.
type TeardownInput struct {
	Stage    string           `json:"stage" validate:"required"`
	Selector drivers.Selector `json:"resources"`
}

// RestoreInput starts a restore.
type RestoreInput struct {
	Stage             string           `json:"stage" validate:"required"`
	Selector          drivers.Selector `json:"resources"`
	WaitForCompletion bool             `json:"wait_for_completion"`
}

// SuppressInput starts the re-stop of an auto-restarted database cluster.
type SuppressInput struct {
	Stage     string `json:"stage"`
	ClusterID string `json:"cluster_id"`
	EventID   string `json:"event_id"`
	Source    string `json:"source,omitempty"`
}

// StartTeardown validates the request and starts a teardown execution. It
// is rejected with a conflict while a restore of the stage is active.
func (s *Service) StartTeardown(ctx context.Context, in TeardownInput) (string, error) {
	if _, err := s.stage(in.Stage); err != nil {
		return "", err
	}
	if _, err := in.Selector.Types(); err != nil {
		return "", err
	}
	return s.engine.Start(ctx, WorkflowTeardown, in.Stage, in, engine.WithAdmission(func(_ context.Context, active []*stores.Execution) error {
		for _, exec := range active {
			switch exec.Workflow {
			case WorkflowRestore:
				return conflict(in.Stage, "a restore is in progress", exec.ID)
			case WorkflowTeardown:
				return conflict(in.Stage, "a teardown is already in progress", exec.ID)
			}
		}
		return nil
	}))
}

// StartRestore starts a restore execution. An active teardown or
// suppression of the stage is cancelled first; it stops at its next step
// boundary, leaving state consistent.
func (s *Service) StartRestore(ctx context.Context, in RestoreInput) (string, error) {
	if _, err := s.stage(in.Stage); err != nil {
		return "", err
	}
	if _, err := in.Selector.Types(); err != nil {
		return "", err
	}
	return s.engine.Start(ctx, WorkflowRestore, in.Stage, in, engine.WithAdmission(func(ctx context.Context, active []*stores.Execution) error {
		for _, exec := range active {
			switch exec.Workflow {
			case WorkflowRestore:
				return conflict(in.Stage, "a restore is already in progress", exec.ID)
			case WorkflowTeardown, WorkflowSuppress:
				if _, err := s.engine.Cancel(ctx, exec.ID); err != nil {
					return fmt.Errorf("failed to supersede %s: %w", exec.ID, err)
				}
				s.logger.Info().
					Str("stage", in.Stage).
					Str("superseded", exec.ID).
					Str("workflow", exec.Workflow).
					Msg("Restore supersedes active execution")
			}
		}
		return nil
	}))
}

// StartSuppress starts the re-stop workflow for an auto-restarted cluster.
// It is rejected while a restore or another suppression of the stage runs.
func (s *Service) StartSuppress(ctx context.Context, in SuppressInput) (string, error) {
	if _, err := s.stage(in.Stage); err != nil {
		return "", err
	}
	return s.engine.Start(ctx, WorkflowSuppress, in.Stage, in, engine.WithAdmission(func(_ context.Context, active []*stores.Execution) error {
		for _, exec := range active {
			if exec.Workflow == WorkflowRestore || exec.Workflow == WorkflowSuppress {
				return conflict(in.Stage, exec.Workflow+" is in progress", exec.ID)
			}
		}
		return nil
	}))
}

// RecordActivity marks the stage as used now. Idle hours are measured from
// this mark.
func (s *Service) RecordActivity(ctx context.Context, stage string, at time.Time) error {
	if _, err := s.stage(stage); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.books.putTime(ctx, stage, ParamLastActivityAt, at)
}

// Bookkeeping returns the restore bookkeeping currently held for stage.
func (s *Service) Bookkeeping(ctx context.Context, stage string) (*Bookkeeping, error) {
	return s.books.load(ctx, stage)
}

func (s *Service) stage(name string) (*config.StageConfig, error) {
	if name == "" {
		return nil, engine.NewConfigurationError("stage is required", nil).WithCode(engine.ErrCodeValidation)
	}
	st, ok := s.cfg.Stage(name)
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown stage %q", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return st, nil
}

// selectedTypes expands the selector against what the stage declares. A
// type named explicitly but not configured is a configuration error; "all"
// covers only configured types.
func selectedTypes(st *config.StageConfig, sel drivers.Selector) ([]drivers.ResourceType, error) {
	types, err := sel.Types()
	if err != nil {
		return nil, err
	}

	explicit := len(types) == 1 && sel != "" && sel != drivers.SelectAll
	out := make([]drivers.ResourceType, 0, len(types))
	for _, t := range types {
		if len(st.Refs(t)) > 0 {
			out = append(out, t)
			continue
		}
		if explicit {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("stage %s has no %s configured", st.Name, t), nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(stores.ResourceKey(string(t), st.Name))
		}
	}
	if len(out) == 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("stage %s has no managed resources", st.Name), nil)
	}
	return out, nil
}

func conflict(stage, msg, executionID string) error {
	return engine.NewConflictError(fmt.Sprintf("stage %s: %s", stage, msg), nil).
		WithDetail("execution_id", executionID)
}

func stageClass(st *config.StageConfig) string {
	if st.Gated() {
		return policy.StageClassGated
	}
	return policy.StageClassUngated
}

// decisions evaluates policy for every type once per execution.
func (s *Service) decisions(wc *engine.Context, st *config.StageConfig, op string, types []drivers.ResourceType) (map[drivers.ResourceType]*policy.Decision, error) {
	return engine.Step(wc, "policy/"+op, func(ctx context.Context) (map[drivers.ResourceType]*policy.Decision, error) {
		out := make(map[drivers.ResourceType]*policy.Decision, len(types))
		for _, t := range types {
			d, err := s.policy.Decide(ctx, policy.Input{
				Stage:        st.Name,
				StageClass:   stageClass(st),
				ResourceType: string(t),
				Operation:    op,
				Labels:       st.Labels,
			})
			if err != nil {
				return nil, err
			}
			out[t] = d
		}
		return out, nil
	})
}

func (s *Service) driver(t drivers.ResourceType) (drivers.Driver, error) {
	return s.drivers.Get(t)
}

// describe is a memoized, retried Describe.
func describe(wc *engine.Context, d drivers.Driver, ref drivers.Ref, step string) (*drivers.Description, error) {
	return engine.Step(wc, step, func(ctx context.Context) (*drivers.Description, error) {
		var desc *drivers.Description
		err := wc.Retry(ctx, "describe "+ref.String(), func(ctx context.Context) error {
			var err error
			desc, err = d.Describe(ctx, ref)
			return err
		})
		return desc, err
	})
}

// stateMark is the latest recorded state of a resource key as seen by a
// workflow; Timestamp is the optimistic concurrency token.
type stateMark struct {
	Timestamp int64                  `json:"timestamp"`
	State     stores.LifecycleState  `json:"state,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Service) latestState(wc *engine.Context, t drivers.ResourceType, step string) (stateMark, error) {
	key := stores.ResourceKey(string(t), wc.Stage())
	return engine.Step(wc, step, func(ctx context.Context) (stateMark, error) {
		row, err := s.store.GetLatestState(ctx, key)
		if errors.Is(err, stores.ErrNotFound) {
			return stateMark{}, nil
		}
		if err != nil {
			return stateMark{}, err
		}
		return stateMark{Timestamp: row.Timestamp, State: row.CurrentState, Metadata: row.Metadata}, nil
	})
}

// recordState appends a state row if the key has not moved since expected.
// A stale read surfaces as a conflict and writes nothing.
func (s *Service) recordState(wc *engine.Context, step string, t drivers.ResourceType, expected int64, state stores.LifecycleState, metadata map[string]interface{}) (stateMark, error) {
	return engine.Step(wc, step, func(ctx context.Context) (stateMark, error) {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["execution_id"] = wc.ExecutionID()
		metadata["workflow"] = wc.Workflow()

		row := &stores.ResourceState{
			ResourceKey:  stores.ResourceKey(string(t), wc.Stage()),
			Stage:        wc.Stage(),
			ResourceType: string(t),
			CurrentState: state,
			Metadata:     metadata,
		}
		if err := s.store.PutStateIf(ctx, row, expected); err != nil {
			if errors.Is(err, stores.ErrStaleState) {
				return stateMark{}, engine.NewConflictError("resource state changed concurrently", err).
					WithResource(row.ResourceKey)
			}
			return stateMark{}, err
		}
		return stateMark{Timestamp: row.Timestamp, State: state, Metadata: metadata}, nil
	})
}

// publish sends a notification; delivery failures are logged only.
func (s *Service) publish(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Publish(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to publish notification")
	}
}

// notifyOnce publishes msg inside a step so a resumed execution does not
// send it twice.
func (s *Service) notifyOnce(wc *engine.Context, name string, msg notify.Message) error {
	msg.Stage = wc.Stage()
	msg.ExecutionID = wc.ExecutionID()
	return wc.Do("notify/"+name, func(ctx context.Context) error {
		s.publish(ctx, msg)
		return nil
	})
}

func (s *Service) audit(ctx context.Context, action, actor, target string, details string) {
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: &target, Details: details}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// ResourceOutcome is what a workflow did to one resource.
type ResourceOutcome struct {
	Type   drivers.ResourceType  `json:"type"`
	IDs    []string              `json:"ids,omitempty"`
	Action string                `json:"action"`
	State  stores.LifecycleState `json:"state,omitempty"`
	Status drivers.Status        `json:"status,omitempty"`
	Detail string                `json:"detail,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Outcome actions.
const (
	ActionStopped      = "stopped"
	ActionDeleted      = "deleted"
	ActionScaledDown   = "scaled-down"
	ActionStarted      = "started"
	ActionCreated      = "created"
	ActionScaledUp     = "scaled-up"
	ActionAlreadyIdle  = "already-idle"
	ActionAlreadyReady = "already-available"
	ActionSkipped      = "skipped-by-policy"
	ActionConflict     = "conflict"
	ActionFailed       = "failed"
)

// collect turns branch results into outcomes, keeping failures visible.
func collect(results []engine.BranchResult[ResourceOutcome]) ([]ResourceOutcome, error) {
	out := make([]ResourceOutcome, 0, len(results))
	for _, r := range results {
		o := r.Value
		if r.Err != nil {
			if o.Type == "" {
				o.Type = drivers.ResourceType(r.Name)
			}
			o.Action = ActionFailed
			o.Error = r.Err.Error()
		}
		out = append(out, o)
	}
	return out, engine.BranchErrors(results)
}

func refIDs(refs []drivers.Ref) []string {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids
}
