package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/idler/pkg/stores"
)

// WorkflowFunc is the body of a registered workflow. It must be deterministic
// with respect to its steps: every side effect goes through Step so that a
// resumed execution replays recorded results instead of repeating them.
type WorkflowFunc func(wc *Context, input json.RawMessage) (interface{}, error)

// Observer receives execution lifecycle callbacks, e.g. for metrics.
type Observer interface {
	ExecutionStarted(workflow string)
	ExecutionFinished(workflow string, status stores.ExecutionStatus, duration time.Duration)
	StepFinished(workflow, step string, err error, duration time.Duration)
}

type noopObserver struct{}

func (noopObserver) ExecutionStarted(string) {}

func (noopObserver) ExecutionFinished(string, stores.ExecutionStatus, time.Duration) {}

func (noopObserver) StepFinished(string, string, error, time.Duration) {}

// Admission decides whether a new execution may start given the active
// executions of the same stage. It runs under the engine's admission lock.
type Admission func(ctx context.Context, active []*stores.Execution) error

// StartOption customizes Start and Run.
type StartOption func(*startOptions)

type startOptions struct {
	id        string
	admission Admission
}

// WithExecutionID pins the execution id instead of generating one.
func WithExecutionID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

// WithAdmission installs an admission check.
func WithAdmission(a Admission) StartOption {
	return func(o *startOptions) { o.admission = a }
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracer sets the tracer used for execution and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithCancelPollInterval sets how often long waits re-read the durable
// cancellation flag.
func WithCancelPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cancelPoll = d
		}
	}
}

// WithRetryPolicy sets the default retry policy exposed to workflows.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p.withDefaults() }
}

// Engine runs registered workflows as durable executions persisted in an
// ExecutionStore.
type Engine struct {
	store      stores.ExecutionStore
	logger     zerolog.Logger
	observer   Observer
	tracer     trace.Tracer
	cancelPoll time.Duration
	retry      RetryPolicy
	now        func() time.Time

	mu        sync.Mutex
	admitMu   sync.Mutex
	workflows map[string]WorkflowFunc
	running   map[string]*handle

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type handle struct {
	done     chan struct{}
	cancel   chan struct{}
	once     sync.Once
	workflow string
}

func (h *handle) signalCancel() {
	h.once.Do(func() { close(h.cancel) })
}

// New creates an engine backed by store.
func New(store stores.ExecutionStore, logger zerolog.Logger, opts ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:      store,
		logger:     logger.With().Str("component", "engine").Logger(),
		observer:   noopObserver{},
		tracer:     otel.Tracer("github.com/openfroyo/idler/pkg/engine"),
		cancelPoll: 5 * time.Second,
		retry:      DefaultRetryPolicy(),
		now:        time.Now,
		workflows:  make(map[string]WorkflowFunc),
		running:    make(map[string]*handle),
		baseCtx:    ctx,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a workflow under name. Registering a name twice panics.
func (e *Engine) Register(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[name]; exists {
		panic(fmt.Sprintf("engine: workflow %q already registered", name))
	}
	e.workflows[name] = fn
}

// RetryPolicy returns the engine's default retry policy.
func (e *Engine) RetryPolicy() RetryPolicy {
	return e.retry
}

// Start persists a new execution and runs it in the background. It returns
// the execution id once the execution is durable.
func (e *Engine) Start(ctx context.Context, workflow, stage string, input interface{}, opts ...StartOption) (string, error) {
	exec, fn, err := e.create(ctx, workflow, stage, input, opts...)
	if err != nil {
		return "", err
	}

	h := e.track(exec.ID, workflow)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.execute(e.baseCtx, exec, fn, h); err != nil {
			e.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution errored")
		}
	}()

	return exec.ID, nil
}

// Run persists a new execution and runs it to completion on the caller's
// goroutine. Cancelling ctx suspends the execution (it stays resumable).
func (e *Engine) Run(ctx context.Context, workflow, stage string, input interface{}, opts ...StartOption) (*stores.Execution, error) {
	exec, fn, err := e.create(ctx, workflow, stage, input, opts...)
	if err != nil {
		return nil, err
	}

	h := e.track(exec.ID, workflow)
	return e.execute(ctx, exec, fn, h)
}

func (e *Engine) create(ctx context.Context, workflow, stage string, input interface{}, opts ...StartOption) (*stores.Execution, WorkflowFunc, error) {
	e.mu.Lock()
	fn, ok := e.workflows[workflow]
	e.mu.Unlock()
	if !ok {
		return nil, nil, NewConfigurationError(fmt.Sprintf("unknown workflow %q", workflow), nil).
			WithCode(ErrCodeWorkflowNotFound)
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	data, err := json.Marshal(input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal workflow input: %w", err)
	}

	exec := &stores.Execution{
		ID:       o.id,
		Workflow: workflow,
		Stage:    stage,
		Input:    string(data),
		Status:   stores.ExecutionPending,
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	if o.admission != nil {
		active, err := e.Active(ctx, stage)
		if err != nil {
			return nil, nil, err
		}
		if err := o.admission(ctx, active); err != nil {
			return nil, nil, err
		}
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("workflow", workflow).
		Str("stage", stage).
		Msg("Execution created")

	return exec, fn, nil
}

// Active lists the unfinished executions of a stage.
func (e *Engine) Active(ctx context.Context, stage string) ([]*stores.Execution, error) {
	all, err := e.store.ListExecutions(ctx, nil, &stage, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	active := make([]*stores.Execution, 0, len(all))
	for _, exec := range all {
		if exec.Status.IsActive() {
			active = append(active, exec)
		}
	}
	return active, nil
}

func (e *Engine) track(id, workflow string) *handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := &handle{done: make(chan struct{}), cancel: make(chan struct{}), workflow: workflow}
	e.running[id] = h
	return h
}

func (e *Engine) untrack(id string, h *handle) {
	e.mu.Lock()
	if e.running[id] == h {
		delete(e.running, id)
	}
	e.mu.Unlock()
	close(h.done)
}

func (e *Engine) execute(ctx context.Context, exec *stores.Execution, fn WorkflowFunc, h *handle) (*stores.Execution, error) {
	defer e.untrack(exec.ID, h)

	logger := e.logger.With().
		Str("execution_id", exec.ID).
		Str("workflow", exec.Workflow).
		Str("stage", exec.Stage).
		Logger()

	if err := e.store.UpdateExecutionStatus(ctx, exec.ID, stores.ExecutionRunning, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "workflow."+exec.Workflow)
	defer span.End()

	started := e.now()
	e.observer.ExecutionStarted(exec.Workflow)
	logger.Info().Msg("Execution started")

	wc := &Context{
		ctx:    ctx,
		engine: e,
		exec:   exec,
		handle: h,
		logger: logger,
	}

	result, runErr := e.invoke(wc, fn, json.RawMessage(exec.Input))

	// The caller went away mid-execution; leave it resumable.
	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, ErrCancelled) {
		logger.Warn().Err(runErr).Msg("Execution suspended")
		return e.store.GetExecution(context.WithoutCancel(ctx), exec.ID)
	}

	status := stores.ExecutionSucceeded
	var resultJSON, errMsg, errClass *string
	switch {
	case runErr == nil:
		data, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("failed to marshal workflow result: %w", err)
			status = stores.ExecutionFailed
		} else {
			s := string(data)
			resultJSON = &s
		}
	case errors.Is(runErr, ErrCancelled):
		status = stores.ExecutionCancelled
	default:
		status = stores.ExecutionFailed
	}
	if runErr != nil {
		msg := runErr.Error()
		class := string(ClassOf(runErr))
		errMsg, errClass = &msg, &class
		span.RecordError(runErr)
	}

	storeCtx := context.WithoutCancel(ctx)
	if err := e.store.UpdateExecutionStatus(storeCtx, exec.ID, status, resultJSON, errMsg, errClass); err != nil {
		return nil, fmt.Errorf("failed to record execution outcome: %w", err)
	}

	elapsed := e.now().Sub(started)
	e.observer.ExecutionFinished(exec.Workflow, status, elapsed)

	event := logger.Info()
	if status == stores.ExecutionFailed {
		event = logger.Error().Err(runErr)
	}
	event.Str("status", string(status)).Dur("duration", elapsed).Msg("Execution finished")

	return e.store.GetExecution(storeCtx, exec.ID)
}

func (e *Engine) invoke(wc *Context, fn WorkflowFunc, input json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			wc.logger.Error().Str("stack", string(debug.Stack())).Msgf("Workflow panicked: %v", r)
			err = NewPermanentError(fmt.Sprintf("workflow panicked: %v", r), nil)
		}
	}()

	if err := wc.checkCancel(); err != nil {
		return nil, err
	}
	return fn(wc, input)
}

// Resume relaunches every unfinished execution that is not already running
// in this process. It returns the ids it resumed.
func (e *Engine) Resume(ctx context.Context) ([]string, error) {
	all, err := e.store.ListExecutions(ctx, nil, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var resumed []string
	for _, exec := range all {
		if !exec.Status.IsActive() {
			continue
		}

		e.mu.Lock()
		fn, known := e.workflows[exec.Workflow]
		_, inFlight := e.running[exec.ID]
		e.mu.Unlock()

		if inFlight {
			continue
		}
		if !known {
			e.logger.Warn().Str("execution_id", exec.ID).Str("workflow", exec.Workflow).
				Msg("Skipping execution of unregistered workflow")
			continue
		}

		exec := exec
		h := e.track(exec.ID, exec.Workflow)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.execute(e.baseCtx, exec, fn, h); err != nil {
				e.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Resumed execution errored")
			}
		}()
		resumed = append(resumed, exec.ID)
	}

	if len(resumed) > 0 {
		e.logger.Info().Int("count", len(resumed)).Msg("Resumed executions")
	}
	return resumed, nil
}

// Cancel requests cancellation. The execution observes it at its next step
// boundary or wait poll, so no step is interrupted mid-mutation. Returns false
// if the execution had already finished.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := e.store.RequestCancel(ctx, id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	h := e.running[id]
	e.mu.Unlock()
	if ok && h != nil {
		h.signalCancel()
	}

	if ok {
		e.logger.Info().Str("execution_id", id).Msg("Cancellation requested")
	}
	return ok, nil
}

// Get returns the persisted execution.
func (e *Engine) Get(ctx context.Context, id string) (*stores.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// Wait blocks until the execution reaches a terminal status or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*stores.Execution, error) {
	for {
		e.mu.Lock()
		h := e.running[id]
		e.mu.Unlock()

		if h != nil {
			select {
			case <-h.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return exec, nil
		}
		if h != nil {
			// Suspended by shutdown; nothing left to wait on in-process.
			return exec, nil
		}

		select {
		case <-time.After(e.cancelPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops background executions at their next suspension point and waits
// for them to park. Parked executions resume on the next Resume.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// DecodeResult unmarshals the result of a finished execution into out.
func DecodeResult(exec *stores.Execution, out interface{}) error {
	if exec.Result == nil {
		return fmt.Errorf("execution %s has no result", exec.ID)
	}
	if err := json.Unmarshal([]byte(*exec.Result), out); err != nil {
		return fmt.Errorf("failed to decode execution result: %w", err)
	}
	return nil
}
