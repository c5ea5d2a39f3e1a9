package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by conditional writes when the latest
	// recorded state no longer matches the caller's expectation.
	ErrStaleState = errors.New("stale resource state")
)

// LifecycleState is the recorded lifecycle state of a managed resource.
type LifecycleState string

const (
	StateAvailable  LifecycleState = "AVAILABLE"
	StateActive     LifecycleState = "ACTIVE"
	StateStarting   LifecycleState = "STARTING"
	StateCreating   LifecycleState = "CREATING"
	StateStopping   LifecycleState = "STOPPING"
	StateStopped    LifecycleState = "STOPPED"
	StateDeleting   LifecycleState = "DELETING"
	StateDeleted    LifecycleState = "DELETED"
	StateScaledDown LifecycleState = "SCALED_DOWN"
	StateIdle       LifecycleState = "IDLE"
)

// IsIdle reports whether the state belongs to the idle class.
func (s LifecycleState) IsIdle() bool {
	switch s {
	case StateStopping, StateStopped, StateDeleting, StateDeleted, StateScaledDown, StateIdle:
		return true
	}
	return false
}

// IsRestoring reports whether a restore has moved the resource out of idle
// but it is not yet serving.
func (s LifecycleState) IsRestoring() bool {
	return s == StateStarting || s == StateCreating
}

// ApprovalStatus is the status of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// ExecutionStatus is the persisted status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true if the execution status represents a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionCancelled
}

// IsActive returns true if the execution has not finished yet.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionPending || s == ExecutionRunning || s == ExecutionWaiting
}

// StepStatus is the persisted status of one workflow step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// ResourceKey builds the composite key for a resource type within a stage,
// e.g. DB_CLUSTER#prod.
func ResourceKey(resourceType, stage string) string {
	return resourceType + "#" + stage
}

// ResourceState is one append-only lifecycle row. The row with the highest
// Timestamp for a ResourceKey is authoritative.
type ResourceState struct {
	ID           int64                  `json:"id"`
	ResourceKey  string                 `json:"resource_key"`
	Timestamp    int64                  `json:"timestamp"` // unix nanos, strictly increasing per key
	Stage        string                 `json:"stage"`
	ResourceType string                 `json:"resource_type"`
	CurrentState LifecycleState         `json:"current_state"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// RecordedAt returns the row timestamp as a time.
func (r *ResourceState) RecordedAt() time.Time {
	return time.Unix(0, r.Timestamp)
}

// Approval is a time-boxed human decision request for a gated teardown.
type Approval struct {
	ID               string         `json:"approval_id"`
	Stage            string         `json:"stage"`
	ExecutionID      string         `json:"execution_id"`
	RequestedAt      time.Time      `json:"requested_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	EstimatedSavings float64        `json:"estimated_savings"`
	IdleHours        float64        `json:"idle_hours"`
	Status           ApprovalStatus `json:"status"`
	TokenHash        string         `json:"-"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	DecidedBy        *string        `json:"decided_by,omitempty"`
	RetainUntil      time.Time      `json:"retain_until"`
}

// Parameter is one entry of the restore bookkeeping parameter store.
type Parameter struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is a durable workflow execution.
type Execution struct {
	ID              string          `json:"id"`
	Workflow        string          `json:"workflow"`
	Stage           string          `json:"stage"`
	Input           string          `json:"input"` // JSON blob
	Status          ExecutionStatus `json:"status"`
	Result          *string         `json:"result,omitempty"` // JSON blob
	Error           *string         `json:"error,omitempty"`
	ErrorClass      *string         `json:"error_class,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionStep is the memoized outcome of one workflow step.
type ExecutionStep struct {
	ExecutionID string     `json:"execution_id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// AuditEntry represents an audit log entry.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   string    `json:"details"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// StateStore is the lifecycle state surface.
type StateStore interface {
	PutState(ctx context.Context, state *ResourceState) error
	PutStateIf(ctx context.Context, state *ResourceState, expectedTimestamp int64) error
	GetLatestState(ctx context.Context, resourceKey string) (*ResourceState, error)
	ListStateHistory(ctx context.Context, resourceKey string, limit int) ([]*ResourceState, error)
	QueryByState(ctx context.Context, state LifecycleState, latestOnly bool, limit int) ([]*ResourceState, error)
	QueryByStage(ctx context.Context, stage string, latestOnly bool, limit int) ([]*ResourceState, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string) (bool, error)
	RotateApprovalToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) (bool, error)
	ListApprovals(ctx context.Context, status *ApprovalStatus, limit, offset int) ([]*Approval, error)
}

// ParameterStore persists restore bookkeeping.
type ParameterStore interface {
	PutParameter(ctx context.Context, p *Parameter) error
	GetParameter(ctx context.Context, name string) (*Parameter, error)
	ListParameters(ctx context.Context, prefix string) ([]*Parameter, error)
	DeleteParameters(ctx context.Context, names ...string) (int64, error)
}

// ExecutionStore persists durable workflow executions and their steps.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecutionStatus(ctx context.Context, id string, status ExecutionStatus, result, errMsg, errClass *string) error
	ListExecutions(ctx context.Context, status *ExecutionStatus, stage *string, limit, offset int) ([]*Execution, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	GetStep(ctx context.Context, executionID, name string) (*ExecutionStep, error)
	SaveStep(ctx context.Context, step *ExecutionStep) error
}

// Store is the complete persistence surface.
type Store interface {
	StateStore
	ApprovalStore
	ParameterStore
	ExecutionStore

	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error)
	PruneExpired(ctx context.Context, now time.Time) (*PruneResult, error)

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// PruneResult reports how many rows PruneExpired removed per table.
type PruneResult struct {
	States     int64 `json:"states"`
	Approvals  int64 `json:"approvals"`
	Events     int64 `json:"events"`
	AuditLog   int64 `json:"audit_log"`
	Executions int64 `json:"executions"`
}
