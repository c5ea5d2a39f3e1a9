package policy

import (
	"time"
)

// DecisionQuery is the Rego query every lifecycle decision is read from.
const DecisionQuery = "data.idler.lifecycle.decision"

// Operations a decision can be requested for.
const (
	OperationTeardown = "teardown"
	OperationRestore  = "restore"
)

// Stage classes.
const (
	StageClassGated   = "gated"
	StageClassUngated = "ungated"
)

// LabelDoNotIdle, when "true" on a stage, denies teardown.
const LabelDoNotIdle = "idler.io/do-not-idle"

// Policy is a Rego module contributing to the lifecycle decision.
type Policy struct {
	// Name identifies the policy. A loaded policy replaces a built-in one of
	// the same name.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Enabled indicates if the module takes part in evaluation.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document a decision is evaluated against.
type Input struct {
	Stage        string            `json:"stage"`
	StageClass   string            `json:"stage_class"`
	ResourceType string            `json:"resource_type"`
	Operation    string            `json:"operation"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Decision is the per-resource lifecycle policy.
type Decision struct {
	// Gated means teardown needs explicit approval.
	Gated bool `json:"gated"`

	// Skip leaves the resource untouched by the operation.
	Skip bool `json:"skip"`

	SnapshotBeforeDelete bool `json:"snapshot_before_delete"`
	RestoreFromSnapshot  bool `json:"restore_from_snapshot"`

	// PreserveAddresses keeps static address allocations across recreation.
	PreserveAddresses bool `json:"preserve_addresses"`

	// Deny lists reasons the operation must not run at all.
	Deny []string `json:"deny,omitempty"`
}

// Denied reports whether any rule denied the operation.
func (d *Decision) Denied() bool {
	return len(d.Deny) > 0
}
