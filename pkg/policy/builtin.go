package policy

import (
	"time"
)

// BuiltinLifecycleName is the name of the built-in lifecycle module.
const BuiltinLifecycleName = "lifecycle"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		lifecyclePolicy(),
	}
}

// lifecyclePolicy encodes the default teardown and restore rules. Operators
// extend it from another module in the same package by adding rule bodies
// (skip if {...}, deny contains msg if {...}); replacing it requires a policy
// named "lifecycle".
func lifecyclePolicy() Policy {
	return Policy{
		Name:        BuiltinLifecycleName,
		Description: "Default per-resource teardown and restore rules",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package idler.lifecycle

import rego.v1

default gated := false

gated if input.stage_class == "gated"

# Gated stages keep their outbound gateway.
default skip := false

skip if {
	gated
	input.resource_type == "NETWORK_GATEWAY"
}

default snapshot_before_delete := false

snapshot_before_delete if {
	gated
	input.resource_type == "CACHE_CLUSTER"
	input.operation == "teardown"
}

default restore_from_snapshot := false

restore_from_snapshot if {
	gated
	input.resource_type == "CACHE_CLUSTER"
	input.operation == "restore"
}

default preserve_addresses := false

preserve_addresses if input.resource_type == "NETWORK_GATEWAY"

deny contains msg if {
	input.operation == "teardown"
	input.labels["idler.io/do-not-idle"] == "true"
	msg := sprintf("stage %s is labelled idler.io/do-not-idle", [input.stage])
}

decision := {
	"gated": gated,
	"skip": skip,
	"snapshot_before_delete": snapshot_before_delete,
	"restore_from_snapshot": restore_from_snapshot,
	"preserve_addresses": preserve_addresses,
	"deny": deny,
}
`,
	}
}
