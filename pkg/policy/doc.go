// Package policy decides, per stage and resource, how teardown and restore
// behave. Decisions come from Rego modules evaluated with Open Policy Agent.
//
// # Decision
//
// Every evaluation reads data.idler.lifecycle.decision for an Input:
//
//	{
//	    "stage":         "prod",
//	    "stage_class":   "gated",
//	    "resource_type": "CACHE_CLUSTER",
//	    "operation":     "teardown",
//	    "labels":        {"team": "core"}
//	}
//
// and produces a Decision:
//
//	gated                  teardown requires approval
//	skip                   leave this resource alone
//	snapshot_before_delete snapshot the cache before deleting it
//	restore_from_snapshot  seed the recreated cache from that snapshot
//	preserve_addresses     keep static address allocations
//	deny                   reasons the operation must not run
//
// # Built-in rules
//
// The built-in "lifecycle" module gates stages of class "gated", skips the
// network gateway on gated stages, snapshots the cache on gated stages and
// denies teardown for stages labelled idler.io/do-not-idle=true.
//
// # Operator policies
//
// Additional modules are loaded from files or directories:
//
//	eng, err := policy.NewEngine(logger)
//	if err := eng.LoadPolicies(ctx, []string{"/etc/idler/policies"}); err != nil {
//	    return err
//	}
//
// A module in package idler.lifecycle may add rule bodies, for example:
//
//	package idler.lifecycle
//
//	import rego.v1
//
//	skip if {
//	    input.stage == "demo"
//	    input.resource_type == "DB_CLUSTER"
//	}
//
// A file named lifecycle.rego replaces the built-in module entirely.
//
// Engine.Watch reloads the files on change. A set that fails to compile is
// rejected and the previous set stays active.
package policy
