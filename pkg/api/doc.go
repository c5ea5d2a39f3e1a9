// Package api exposes the orchestrator over HTTP: workflow triggers, the
// approve and deny links sent in approval notifications, audit event intake
// for the auto-restart detector, and read-only views of executions and
// lifecycle state.
//
// An approval link only renders a confirmation form; the decision is applied
// by the form's POST.
//
// Errors are mapped from the engine's error classes: configuration errors
// answer 400 (404 for unknown stages and executions), conflicts 409,
// invalid approval tokens 403, timeouts 504 and everything else 500.
package api
