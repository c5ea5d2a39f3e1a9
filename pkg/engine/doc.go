// Package engine is the durable execution substrate idler's orchestrators run on.
//
// # Executions and steps
//
// A workflow is a registered WorkflowFunc. Starting it persists an execution
// row; every side effect inside the workflow goes through Step, whose result
// is written to the store before the workflow advances. After a crash, Resume
// relaunches unfinished executions and completed steps replay their recorded
// results instead of running again:
//
//	eng.Register("teardown", func(wc *engine.Context, in json.RawMessage) (interface{}, error) {
//	    id, err := engine.Step(wc, "record-start", func(ctx context.Context) (string, error) {
//	        return bookkeeping.MarkTeardownStarted(ctx, wc.Stage())
//	    })
//	    ...
//	})
//
// # Suspension points
//
// Sleep and WaitUntil are bounded: their wake time and deadline are recorded
// on first execution, so a resumed execution never waits longer than the
// original bound.
//
// # Parallel branches
//
// Parallel runs branches concurrently and always returns every branch result;
// a failing branch does not stop its siblings.
//
// # Errors
//
// EngineError classifies failures as transient, throttled, conflict,
// configuration, timeout or permanent. Retry only retries transient and
// throttled errors.
//
// # Cancellation
//
// Cancel sets a durable flag observed at the next step boundary or wait poll.
// Steps themselves run detached from cancellation.
package engine
