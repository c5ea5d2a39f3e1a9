package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/idler/pkg/stores"
)

// Context is handed to a running workflow. It scopes step names, carries the
// execution identity and exposes the durable primitives.
type Context struct {
	ctx    context.Context
	engine *Engine
	exec   *stores.Execution
	handle *handle
	logger zerolog.Logger
	prefix string
	branch bool
}

// Ctx returns the execution context. Prefer Step for anything with side effects.
func (wc *Context) Ctx() context.Context { return wc.ctx }

// ExecutionID returns the id of the running execution.
func (wc *Context) ExecutionID() string { return wc.exec.ID }

// Workflow returns the registered workflow name.
func (wc *Context) Workflow() string { return wc.exec.Workflow }

// Stage returns the stage the execution was started for.
func (wc *Context) Stage() string { return wc.exec.Stage }

// Logger returns a logger carrying execution fields.
func (wc *Context) Logger() *zerolog.Logger { return &wc.logger }

// Now returns the engine clock.
func (wc *Context) Now() time.Time { return wc.engine.now() }

// RetryPolicy returns the engine's default retry policy.
func (wc *Context) RetryPolicy() RetryPolicy { return wc.engine.retry }

func (wc *Context) child(name string) *Context {
	return &Context{
		ctx:    wc.ctx,
		engine: wc.engine,
		exec:   wc.exec,
		handle: wc.handle,
		logger: wc.logger.With().Str("branch", name).Logger(),
		prefix: wc.prefix + name + "/",
		branch: true,
	}
}

// checkCancel is the step boundary: it surfaces shutdown and durable
// cancellation requests.
func (wc *Context) checkCancel() error {
	if err := wc.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-wc.handle.cancel:
		return ErrCancelled
	default:
	}

	exec, err := wc.engine.store.GetExecution(context.WithoutCancel(wc.ctx), wc.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to read execution: %w", err)
	}
	if exec.CancelRequested {
		wc.handle.signalCancel()
		return ErrCancelled
	}
	return nil
}

func (wc *Context) lookup(name string, out interface{}) (bool, error) {
	step, err := wc.engine.store.GetStep(context.WithoutCancel(wc.ctx), wc.exec.ID, name)
	if errors.Is(err, stores.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load step %s: %w", name, err)
	}
	if step.Status != stores.StepSucceeded {
		return false, nil
	}
	if err := json.Unmarshal([]byte(step.Output), out); err != nil {
		return false, fmt.Errorf("failed to decode step %s: %w", name, err)
	}
	return true, nil
}

func (wc *Context) record(name string, started time.Time, value interface{}, stepErr error) error {
	step := &stores.ExecutionStep{
		ExecutionID: wc.exec.ID,
		Name:        name,
		Status:      stores.StepSucceeded,
		Attempts:    1,
		StartedAt:   started,
	}
	if stepErr != nil {
		msg := stepErr.Error()
		step.Status = stores.StepFailed
		step.Error = &msg
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal step %s: %w", name, err)
		}
		step.Output = string(data)
	}

	if err := wc.engine.store.SaveStep(context.WithoutCancel(wc.ctx), step); err != nil {
		return fmt.Errorf("failed to record step %s: %w", name, err)
	}
	return nil
}

// Step runs fn once per execution. Its result is persisted before Step
// returns; a resumed execution gets the recorded result without fn running
// again. Failed steps are recorded but not memoized. fn runs detached from
// cancellation so it is never interrupted mid-mutation.
func Step[T any](wc *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	full := wc.prefix + name

	found, err := wc.lookup(full, &out)
	if err != nil {
		return out, err
	}
	if found {
		wc.logger.Debug().Str("step", full).Msg("Replaying recorded step")
		return out, nil
	}

	if err := wc.checkCancel(); err != nil {
		return out, err
	}

	stepCtx, span := wc.engine.tracer.Start(context.WithoutCancel(wc.ctx), "step."+name,
		trace.WithAttributes(
			attribute.String("idler.execution_id", wc.exec.ID),
			attribute.String("idler.step", full),
		))
	defer span.End()

	started := wc.engine.now()
	value, stepErr := fn(stepCtx)
	wc.engine.observer.StepFinished(wc.exec.Workflow, name, stepErr, wc.engine.now().Sub(started))

	if stepErr != nil {
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, stepErr.Error())
		if err := wc.record(full, started, nil, stepErr); err != nil {
			wc.logger.Error().Err(err).Str("step", full).Msg("Failed to record step failure")
		}
		var zero T
		return zero, stepErr
	}

	if err := wc.record(full, started, value, nil); err != nil {
		return value, err
	}
	return value, nil
}

// Do is Step for side effects without a result.
func (wc *Context) Do(name string, fn func(ctx context.Context) error) error {
	_, err := Step(wc, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry runs fn under the engine retry policy, logging each retry.
func (wc *Context) Retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return RetryNotify(ctx, wc.engine.retry, fn, func(err error, next time.Duration) {
		wc.logger.Warn().Err(err).
			Str("operation", operation).
			Dur("backoff", next).
			Msg("Retrying after retryable failure")
	})
}

// Sleep is a durable timer: the wake time is recorded on first execution, so
// a resumed execution only sleeps for the remainder.
func (wc *Context) Sleep(name string, d time.Duration) error {
	wake, err := Step(wc, "sleep:"+name, func(context.Context) (time.Time, error) {
		return wc.engine.now().Add(d), nil
	})
	if err != nil {
		return err
	}

	remaining := wake.Sub(wc.engine.now())
	if remaining <= 0 {
		return wc.checkCancel()
	}

	wc.setWaiting(true)
	defer wc.setWaiting(false)

	wc.logger.Debug().Str("sleep", name).Dur("remaining", remaining).Msg("Sleeping")
	return wc.pause(remaining)
}

// WaitUntil polls cond every interval until it reports true or timeout
// elapses. The deadline is recorded on first execution so a resumed wait never
// outlives its original bound. It returns (false, nil) at the deadline.
// Retryable cond errors count as "not yet"; other errors end the wait.
func (wc *Context) WaitUntil(name string, timeout, interval time.Duration, cond func(ctx context.Context) (bool, error)) (bool, error) {
	full := "wait:" + name

	var satisfied bool
	found, err := wc.lookup(wc.prefix+full, &satisfied)
	if err != nil {
		return false, err
	}
	if found {
		return satisfied, nil
	}

	deadline, err := Step(wc, full+"/deadline", func(context.Context) (time.Time, error) {
		return wc.engine.now().Add(timeout), nil
	})
	if err != nil {
		return false, err
	}

	if interval <= 0 {
		interval = time.Second
	}

	wc.setWaiting(true)
	defer wc.setWaiting(false)

	started := wc.engine.now()
	for {
		if err := wc.checkCancel(); err != nil {
			return false, err
		}

		ok, err := cond(context.WithoutCancel(wc.ctx))
		if err != nil && !IsRetryable(err) {
			return false, err
		}
		if err != nil {
			wc.logger.Warn().Err(err).Str("wait", name).Msg("Wait condition errored, polling again")
		}
		if ok {
			return true, wc.record(wc.prefix+full, started, true, nil)
		}

		remaining := deadline.Sub(wc.engine.now())
		if remaining <= 0 {
			wc.logger.Info().Str("wait", name).Msg("Wait deadline reached")
			return false, wc.record(wc.prefix+full, started, false, nil)
		}

		if err := wc.pause(min(interval, remaining)); err != nil {
			return false, err
		}
	}
}

// pause blocks for d, waking early on cancellation or shutdown.
func (wc *Context) pause(d time.Duration) error {
	deadline := wc.engine.now().Add(d)
	for {
		remaining := deadline.Sub(wc.engine.now())
		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(min(remaining, wc.engine.cancelPoll))
		select {
		case <-timer.C:
		case <-wc.handle.cancel:
			timer.Stop()
			return ErrCancelled
		case <-wc.ctx.Done():
			timer.Stop()
			return wc.ctx.Err()
		}

		if err := wc.checkCancel(); err != nil {
			return err
		}
	}
}

func (wc *Context) setWaiting(waiting bool) {
	if wc.branch {
		return
	}
	status := stores.ExecutionRunning
	if waiting {
		status = stores.ExecutionWaiting
	}
	if err := wc.engine.store.UpdateExecutionStatus(context.WithoutCancel(wc.ctx), wc.exec.ID, status, nil, nil, nil); err != nil {
		wc.logger.Warn().Err(err).Msg("Failed to update execution status")
	}
}
