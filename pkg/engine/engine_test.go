package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/stores"
)

func newTestEngine(t *testing.T) (*Engine, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "engine.db")})
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

	eng := New(store, zerolog.Nop(),
		WithCancelPollInterval(10*time.Millisecond),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
	)
	t.Cleanup(func() {
		eng.Close()
		_ = store.Close()
	})
	return eng, store
}

func TestRunSucceedsAndRecordsResult(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.Register("greet", func(wc *Context, in json.RawMessage) (interface{}, error) {
		var input struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(in, &input); err != nil {
			return nil, err
		}
		return Step(wc, "compose", func(context.Context) (string, error) {
			return "hello " + input.Name, nil
		})
	})

	exec, err := eng.Run(context.Background(), "greet", "dev", map[string]string{"name": "dev"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", exec.Status, exec.Error)
	}

	var out string
	if err := DecodeResult(exec, &out); err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if out != "hello dev" {
		t.Errorf("unexpected result %q", out)
	}
}

func TestUnknownWorkflowIsConfigurationError(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Run(context.Background(), "missing", "dev", nil)
	if !IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStepsReplayAfterSuspension(t *testing.T) {
	eng, _ := newTestEngine(t)

	var sideEffects atomic.Int32
	eng.Register("durable", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		n, err := Step(wc, "side-effect", func(context.Context) (int32, error) {
			return sideEffects.Add(1), nil
		})
		if err != nil {
			return nil, err
		}
		if err := wc.Sleep("hold", 300*time.Millisecond); err != nil {
			return nil, err
		}
		return n, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	exec, err := eng.Run(ctx, "durable", "dev", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status.IsTerminal() {
		t.Fatalf("expected suspended execution, got %s", exec.Status)
	}

	resumed, err := eng.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != exec.ID {
		t.Fatalf("expected to resume %s, got %v", exec.ID, resumed)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	final, err := eng.Wait(waitCtx, exec.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if final.Status != stores.ExecutionSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}
	if got := sideEffects.Load(); got != 1 {
		t.Errorf("side effect ran %d times, want 1", got)
	}
}

func TestParallelBranchesRunIndependently(t *testing.T) {
	eng, _ := newTestEngine(t)

	var completed atomic.Int32
	eng.Register("fanout", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		results := Parallel(wc, []Branch[string]{
			{Name: "fails", Run: func(wc *Context) (string, error) {
				return "", NewPermanentError("boom", nil)
			}},
			{Name: "slow", Run: func(wc *Context) (string, error) {
				time.Sleep(50 * time.Millisecond)
				completed.Add(1)
				return Step(wc, "work", func(context.Context) (string, error) { return "slow-done", nil })
			}},
			{Name: "panics", Run: func(wc *Context) (string, error) {
				panic("unexpected")
			}},
			{Name: "fast", Run: func(wc *Context) (string, error) {
				completed.Add(1)
				return "fast-done", nil
			}},
		})

		if results[1].Value != "slow-done" || results[3].Value != "fast-done" {
			return nil, errors.New("sibling results missing")
		}
		return nil, BranchErrors(results)
	})

	exec, err := eng.Run(context.Background(), "fanout", "dev", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != stores.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if completed.Load() != 2 {
		t.Errorf("expected both healthy branches to complete, got %d", completed.Load())
	}
	if exec.ErrorClass == nil || *exec.ErrorClass != string(ErrorClassPermanent) {
		t.Errorf("unexpected error class %v", exec.ErrorClass)
	}
}

func TestWaitUntilIsBounded(t *testing.T) {
	eng, _ := newTestEngine(t)

	var polls atomic.Int32
	eng.Register("bounded", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		return wc.WaitUntil("never", 150*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
			polls.Add(1)
			return false, nil
		})
	})

	start := time.Now()
	exec, err := eng.Run(context.Background(), "bounded", "dev", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	elapsed := time.Since(start)

	var satisfied bool
	if err := DecodeResult(exec, &satisfied); err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if satisfied {
		t.Error("expected wait to time out")
	}
	if elapsed > 2*time.Second {
		t.Errorf("wait exceeded its bound: %v", elapsed)
	}
	if polls.Load() < 2 {
		t.Errorf("expected repeated polling, got %d polls", polls.Load())
	}
}

func TestWaitUntilStopsOnPermanentError(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.Register("erroring", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		return wc.WaitUntil("describe", time.Minute, 10*time.Millisecond, func(context.Context) (bool, error) {
			return false, NewConfigurationError("no such cluster", nil)
		})
	})

	exec, err := eng.Run(context.Background(), "erroring", "dev", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if exec.Status != stores.ExecutionFailed || exec.ErrorClass == nil || *exec.ErrorClass != string(ErrorClassConfiguration) {
		t.Fatalf("expected configuration failure, got %s %v", exec.Status, exec.ErrorClass)
	}
}

func TestCancelObservedAtBoundary(t *testing.T) {
	eng, _ := newTestEngine(t)

	var afterWait atomic.Bool
	eng.Register("cancellable", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		if _, err := wc.WaitUntil("decision", 10*time.Second, 20*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		}); err != nil {
			return nil, err
		}
		afterWait.Store(true)
		return nil, nil
	})

	id, err := eng.Start(context.Background(), "cancellable", "prod", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	ok, err := eng.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Cancel failed: ok=%v err=%v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := eng.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if exec.Status != stores.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}
	if afterWait.Load() {
		t.Error("workflow advanced past a cancelled wait")
	}

	ok, err = eng.Cancel(context.Background(), id)
	if err != nil || ok {
		t.Errorf("expected no-op cancel on finished execution, got ok=%v err=%v", ok, err)
	}
}

func TestAdmissionRejectsConcurrentExecution(t *testing.T) {
	eng, _ := newTestEngine(t)

	release := make(chan struct{})
	eng.Register("hold", func(wc *Context, _ json.RawMessage) (interface{}, error) {
		<-release
		return nil, nil
	})

	exclusive := WithAdmission(func(_ context.Context, active []*stores.Execution) error {
		if len(active) > 0 {
			return NewConflictError("stage busy", nil)
		}
		return nil
	})

	id, err := eng.Start(context.Background(), "hold", "dev", nil, exclusive)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := eng.Start(context.Background(), "hold", "dev", nil, exclusive); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := eng.Start(context.Background(), "hold", "staging", nil, exclusive, WithExecutionID("other")); err != nil {
		t.Fatalf("other stage should be admitted: %v", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := eng.Wait(ctx, id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if _, err := eng.Wait(ctx, "other"); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}
