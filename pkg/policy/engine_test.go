package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestBuiltinDecisions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input Input
		want  Decision
	}{
		{
			name:  "ungated database",
			input: Input{Stage: "dev", StageClass: StageClassUngated, ResourceType: "DB_CLUSTER", Operation: OperationTeardown},
			want:  Decision{},
		},
		{
			name:  "gated database",
			input: Input{Stage: "prod", StageClass: StageClassGated, ResourceType: "DB_CLUSTER", Operation: OperationTeardown},
			want:  Decision{Gated: true},
		},
		{
			name:  "gated cache teardown snapshots",
			input: Input{Stage: "prod", StageClass: StageClassGated, ResourceType: "CACHE_CLUSTER", Operation: OperationTeardown},
			want:  Decision{Gated: true, SnapshotBeforeDelete: true},
		},
		{
			name:  "gated cache restore uses snapshot",
			input: Input{Stage: "prod", StageClass: StageClassGated, ResourceType: "CACHE_CLUSTER", Operation: OperationRestore},
			want:  Decision{Gated: true, RestoreFromSnapshot: true},
		},
		{
			name:  "ungated cache deletes without snapshot",
			input: Input{Stage: "dev", StageClass: StageClassUngated, ResourceType: "CACHE_CLUSTER", Operation: OperationTeardown},
			want:  Decision{},
		},
		{
			name:  "gated gateway skipped",
			input: Input{Stage: "prod", StageClass: StageClassGated, ResourceType: "NETWORK_GATEWAY", Operation: OperationTeardown},
			want:  Decision{Gated: true, Skip: true, PreserveAddresses: true},
		},
		{
			name:  "ungated gateway preserves addresses",
			input: Input{Stage: "dev", StageClass: StageClassUngated, ResourceType: "NETWORK_GATEWAY", Operation: OperationTeardown},
			want:  Decision{PreserveAddresses: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Decide(ctx, tt.input)
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}
			if got.Gated != tt.want.Gated ||
				got.Skip != tt.want.Skip ||
				got.SnapshotBeforeDelete != tt.want.SnapshotBeforeDelete ||
				got.RestoreFromSnapshot != tt.want.RestoreFromSnapshot ||
				got.PreserveAddresses != tt.want.PreserveAddresses ||
				got.Denied() {
				t.Errorf("Decide(%+v) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDoNotIdleLabelDeniesTeardown(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := Input{
		Stage:        "demo",
		StageClass:   StageClassUngated,
		ResourceType: "DB_CLUSTER",
		Operation:    OperationTeardown,
		Labels:       map[string]string{LabelDoNotIdle: "true"},
	}

	d, err := eng.Decide(ctx, input)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !d.Denied() {
		t.Fatal("expected teardown to be denied")
	}

	input.Operation = OperationRestore
	d, err = eng.Decide(ctx, input)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if d.Denied() {
		t.Errorf("restore should never be denied by the label, got %v", d.Deny)
	}
}

const extraSkip = `package idler.lifecycle

import rego.v1

# Keep the demo database running.
skip if {
	input.stage == "demo"
	input.resource_type == "DB_CLUSTER"
}
`

func TestOperatorPolicyExtendsBuiltin(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "demo.rego"), []byte(extraSkip), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t)
	ctx := context.Background()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	d, err := eng.Decide(ctx, Input{Stage: "demo", StageClass: StageClassUngated, ResourceType: "DB_CLUSTER", Operation: OperationTeardown})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !d.Skip {
		t.Error("operator rule should skip the demo database")
	}

	p, err := eng.GetPolicy("demo")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Description != "Keep the demo database running." {
		t.Errorf("description = %q", p.Description)
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("expected builtin plus one loaded policy, got %d", len(eng.ListPolicies()))
	}
}

func TestInvalidPolicyKeepsPreviousSet(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.SetPolicies(ctx, []Policy{{Name: "broken", Rego: "package idler.lifecycle\n\nskip if {", Enabled: true}})
	if !engine.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("broken policy should not be active")
	}
	if _, err := eng.Decide(ctx, Input{Stage: "dev", StageClass: StageClassUngated, ResourceType: "DB_CLUSTER", Operation: OperationTeardown}); err != nil {
		t.Errorf("previous policies should still evaluate: %v", err)
	}
}

func TestReplacingBuiltinWithoutDecision(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.SetPolicies(ctx, []Policy{{Name: BuiltinLifecycleName, Rego: "package idler.lifecycle\n\nimport rego.v1\n\nx := 1\n", Enabled: true}})
	if err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	_, err = eng.Decide(ctx, Input{Stage: "dev", ResourceType: "DB_CLUSTER", Operation: OperationTeardown})
	if !engine.IsConfiguration(err) {
		t.Errorf("missing decision should be a configuration error, got %v", err)
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, err := eng.Watch(ctx, []string{dir})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	if err := os.WriteFile(filepath.Join(dir, "demo.rego"), []byte(extraSkip), 0o644); err != nil {
		t.Fatal(err)
	}

	input := Input{Stage: "demo", StageClass: StageClassUngated, ResourceType: "DB_CLUSTER", Operation: OperationTeardown}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		d, err := eng.Decide(ctx, input)
		if err == nil && d.Skip {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("policy change was not picked up")
}
