package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
)

const sampleYAML = `
driver: sim
stages:
  - name: dev
    labels:
      team: core
    resources:
      db_cluster: {id: app-dev}
      cache:
        id: app-dev-cache
        node_type: cache.t4g.small
        num_nodes: 2
        security_group_ids: [sg-1, sg-2]
      services:
        - {name: api, cluster: app-dev, desired_count: 2}
        - {name: worker, cluster: app-dev}
      gateway:
        name: app-dev-nat
        subnet_id: subnet-1
        route_table_ids: [rtb-1]
        allocation_ids: [eipalloc-1]
  - name: prod
    class: gated
    resources:
      db_cluster: {id: app-prod}
timing:
  approval_window: 90m
rates:
  DB_CLUSTER: 0.5
`

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML, "idler.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Timing.ApprovalWindow.D() != 90*time.Minute {
		t.Errorf("approval window = %v, want 90m", cfg.Timing.ApprovalWindow.D())
	}
	if cfg.Timing.GracePeriod.D() != 5*time.Minute {
		t.Errorf("grace period default = %v, want 5m", cfg.Timing.GracePeriod.D())
	}
	if cfg.Timing.RestoreTimeout.D() != 20*time.Minute {
		t.Errorf("restore timeout default = %v", cfg.Timing.RestoreTimeout.D())
	}
	if cfg.Timing.RetryAttempts != 3 {
		t.Errorf("retry attempts default = %d", cfg.Timing.RetryAttempts)
	}
	if cfg.Store.StateTTL.D() != 90*24*time.Hour {
		t.Errorf("state TTL default = %v", cfg.Store.StateTTL.D())
	}
	if cfg.Rate(drivers.DBCluster) != 0.5 {
		t.Errorf("overridden DB rate = %v", cfg.Rate(drivers.DBCluster))
	}
	if cfg.Rate(drivers.CacheCluster) != 0.068 {
		t.Errorf("default cache rate = %v", cfg.Rate(drivers.CacheCluster))
	}

	dev, ok := cfg.Stage("dev")
	if !ok {
		t.Fatal("stage dev missing")
	}
	if dev.Gated() || dev.Class != "ungated" {
		t.Errorf("dev should default to ungated, got %q", dev.Class)
	}
	if dev.Resources.Services[1].DesiredCount != 1 {
		t.Errorf("service desired count default = %d", dev.Resources.Services[1].DesiredCount)
	}

	prod, _ := cfg.Stage("prod")
	if !prod.Gated() {
		t.Error("prod should be gated")
	}
}

func TestParseFormatsAgree(t *testing.T) {
	jsonDoc := `{"stages": [{"name": "dev", "resources": {"db_cluster": {"id": "app-dev"}}}], "timing": {"retry_attempts": 5}}`
	cueDoc := `stages: [{name: "dev", resources: db_cluster: id: "app-dev"}]
timing: retry_attempts: 5
`
	fromJSON, err := Parse([]byte(jsonDoc), FormatJSON, "idler.json")
	if err != nil {
		t.Fatalf("JSON parse failed: %v", err)
	}
	fromCUE, err := Parse([]byte(cueDoc), FormatCUE, "idler.cue")
	if err != nil {
		t.Fatalf("CUE parse failed: %v", err)
	}
	if fromJSON.Timing.RetryAttempts != 5 || fromCUE.Timing.RetryAttempts != 5 {
		t.Errorf("retry attempts json=%d cue=%d", fromJSON.Timing.RetryAttempts, fromCUE.Timing.RetryAttempts)
	}
	if fromJSON.Stages[0].Resources.DBCluster.ID != fromCUE.Stages[0].Resources.DBCluster.ID {
		t.Error("formats decoded different stages")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "stages: []\nbogus: 1\n"},
		{"bad class", "stages:\n  - name: dev\n    class: sometimes\n    resources: {}\n"},
		{"bad duration", "timing:\n  grace_period: soon\n"},
		{"bad stage name", "stages:\n  - name: Dev_1\n    resources: {}\n"},
		{"duplicate stage", "stages:\n  - {name: dev, resources: {}}\n  - {name: dev, resources: {}}\n"},
		{"shared cluster", "stages:\n  - {name: a, resources: {db_cluster: {id: x}}}\n  - {name: b, resources: {db_cluster: {id: x}}}\n"},
		{"pattern without stage group", "autorestart:\n  cluster_pattern: '^app-(.+)$'\n"},
		{"negative rate", "rates:\n  DB_CLUSTER: -1\n"},
		{"retry delays inverted", "timing:\n  retry_base_delay: 2m\n  retry_max_delay: 1m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), FormatYAML, "idler.yaml")
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.IsConfiguration(err) {
				t.Errorf("expected configuration error, got %v", err)
			}
			var ice *InvalidConfigError
			if !errors.As(err, &ice) || len(ice.Errors) == 0 {
				t.Errorf("expected InvalidConfigError with details, got %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idler.yml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Stages) != 2 {
		t.Errorf("expected 2 stages, got %d", len(cfg.Stages))
	}

	if _, err := Load(filepath.Join(dir, "idler.toml")); !engine.IsConfiguration(err) {
		t.Errorf("unsupported extension should be a configuration error, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Driver != "sim" || cfg.API.Listen != ":8080" || len(cfg.Stages) != 0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.AutoRestart.PlatformAgents) == 0 {
		t.Error("platform agents should have defaults")
	}
}

func TestStageRefs(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML, "idler.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	dev, _ := cfg.Stage("dev")

	cache := dev.Refs(drivers.CacheCluster)
	if len(cache) != 1 || cache[0].Attr(drivers.AttrNumNodes) != "2" || cache[0].Attr(drivers.AttrSecurityGroupIDs) != "sg-1,sg-2" {
		t.Errorf("cache refs = %+v", cache)
	}

	services := dev.Refs(drivers.ComputeServices)
	if len(services) != 2 || services[0].Attr(drivers.AttrECSCluster) != "app-dev" {
		t.Errorf("service refs = %+v", services)
	}
	if dev.DefaultDesiredCount("app-dev", "api") != 2 || dev.DefaultDesiredCount("app-dev", "missing") != 1 {
		t.Error("unexpected default desired counts")
	}

	gw := dev.Refs(drivers.NetworkGateway)
	if len(gw) != 1 || gw[0].Stage != "dev" || len(gw[0].AttrList(drivers.AttrAllocationIDs)) != 1 {
		t.Errorf("gateway refs = %+v", gw)
	}

	prod, _ := cfg.Stage("prod")
	if refs := prod.Refs(drivers.CacheCluster); len(refs) != 0 {
		t.Errorf("prod has no cache, got %+v", refs)
	}

	if stage, ok := cfg.StageForCluster("app-prod"); !ok || stage != "prod" {
		t.Errorf("StageForCluster = %q, %v", stage, ok)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1h30m"`)); err != nil || d.D() != 90*time.Minute {
		t.Errorf("string form: %v %v", d.D(), err)
	}
	if err := d.UnmarshalJSON([]byte(`45`)); err != nil || d.D() != 45*time.Second {
		t.Errorf("seconds form: %v %v", d.D(), err)
	}
	if err := d.UnmarshalJSON([]byte(`"later"`)); err == nil {
		t.Error("expected error for invalid duration")
	}
	b, _ := Duration(2 * time.Minute).MarshalJSON()
	if string(b) != `"2m0s"` {
		t.Errorf("MarshalJSON = %s", b)
	}
}
