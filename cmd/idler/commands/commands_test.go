package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/stores"
)

const testConfigYAML = `
driver: sim
stages:
  - name: dev
    class: ungated
    resources:
      db_cluster: {id: db-dev}
      services:
        - {name: api, cluster: dev, desired_count: 2}
telemetry:
  log_level: debug
  tracing: {exporter: stdout}
  metrics: {enabled: false}
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idler.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("config", writeConfig(t))
	viper.Set("db", "/tmp/override.db")
	viper.Set("listen", ":9999")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.API.Listen != ":9999" {
		t.Errorf("API.Listen = %q", cfg.API.Listen)
	}
	if len(cfg.Stages) != 1 || cfg.Stages[0].Name != "dev" {
		t.Errorf("Stages = %+v", cfg.Stages)
	}

	viper.Set("driver", "gcp")
	if _, err := loadConfig(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.LogOutput = "/var/log/idler.log"
	cfg.Telemetry.LogRotation = &config.RotationConfig{MaxSizeMB: 10, MaxBackups: 2}
	cfg.Telemetry.Tracing.Exporter = "otlp"
	cfg.Telemetry.Tracing.Endpoint = "collector:4317"

	cli := telemetryConfig(cfg, false)
	if cli.Logging.Level != "debug" || cli.Logging.Output != "stderr" {
		t.Errorf("cli logging = %+v", cli.Logging)
	}
	if !cli.Tracing.Enabled || cli.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", cli.Tracing)
	}

	daemon := telemetryConfig(cfg, true)
	if daemon.Logging.Output != "/var/log/idler.log" || daemon.Logging.Rotation == nil || daemon.Logging.Rotation.MaxSizeMB != 10 {
		t.Errorf("daemon logging = %+v", daemon.Logging)
	}
	if err := daemon.Validate(); err != nil {
		t.Errorf("daemon config invalid: %v", err)
	}
}

func TestSimCloudSeedsConfiguredResources(t *testing.T) {
	cfg := config.Default()
	cfg.Stages = []config.StageConfig{{
		Name:  "dev",
		Class: "ungated",
		Resources: config.ResourcesConfig{
			DBCluster: &config.DBClusterConfig{ID: "db-dev"},
			Services:  []config.ServiceConfig{{Name: "api", Cluster: "dev", DesiredCount: 2}},
		},
	}}

	reg := drivers.NewRegistry(simCloud(cfg).Drivers()...)
	db, err := reg.Get(drivers.DBCluster)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	desc, err := db.Describe(context.Background(), cfg.Stages[0].Refs(drivers.DBCluster)[0])
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if desc.Status != drivers.StatusAvailable {
		t.Errorf("status = %s, want available", desc.Status)
	}
}

func TestAppRunsTeardownAgainstSim(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := config.Load(writeConfig(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Store.Path = filepath.Join(t.TempDir(), "idler.db")
	cfg.Timing.GracePeriod = 0
	cfg.Telemetry.Tracing.Exporter = "none"

	ctx := context.Background()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.Close()

	id, err := a.service.StartTeardown(ctx, orchestrator.TeardownInput{
		Stage:    "dev",
		Selector: drivers.Selector(drivers.ComputeServices),
	})
	if err != nil {
		t.Fatalf("StartTeardown failed: %v", err)
	}
	exec, err := a.engine.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if exec.Status != stores.ExecutionSucceeded {
		t.Fatalf("status = %s, error %v", exec.Status, exec.Error)
	}
}
