package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/idler/pkg/config"
)

// buildVersion is reported to telemetry as the service version.
var buildVersion = "dev"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idler",
		Short: "idler - idle resource lifecycle orchestrator",
		Long: `idler tears down the expensive resources of idle deployment stages and
restores them on demand.

Features:
  - Durable teardown, restore and re-stop workflows that survive restarts
  - Human approval with expiring links for gated stages
  - Restore bookkeeping (snapshots, desired counts, static addresses)
  - Suppression of platform-forced database restarts
  - Rego lifecycle policy`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}

	viper.SetEnvPrefix("IDLER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (.cue, .yaml or .json)")
	flags.String("db", "", "state database path (overrides store.path)")
	flags.String("driver", "", "cloud driver: aws or sim (overrides driver)")
	flags.String("log-level", "", "log level (overrides telemetry.log_level)")
	flags.Bool("json", false, "output in JSON format")
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTeardownCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newDecisionCommand("approve"))
	rootCmd.AddCommand(newDecisionCommand("deny"))
	rootCmd.AddCommand(newEventCommand())
	rootCmd.AddCommand(newActivityCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newPruneCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the config file named by --config or IDLER_CONFIG and
// applies command line overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if v := viper.GetString("db"); v != "" {
		cfg.Store.Path = v
	}
	if v := viper.GetString("driver"); v != "" {
		if v != "aws" && v != "sim" {
			return nil, fmt.Errorf("unknown driver %q", v)
		}
		cfg.Driver = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
	if v := viper.GetString("listen"); v != "" {
		cfg.API.Listen = v
	}
	return cfg, nil
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
