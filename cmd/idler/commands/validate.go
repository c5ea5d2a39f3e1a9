package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/idler/pkg/config"
	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var policies []string

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the configuration and lifecycle policies",
		Long: `Validate the configuration and lifecycle policies.

This command checks:
  - schema conformance of the config file (CUE)
  - struct constraints and cross references (stages, rates, timings)
  - that every Rego policy compiles
  - the teardown and restore decision for every configured resource`,
		Example: `  # Validate the configured file
  idler validate -c idler.yaml

  # Validate another file with extra policies
  idler validate staging.cue --policy ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no config file given")
			}

			log.Info().Str("path", path).Msg("Validating configuration")
			cfg, err := config.Load(path)
			if err != nil {
				var invalid *config.InvalidConfigError
				if errors.As(err, &invalid) {
					for _, e := range invalid.Errors {
						fmt.Fprintf(os.Stderr, "  %s\n", e)
					}
				}
				return err
			}

			ctx := cmd.Context()
			pol, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			paths := append(append([]string{}, cfg.Policy.Paths...), policies...)
			if len(paths) > 0 {
				if err := pol.LoadPolicies(ctx, paths); err != nil {
					return fmt.Errorf("policy: %w", err)
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tRESOURCE\tTEARDOWN\tRESTORE")
			for _, st := range cfg.Stages {
				for _, t := range drivers.AllResourceTypes() {
					if len(st.Refs(t)) == 0 {
						continue
					}
					var cols [2]string
					for i, op := range []string{policy.OperationTeardown, policy.OperationRestore} {
						d, err := pol.Decide(ctx, policy.Input{
							Stage:        st.Name,
							StageClass:   st.Class,
							ResourceType: string(t),
							Operation:    op,
							Labels:       st.Labels,
						})
						if err != nil {
							return err
						}
						cols[i] = describeDecision(d)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Name, t, cols[0], cols[1])
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\n%s is valid (%d stages)\n", path, len(cfg.Stages))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policies, "policy", nil, "additional policy files or directories")
	return cmd
}

func describeDecision(d *policy.Decision) string {
	if d.Denied() {
		return "denied: " + strings.Join(d.Deny, "; ")
	}
	var parts []string
	if d.Skip {
		parts = append(parts, "skip")
	}
	if d.Gated {
		parts = append(parts, "gated")
	}
	if d.SnapshotBeforeDelete {
		parts = append(parts, "snapshot")
	}
	if d.RestoreFromSnapshot {
		parts = append(parts, "from-snapshot")
	}
	if d.PreserveAddresses {
		parts = append(parts, "keep-addresses")
	}
	if len(parts) == 0 {
		return "run"
	}
	return strings.Join(parts, ",")
}
