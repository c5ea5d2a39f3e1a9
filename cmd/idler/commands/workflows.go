package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/idler/pkg/drivers"
	"github.com/openfroyo/idler/pkg/engine"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/stores"
)

func newTeardownCommand() *cobra.Command {
	var (
		resources string
		detach    bool
	)

	cmd := &cobra.Command{
		Use:   "teardown <stage>",
		Short: "Tear down the idle resources of a stage",
		Long: `Tear down the resources of a stage.

Gated stages wait for an approval decision (see "idler approve"). The
command runs the workflow in this process and waits for it unless --detach
is given; a detached execution is resumed by the next "idler serve".`,
		Example: `  # Tear down everything configured for dev
  idler teardown dev

  # Only the cache cluster
  idler teardown dev --resources CACHE_CLUSTER`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), detach, func(ctx context.Context, a *app) (string, error) {
				return a.service.StartTeardown(ctx, orchestrator.TeardownInput{
					Stage:    args[0],
					Selector: drivers.Selector(resources),
				})
			})
		},
	}

	cmd.Flags().StringVarP(&resources, "resources", "r", string(drivers.SelectAll), "resource type or \"all\"")
	cmd.Flags().BoolVar(&detach, "detach", false, "start the execution and return its id")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var (
		resources string
		detach    bool
		noWait    bool
	)

	cmd := &cobra.Command{
		Use:   "restore <stage>",
		Short: "Restore the torn-down resources of a stage",
		Long: `Restore the resources of a stage from their bookkeeping.

An active teardown or re-stop of the stage is cancelled first. With
--no-wait the workflow issues the start requests and returns without
waiting for the resources to become available.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), detach, func(ctx context.Context, a *app) (string, error) {
				return a.service.StartRestore(ctx, orchestrator.RestoreInput{
					Stage:             args[0],
					Selector:          drivers.Selector(resources),
					WaitForCompletion: !noWait,
				})
			})
		},
	}

	cmd.Flags().StringVarP(&resources, "resources", "r", string(drivers.SelectAll), "resource type or \"all\"")
	cmd.Flags().BoolVar(&detach, "detach", false, "start the execution and return its id")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "do not wait for resources to become available")
	return cmd
}

func newActivityCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "activity <stage>",
		Short: "Record user activity on a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				when = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.service.RecordActivity(ctx, args[0], when)
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "activity time (RFC 3339, default now)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runWorkflow(ctx context.Context, detach bool, start func(context.Context, *app) (string, error)) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		id, err := start(ctx, a)
		if err != nil {
			return err
		}
		if detach {
			if jsonOutput() {
				return printJSON(map[string]string{"execution_id": id})
			}
			fmt.Println(id)
			return nil
		}

		a.logger.Info().Str("execution_id", id).Msg("Waiting for execution")
		exec, err := a.engine.Wait(ctx, id)
		if err != nil {
			return err
		}
		if err := printExecution(exec); err != nil {
			return err
		}
		if exec.Status == stores.ExecutionFailed {
			return fmt.Errorf("execution %s failed", id)
		}
		return nil
	})
}

func printExecution(exec *stores.Execution) error {
	if jsonOutput() {
		var result interface{}
		if exec.Result != nil {
			_ = engine.DecodeResult(exec, &result)
		}
		return printJSON(map[string]interface{}{
			"execution_id": exec.ID,
			"workflow":     exec.Workflow,
			"stage":        exec.Stage,
			"status":       exec.Status,
			"error":        exec.Error,
			"error_class":  exec.ErrorClass,
			"result":       result,
		})
	}

	fmt.Printf("%s  %s  %s  %s\n", exec.ID, exec.Workflow, exec.Stage, exec.Status)
	if exec.Error != nil {
		fmt.Printf("  error: %s", *exec.Error)
		if exec.ErrorClass != nil {
			fmt.Printf(" (%s)", *exec.ErrorClass)
		}
		fmt.Println()
	}
	if exec.Result != nil {
		fmt.Printf("  result: %s\n", *exec.Result)
	}
	return nil
}
