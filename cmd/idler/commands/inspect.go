package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/idler/pkg/stores"
)

func newStateCommand() *cobra.Command {
	var (
		history bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "state <stage>",
		Short: "Show the lifecycle state of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				states, err := a.store.QueryByStage(ctx, args[0], !history, limit)
				if err != nil {
					return err
				}
				books, err := a.service.Bookkeeping(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]interface{}{"stage": args[0], "states": states, "bookkeeping": books})
				}

				if len(states) == 0 {
					fmt.Printf("No state recorded for %s\n", args[0])
					return nil
				}
				sort.SliceStable(states, func(i, j int) bool { return states[i].ResourceType < states[j].ResourceType })
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RESOURCE\tSTATE\tRECORDED")
				for _, s := range states {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.ResourceType, s.CurrentState, s.RecordedAt().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "show every recorded transition")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newExecutionsCommand() *cobra.Command {
	var (
		stage  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List workflow executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var (
					st *stores.ExecutionStatus
					sg *string
				)
				if status != "" {
					s := stores.ExecutionStatus(status)
					st = &s
				}
				if stage != "" {
					sg = &stage
				}
				execs, err := a.store.ListExecutions(ctx, st, sg, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(execs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tWORKFLOW\tSTAGE\tSTATUS\tCREATED")
				for _, e := range execs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Workflow, e.Stage, e.Status, e.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec, err := a.engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printExecution(exec)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of an execution",
		Long: `Request cancellation of an execution. A running execution stops at its
next step boundary; the daemon running it observes the request by polling.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ok, err := a.engine.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("execution %s already finished", args[0])
				}
				fmt.Printf("Cancellation of %s requested\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired state rows, approvals, events and executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.store.PruneExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Pruned %d states, %d approvals, %d events, %d audit entries, %d executions\n",
					res.States, res.Approvals, res.Events, res.AuditLog, res.Executions)
				return nil
			})
		},
	}
}
