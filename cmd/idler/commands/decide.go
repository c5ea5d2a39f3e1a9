package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/openfroyo/idler/pkg/autorestart"
	"github.com/openfroyo/idler/pkg/orchestrator"
)

// newDecisionCommand builds "approve" or "deny".
func newDecisionCommand(decision string) *cobra.Command {
	var (
		token string
		actor string
	)

	cmd := &cobra.Command{
		Use:   decision + " <approval-id>",
		Short: fmt.Sprintf("%s a pending teardown approval", titleCase(decision)),
		Long: fmt.Sprintf(`%s a pending teardown approval.

The token is the one carried by the link in the approval notification. A
request that was already decided or has expired is left unchanged.`, titleCase(decision)),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = currentUser()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.service.Decide(ctx, orchestrator.DecisionRequest{
					ApprovalID: args[0],
					Token:      token,
					Decision:   decision,
					Actor:      actor,
				})
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				if !res.Applied {
					return fmt.Errorf("approval %s not changed: %s", res.ApprovalID, res.Reason)
				}
				fmt.Printf("Approval %s %s (execution %s)\n", res.ApprovalID, res.Status, res.ExecutionID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&token, "token", "t", "", "approval token from the notification link")
	cmd.Flags().StringVar(&actor, "actor", "", "who is deciding (default: current user)")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newEventCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event [file]",
		Short: "Feed an audit event to the auto-restart detector",
		Long: `Feed an EventBridge audit event (CloudTrail StartDBCluster or an RDS
cluster event) to the auto-restart detector. Reads stdin when no file is
given. A platform-forced restart starts the re-stop workflow and waits for it.`,
		Example: `  idler event start-db-cluster.json
  aws events ... | idler event`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read event: %w", err)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				detector, err := autorestart.New(a.cfg, a.store, a.service, a.dispatcher, a.logger)
				if err != nil {
					return err
				}
				res, err := detector.Handle(ctx, data)
				if err != nil {
					return err
				}
				if jsonOutput() {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					fmt.Printf("event %s: %s", res.EventID, res.Action)
					if res.Reason != "" {
						fmt.Printf(" (%s)", res.Reason)
					}
					fmt.Println()
				}
				if res.ExecutionID == "" {
					return nil
				}
				exec, err := a.engine.Wait(ctx, res.ExecutionID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return nil
				}
				return printExecution(exec)
			})
		},
	}
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
