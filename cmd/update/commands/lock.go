package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the project's stage lock",
	}

	cmd.AddCommand(newLockStatusCommand())
	cmd.AddCommand(newLockForceClearCommand())
	cmd.AddCommand(newLockAuditCommand())

	return cmd
}

func newLockStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the stage lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				status, err := a.orch.Lock().Inspect(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), status)
				}
				printLock(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func newLockForceClearCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-clear",
		Short: "Remove the stage lock whoever holds it",
		Long: `Remove the stage lock regardless of its owner. Use this only after
confirming the holding process is gone. The stage that held the lock is not
changed; destroy or resume it afterwards. The action is written to the
audit log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return engine.NewInvalidInputError("--reason is required", nil)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				record, err := a.orch.Lock().ForceClear(ctx, currentActor(), reason)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, map[string]interface{}{"cleared": record != nil, "record": record})
				}
				if record == nil {
					fmt.Fprintln(w, "The stage lock was not held.")
					return nil
				}
				fmt.Fprintf(w, "Cleared lock held by stage %s (pid %d on %s).\n", record.StageID, record.PID, record.Hostname)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log (required)")
	return cmd
}

func newLockAuditCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List operator actions such as forced lock clears",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, err := a.store.ListAuditEntries(ctx, a.orch.ProjectRoot(), limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, entries)
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%s  %-18s %-12s %s  %v\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, e.StageID, e.Details["reason"])
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	return cmd
}
