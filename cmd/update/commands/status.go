package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

type statusOutput struct {
	Stage  *engine.UpdateStage   `json:"stage,omitempty"`
	Lock   *engine.LockStatus    `json:"lock"`
	Marker *engine.FailureMarker `json:"failure_marker,omitempty"`
	Events []*engine.StageEvent  `json:"events,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "status [stage-id]",
		Short: "Show a stage, the stage lock and any failure marker",
		Long: `Show the given stage, or the most recent stage of the project, together
with the stage lock holder and the project's failure marker.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := statusOutput{}

				var err error
				if len(args) == 1 {
					out.Stage, err = a.orch.Status(ctx, args[0])
				} else {
					out.Stage, err = a.orch.Latest(ctx)
					if engine.IsNotFound(err) {
						err = nil
					}
				}
				if err != nil {
					return err
				}

				if out.Lock, err = a.orch.Lock().Inspect(ctx); err != nil {
					return err
				}
				if out.Marker, err = a.orch.FailureMarker(ctx); err != nil {
					return err
				}
				if events && out.Stage != nil {
					if out.Events, err = a.store.GetEvents(ctx, out.Stage.ID, 0); err != nil {
						return err
					}
				}

				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, out)
				}

				if out.Marker != nil {
					printMarker(w, out.Marker)
					fmt.Fprintln(w)
				}
				printLock(w, out.Lock)
				if out.Stage == nil {
					fmt.Fprintln(w, "No stages recorded for this project.")
					return nil
				}
				if err := printStage(w, out.Stage); err != nil {
					return err
				}
				if len(out.Events) > 0 {
					fmt.Fprintln(w, "\nEvents:")
					for _, e := range out.Events {
						fmt.Fprintf(w, "  %s  %-7s %-22s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Type, e.Message)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the stage's event timeline")
	return cmd
}

func newDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <stage-id>",
		Short: "Show the package changes a staged stage would apply",
		Long: `Compare the live packages with the staged packages. Changes the stage did
not ask for are marked incidental.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				diff, err := a.orch.Diff(ctx, args[0])
				if err != nil {
					return err
				}
				return printDiff(cmd.OutOrStdout(), diff)
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent stages of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stages, err := a.orch.History(ctx, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, stages)
				}
				if len(stages) == 0 {
					fmt.Fprintln(w, "No stages recorded for this project.")
					return nil
				}
				for _, s := range stages {
					fmt.Fprintf(w, "%s  %-10s %s  %s\n", s.ID, s.State, s.CreatedAt.Format(time.RFC3339), formatTargets(s.TargetVersions))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of stages to list")
	return cmd
}
