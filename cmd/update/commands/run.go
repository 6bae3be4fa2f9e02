package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/batch"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var unattended bool

	cmd := &cobra.Command{
		Use:   "run <name=version>...",
		Short: "Run every step for the given target versions",
		Long: `Begin a stage and drive it through stage, validate, commit, post-apply and
clean. An interrupt before commit cancels the stage; once commit has begun
the remaining steps finish regardless.`,
		Example: `  update run views=8.x-3.4 token=8.x-1.13`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.runner.OnStep = stepPrinter(cmd.OutOrStdout())
				return finish(cmd.OutOrStdout(), a.runner.Run(ctx, targets, unattended))
			})
		},
	}

	cmd.Flags().BoolVar(&unattended, "unattended", false, "validate with the unattended rule set")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <stage-id>",
		Short: "Continue a stage from its persisted state",
		Long: `Run the remaining steps of a stage, starting from the step its persisted
state calls for. A stage whose commit was interrupted is reported and left
for an operator.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.runner.OnStep = stepPrinter(cmd.OutOrStdout())
				return finish(cmd.OutOrStdout(), a.runner.Resume(ctx, args[0]))
			})
		},
	}
}

func newCronCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cron",
		Short: "Install available security releases unattended",
		Long: `Look up the newest security release on the installed branch of every
package and run an unattended stage for them. Packages the release feed has
no information about are skipped. Nothing happens when no security release
is available.`,
		Example: `  # crontab entry
  */30 * * * * update --config /etc/stagehand/update.cue cron --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.runner.OnStep = stepPrinter(cmd.OutOrStdout())
				return finish(cmd.OutOrStdout(), a.runner.RunUnattended(ctx))
			})
		},
	}
}

type runOutput struct {
	Outcome string              `json:"outcome"`
	Step    batch.Step          `json:"step"`
	Reason  string              `json:"reason,omitempty"`
	Code    string              `json:"code,omitempty"`
	Stage   *engine.UpdateStage `json:"stage,omitempty"`
}

// finish prints the final result of a batch run and returns its error.
func finish(w io.Writer, res batch.ActionResult) error {
	if jsonOutput {
		out := runOutput{Outcome: res.Kind.String(), Step: res.Step, Reason: res.Reason, Stage: res.Stage}
		if res.Err != nil {
			out.Code = engine.ErrorCode(res.Err)
		}
		if err := printJSON(w, out); err != nil {
			return err
		}
		return resultError(res)
	}

	switch {
	case res.Stage == nil:
		fmt.Fprintln(w, res.Reason)
	case res.OK():
		fmt.Fprintf(w, "\nStage %s finished: %s\n", res.Stage.ID, res.Stage.State)
	default:
		fmt.Fprintln(w)
		if err := printStage(w, res.Stage); err != nil {
			return err
		}
	}
	return resultError(res)
}
