package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/batch"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func newBeginCommand() *cobra.Command {
	var unattended bool

	cmd := &cobra.Command{
		Use:   "begin <name=version>...",
		Short: "Start a stage for the given target versions",
		Long: `Acquire the project's stage lock and record a new stage for the target
versions. Nothing is installed until 'update stage' runs.

Begin fails when another stage holds the lock or when a failure marker from
an earlier commit is present.`,
		Example: `  # Update one module
  update begin views=8.x-3.4

  # Stage a core security release with the unattended rule set
  update begin core=10.1.5 --unattended`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stage, err := a.orch.Begin(ctx, targets, engine.BeginOptions{
					Unattended: unattended,
					Actor:      currentActor(),
				})
				if err != nil {
					return err
				}
				return printStage(cmd.OutOrStdout(), stage)
			})
		},
	}

	cmd.Flags().BoolVar(&unattended, "unattended", false, "validate with the unattended rule set")
	return cmd
}

func newStageCommand() *cobra.Command {
	return newStepCommand(batch.StepStage, "Install the target versions into the staging directory",
		`Copy the live manifest and every affected package into the stage directory
and install the target versions, plus any versions they pin. Running it
again on a staged stage does nothing.`)
}

func newValidateCommand() *cobra.Command {
	return newStepCommand(batch.StepValidate, "Validate the staged changes",
		`Run the validator set for the stage's mode and cache the results. The stage
becomes validated whatever the outcome; the command exits with code 2 when
any validator reports an ERROR, and 'update commit' will refuse the stage.`)
}

func newCommitCommand() *cobra.Command {
	return newStepCommand(batch.StepCommit, "Apply the staged changes to the live codebase",
		`Swap the staged packages into the live codebase. A stage whose cached
validation results contain an ERROR is cancelled instead of committed.

Once commit has begun it cannot be interrupted. If it fails, a failure
marker blocks new stages until an operator repairs the codebase and runs
'update destroy --force'.`)
}

func newPostApplyCommand() *cobra.Command {
	return newStepCommand(batch.StepPostApply, "Run post-apply hooks",
		`Run the configured post-apply hooks in order. Every hook runs even if an
earlier one fails. Hook failures are reported but do not roll back the
applied changes.`)
}

func newCleanCommand() *cobra.Command {
	return newStepCommand(batch.StepClean, "Remove staging artifacts and release the lock",
		`Remove the stage directory and release the stage lock of an applied or
failed stage. Use 'update destroy' for a stage that has not been committed.`)
}

// newStepCommand builds a command that runs one batch step against a stage ID.
func newStepCommand(step batch.Step, short, long string) *cobra.Command {
	return &cobra.Command{
		Use:   string(step) + " <stage-id>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.runner.Step(ctx, args[0], step)
				if res.Stage != nil {
					if err := printStage(cmd.OutOrStdout(), res.Stage); err != nil {
						return err
					}
				}
				if err := resultError(res); err != nil {
					return err
				}
				if step == batch.StepValidate && res.Stage != nil && engine.OverallSeverity(res.Stage.ValidationResults) == engine.SeverityError {
					return engine.NewValidationError(res.Stage.ValidationResults).WithResource(res.Stage.ID)
				}
				return nil
			})
		},
	}
}

func newDestroyCommand() *cobra.Command {
	var (
		force  bool
		reason string
	)

	cmd := &cobra.Command{
		Use:   "destroy <stage-id>",
		Short: "Cancel a stage and remove its artifacts",
		Long: `Cancel a stage, remove its staging directory and release its lock.

A stage that has started committing can only be destroyed with --force.
A forced destroy also clears the project's failure marker, so only use it
after the live codebase has been checked and repaired.`,
		Example: `  # Abandon a stage before commit
  update destroy 01HF6Z3K9V0E8S1Y2T4N5R7QWX

  # Clear a failed commit after a manual repair
  update destroy 01HF6Z3K9V0E8S1Y2T4N5R7QWX --force --reason "restored from backup"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if force && reason == "" {
				return engine.NewInvalidInputError("--reason is required with --force", nil)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stage, err := a.orch.Destroy(ctx, args[0], engine.DestroyOptions{
					Force:  force,
					Actor:  currentActor(),
					Reason: reason,
				})
				if err != nil {
					return err
				}
				return printStage(cmd.OutOrStdout(), stage)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "destroy even after commit has begun and clear the failure marker")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

// resultError converts a failed or cancelled step into a command error.
func resultError(res batch.ActionResult) error {
	if res.OK() {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.New(res.Reason)
}
