package commands

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the Rego policies applied during validation",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyWatchCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and operator policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				policies := a.policies.ListPolicies()
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, policies)
				}
				for _, p := range policies {
					origin := "operator"
					if p.Builtin {
						origin = "built-in"
					}
					state := "enabled"
					if !p.Enabled {
						state = "disabled"
					}
					fmt.Fprintf(w, "%-28s %-8s %-9s %-8s %s\n", p.Name, p.Severity, origin, state, p.Description)
				}
				return nil
			})
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <stage-id>",
		Short: "Evaluate the policies against a staged stage",
		Long: `Evaluate every enabled policy against the stage's staged packages without
changing the stage. The command exits with code 2 when a policy reports an
ERROR.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				input, err := a.policyInput(ctx, args[0])
				if err != nil {
					return err
				}
				result := a.policies.Evaluate(ctx, input)
				if err := printPolicyResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Severity() == engine.SeverityError {
					return engine.NewInvalidInputError(fmt.Sprintf("policies reported errors for stage %s", args[0]), nil).
						WithResource(args[0])
				}
				return nil
			})
		},
	}
}

func newPolicyWatchCommand() *cobra.Command {
	var (
		stageID  string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload operator policies as their files change",
		Long: `Watch the configured policy paths and recompile the policies whenever a
file changes, reporting compile errors as they happen. With --stage the
stage is re-evaluated and the result printed whenever it changes.

Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(a.cfg.Policy.Paths) == 0 {
					return engine.NewInvalidInputError("no policy paths are configured", nil)
				}
				loader, err := a.policies.Watch(ctx, a.cfg.Policy.Paths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Watching %d policy path(s); press Ctrl-C to stop.\n", len(a.cfg.Policy.Paths))
				if stageID == "" {
					<-ctx.Done()
					return nil
				}

				input, err := a.policyInput(ctx, stageID)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				var last *policy.Result
				for {
					result := a.policies.Evaluate(ctx, input)
					if last == nil || !sameViolations(last, result) {
						fmt.Fprintf(w, "\n%s\n", time.Now().Format(time.RFC3339))
						if err := printPolicyResult(w, result); err != nil {
							return err
						}
						last = result
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&stageID, "stage", "", "stage to re-evaluate")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "how often to re-evaluate the stage")
	return cmd
}

// policyInput builds the policy input for a stage from the live and staged packages.
func (a *app) policyInput(ctx context.Context, id string) (*policy.Input, error) {
	stage, err := a.orch.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if !stage.State.IsPreCommit() || stage.State == engine.StateStaging {
		return nil, engine.NewStateMismatchError("policy check", stage.State, engine.StateStaged, engine.StateValidated)
	}
	installed, err := a.packages.InstalledPackages(ctx, stage.ProjectRoot)
	if err != nil {
		return nil, engine.NewStageIOError("policy check", err)
	}
	staged, err := a.packages.StagedPackages(ctx, stage.StageDir)
	if err != nil {
		return nil, engine.NewStageIOError("policy check", err)
	}
	return policy.NewInput(&engine.ValidationInput{
		Stage:     stage,
		Installed: installed,
		Staged:    staged,
		Diff:      engine.Diff(installed, staged, stage.RequestedNames()),
	}), nil
}

func printPolicyResult(w io.Writer, r *policy.Result) error {
	if jsonOutput {
		return printJSON(w, r)
	}
	fmt.Fprintf(w, "Policies: %s (%d evaluated)\n", r.Severity(), len(r.EvaluatedPolicies))
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  %-7s %s\n", v.Severity, v.String())
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  ERROR   [%s] evaluation failed: %s\n", e.Policy, e.Err)
	}
	return nil
}

func sameViolations(a, b *policy.Result) bool {
	return reflect.DeepEqual(a.Violations, b.Violations) &&
		reflect.DeepEqual(a.Errors, b.Errors) &&
		reflect.DeepEqual(a.EvaluatedPolicies, b.EvaluatedPolicies)
}
