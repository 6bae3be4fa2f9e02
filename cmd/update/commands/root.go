package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "update",
		Short: "Stagehand - staged package updates for a live codebase",
		Long: `Stagehand updates the packages of a live codebase through an isolated
staging directory. Every update is staged, validated against version rules
and Rego policies, and only then swapped into place.

Steps:
  begin       acquire the project's stage lock and record the targets
  stage       install the targets into the staging directory
  validate    run the validator set and cache the results
  commit      swap the staged packages into the live codebase
  post-apply  run post-commit hooks
  clean       remove the staging directory and release the lock

Each step reads and persists the stage by ID, so steps can run from
separate processes. 'update run' drives all of them in one go and
'update cron' does the same for available security releases.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./update.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	// Step commands
	rootCmd.AddCommand(newBeginCommand())
	rootCmd.AddCommand(newStageCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCommitCommand())
	rootCmd.AddCommand(newPostApplyCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newDestroyCommand())

	// Drivers
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newCronCommand())

	// Inspection and operator tools
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
