package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polemarch",
		Short: "Polemarch - ansible execution and project sync service",
		Long: `Polemarch keeps project workspaces synchronized from git repositories,
archives or manually managed directories and runs ansible playbooks and
ad-hoc modules inside them.

Every execution gets a history record with its numbered output lines,
final status and the facts reported by setup runs. Executions can be
cancelled from any process sharing the cancellation backend.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("POLEMARCH_CONFIG"), "config file or CUE package directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newReposCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newExecutePlaybookCommand())
	rootCmd.AddCommand(newExecuteModuleCommand())
	rootCmd.AddCommand(newExecuteJobCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newJobsCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}

// printResult writes v as indented JSON when --json is set and calls text
// otherwise.
func printResult(cmd *cobra.Command, v interface{}, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
