package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/polemarch/pkg/config"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			log.Info().Str("path", a.cfg.Database.Path).Msg("Database is up to date")
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	var jobsPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and a jobs file",
		Long: `Validate the service configuration and, optionally, a jobs file.

This command checks:
  - CUE and YAML syntax
  - Schema conformance, with unknown fields rejected
  - Unique identifiers and schedule expressions
  - Inventory group graphs for cycles`,
		Example: `  # Validate the configuration
  polemarch validate --config ./config.cue

  # Validate a jobs package
  polemarch validate --jobs ./jobs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if _, err := config.LoadConfig(ctx, configPath); err != nil {
				return reportValidation(cmd, "configuration", err)
			}
			if jobsPath != "" {
				if _, err := config.LoadJobsFile(ctx, jobsPath); err != nil {
					return reportValidation(cmd, "jobs file", err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&jobsPath, "jobs", "", "jobs file or CUE package directory")

	return cmd
}

// reportValidation prints each validation error on its own line.
func reportValidation(cmd *cobra.Command, what string, err error) error {
	var errs config.ValidationErrors
	if errors.As(err, &errs) {
		for _, e := range errs {
			fmt.Fprintln(cmd.ErrOrStderr(), "  "+e.String())
		}
	}
	return fmt.Errorf("invalid %s: %w", what, err)
}

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <jobs-file>",
		Short: "Store the projects, inventories, jobs and schedules of a jobs file",
		Long: `Apply a jobs file to the database.

Projects, inventories and jobs are created or updated. Schedule entries
missing from the file are deleted. A running service picks the changes up
on its next reload.`,
		Example: `  polemarch apply /etc/polemarch/jobs.cue`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := config.LoadJobsFile(cmd.Context(), args[0])
			if err != nil {
				return reportValidation(cmd, "jobs file", err)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			return a.svc.ApplyJobsFile(a.withContext(cmd.Context()), jobs)
		},
	}

	return cmd
}

func newReposCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List the supported repository backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			repos := a.svc.SupportedRepos()
			return printResult(cmd, repos, func() {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(repos, "\n"))
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <project>",
		Short: "Synchronize a project workspace",
		Long: `Synchronize a project's workspace from its source.

Git projects are cloned or fetched and checked out at the configured
revision. Tar projects are downloaded and swapped in atomically. Manual
projects only have their directory checked.`,
		Example: `  polemarch sync web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			result, err := a.svc.Sync(a.withContext(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, result, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s synchronized with %s backend", result.ProjectID, result.Backend)
				if result.Revision != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " at %s", result.Revision)
				}
				fmt.Fprintf(cmd.OutOrStdout(), " in %s\n", result.Duration.Round(time.Millisecond))
			})
		},
	}

	return cmd
}
