package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/polemarch/pkg/service"
)

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "List and remove projects",
	}

	cmd.AddCommand(newProjectListCommand())
	cmd.AddCommand(newProjectDeleteCommand())

	return cmd
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			projects, err := a.svc.Projects(a.withContext(cmd.Context()))
			if err != nil {
				return err
			}
			return printResult(cmd, projects, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tBACKEND\tSOURCE\tREVISION")
				for _, p := range projects {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Backend, p.Source, p.Revision)
				}
				_ = w.Flush()
			})
		},
	}
}

func newProjectDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project>",
		Short: "Remove a project, its history and its workspace",
		Long: `Remove a project together with its sync record, jobs, schedules and
execution history. The managed workspace directory is deleted; a manual
project pointing at an absolute path keeps its directory.

A project that is synchronizing or has executions in DELAY or RUN is not
removed. A project still declared in the jobs file comes back on the next
apply.`,
		Example: `  polemarch project delete web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.svc.DeleteProject(a.withContext(cmd.Context()), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s deleted\n", args[0])
			return nil
		},
	}
}

func newJobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List stored job definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			jobs, err := a.svc.Jobs(a.withContext(cmd.Context()))
			if err != nil {
				return err
			}
			return printResult(cmd, jobs, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROJECT\tKIND\tTARGET\tINVENTORY")
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.ProjectID, j.Kind, j.Target, j.Inventory)
				}
				_ = w.Flush()
			})
		},
	}
}

func newFactsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "facts [host]",
		Short: "List the host facts gathered by setup runs",
		Long: `List the facts stored by successful setup module runs.

Facts expire after the configured executor facts TTL; the serve command
purges expired facts periodically.`,
		Example: `  polemarch facts web1 --json`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := ""
			if len(args) == 1 {
				host = args[0]
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			facts, err := a.svc.HostFacts(a.withContext(cmd.Context()), host, limit, offset)
			if err != nil {
				return err
			}
			return printResult(cmd, facts, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "HOST\tUPDATED\tEXPIRES\tSIZE")
				for _, f := range facts {
					expires := "never"
					if f.ExpiresAt != nil {
						expires = f.ExpiresAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", f.TargetID, f.UpdatedAt.Local().Format(time.DateTime), expires, len(f.Value))
				}
				_ = w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of hosts")
	cmd.Flags().IntVar(&offset, "offset", 0, "hosts to skip")

	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		filter service.AuditFilter
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:     "audit",
		Short:   "List audit entries, newest first",
		Example: `  polemarch audit --action history.cancel --actor alice`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			entries, err := a.svc.AuditLog(a.withContext(cmd.Context()), filter, limit, offset)
			if err != nil {
				return err
			}
			return printResult(cmd, entries, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIME\tACTION\tACTOR\tTARGET")
				for _, e := range entries {
					target := ""
					if e.TargetID != nil {
						target = *e.TargetID
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Timestamp.Local().Format(time.DateTime), e.Action, e.Actor, target)
				}
				_ = w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&filter.Actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	return cmd
}
