package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage execution history",
		Long: `Inspect execution records and their output.

Each execution keeps its output as gapless numbered lines. Finished
executions can have their output cleared, running ones can be cancelled.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryLinesCommand())
	cmd.AddCommand(newHistoryRawCommand())
	cmd.AddCommand(newHistoryFactsCommand())
	cmd.AddCommand(newHistoryClearCommand())
	cmd.AddCommand(newHistoryCancelCommand())

	return cmd
}

// withHistory opens the app and parses the history id argument.
func withHistory(cmd *cobra.Command, arg string, fn func(ctx context.Context, a *app, id int64) error) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid history id %q", arg)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(a.withContext(cmd.Context()), a, id)
}

func newHistoryListCommand() *cobra.Command {
	var (
		project string
		status  string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List execution records, newest first",
		Example: `  polemarch history list --project web --status ERROR`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter stores.HistoryFilter
			if project != "" {
				filter.ProjectID = &project
			}
			if status != "" {
				s := engine.ExecutionStatus(status)
				if err := s.Validate(); err != nil {
					return err
				}
				filter.Status = &s
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			records, err := a.svc.Histories(a.withContext(cmd.Context()), filter, limit, offset)
			if err != nil {
				return err
			}
			return printResult(cmd, records, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROJECT\tKIND\tTARGET\tSTATUS\tSTARTED\tINITIATOR")
				for _, r := range records {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.ProjectID, r.Kind, r.Target, r.Status,
						r.StartedAt.Local().Format(time.DateTime), r.Initiator)
				}
				_ = w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "only records of this project")
	cmd.Flags().StringVar(&status, "status", "", "only records with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				record, err := a.svc.History(ctx, id)
				if err != nil {
					return err
				}
				return printResult(cmd, record, func() {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "ID:        %d\n", record.ID)
					fmt.Fprintf(out, "Project:   %s\n", record.ProjectID)
					fmt.Fprintf(out, "Kind:      %s\n", record.Kind)
					fmt.Fprintf(out, "Target:    %s\n", record.Target)
					fmt.Fprintf(out, "Status:    %s\n", record.Status)
					fmt.Fprintf(out, "Initiator: %s (%s)\n", record.Initiator, record.InitiatorType)
					fmt.Fprintf(out, "Started:   %s\n", record.StartedAt.Local().Format(time.DateTime))
					if record.StoppedAt != nil {
						fmt.Fprintf(out, "Stopped:   %s\n", record.StoppedAt.Local().Format(time.DateTime))
					}
					if record.Error != "" {
						fmt.Fprintf(out, "Error:     %s\n", record.Error)
					}
				})
			})
		},
	}
}

func newHistoryLinesCommand() *cobra.Command {
	var page history.Page

	cmd := &cobra.Command{
		Use:   "lines <id>",
		Short: "Print a page of numbered output lines",
		Example: `  # Lines 101 to 200
  polemarch history lines 42 --after 100 --limit 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				lines, err := a.svc.Lines(ctx, id, page)
				if err != nil {
					return err
				}
				return printResult(cmd, lines, func() {
					for _, line := range lines {
						fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s\n", line.Number, line.Text)
					}
				})
			})
		},
	}

	cmd.Flags().Int64Var(&page.After, "after", 0, "print lines numbered after this one")
	cmd.Flags().IntVar(&page.Limit, "limit", history.DefaultPageSize, "maximum number of lines")

	return cmd
}

func newHistoryRawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "raw <id>",
		Short: "Print the whole output of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				raw, err := a.svc.Raw(ctx, id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), raw)
				return err
			})
		},
	}
}

func newHistoryFactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "facts <id>",
		Short: "Print the per-host results reported by a finished execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				facts, err := a.svc.Facts(ctx, id)
				if err != nil {
					return err
				}
				return printResult(cmd, facts, func() {
					hosts := make([]string, 0, len(facts))
					for host := range facts {
						hosts = append(hosts, host)
					}
					sort.Strings(hosts)
					for _, host := range hosts {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %d keys\n", host, len(facts[host]))
					}
				})
			})
		},
	}
}

func newHistoryClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>",
		Short: "Replace the output of a finished execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				if err := a.svc.Clear(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Output of %d cleared\n", id)
				return nil
			})
		},
	}
}

func newHistoryCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of an execution",
		Long: `Request cancellation of an execution.

The request is stored in the cancellation backend and picked up by the
process running the execution. Use the redis backend to cancel executions
started by another process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, args[0], func(ctx context.Context, a *app, id int64) error {
				msg, err := a.svc.Cancel(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			})
		},
	}
}
