package commands

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/service"
)

// followInterval is how often new output lines are fetched while following.
const followInterval = 250 * time.Millisecond

// executionFlags are shared by the ad-hoc execution commands.
type executionFlags struct {
	inventory  string
	options    []string
	vars       []string
	env        []string
	timeout    time.Duration
	ignoreSync bool
}

func (f *executionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.inventory, "inventory", "i", "", "stored inventory name, workspace path or comma separated hosts")
	cmd.Flags().StringArrayVarP(&f.options, "option", "o", nil, "command line option as key=value or key for flags (repeatable)")
	cmd.Flags().StringArrayVarP(&f.vars, "extra-var", "e", nil, "extra variable as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "environment variable as KEY=value (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "maximum runtime, 0 uses the configured default")
	cmd.Flags().BoolVar(&f.ignoreSync, "ignore-sync-status", false, "run even if the last sync did not succeed")
	_ = cmd.MarkFlagRequired("inventory")
}

func newExecutePlaybookCommand() *cobra.Command {
	var flags executionFlags

	cmd := &cobra.Command{
		Use:   "execute-playbook <project> <playbook>",
		Short: "Run a playbook in a project workspace",
		Long: `Run ansible-playbook inside a synchronized project workspace.

Output is streamed to stdout as it is recorded. The command exits non-zero
unless the execution finishes OK.`,
		Example: `  # Run site.yml against a stored inventory
  polemarch execute-playbook web site.yml -i prod

  # Limit hosts and pass extra variables
  polemarch execute-playbook web deploy.yml -i prod -o limit=web1 -e version=1.4.2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, vars, env, err := flags.parse()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			ctx := a.withContext(cmd.Context())

			h, err := a.svc.ExecutePlaybook(ctx, service.PlaybookRequest{
				ProjectID:        args[0],
				Playbook:         args[1],
				Inventory:        flags.inventory,
				Options:          opts,
				Vars:             vars,
				Env:              env,
				Timeout:          flags.timeout,
				Initiator:        cliInitiator(),
				IgnoreSyncStatus: flags.ignoreSync,
			})
			if err != nil {
				return err
			}
			return a.follow(ctx, cmd, h)
		},
	}

	flags.register(cmd)
	return cmd
}

func newExecuteModuleCommand() *cobra.Command {
	var (
		flags       executionFlags
		hostPattern string
		moduleArgs  string
	)

	cmd := &cobra.Command{
		Use:   "execute-module <project> <module>",
		Short: "Run an ad-hoc ansible module",
		Long: `Run an ansible module against the hosts matching a pattern.

The pattern uses the inventory group and host names; "all" matches every
host. When the inventory is stored, a pattern matching no host is rejected
before anything runs.`,
		Example: `  # Ping every web host
  polemarch execute-module web ping -i prod --hosts web

  # Run a shell command on one host
  polemarch execute-module web shell -i prod --hosts web1 -a 'uptime'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, vars, env, err := flags.parse()
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			ctx := a.withContext(cmd.Context())

			h, err := a.svc.ExecuteModule(ctx, service.ModuleRequest{
				ProjectID:        args[0],
				Module:           args[1],
				Inventory:        flags.inventory,
				HostPattern:      hostPattern,
				Args:             moduleArgs,
				Options:          opts,
				Vars:             vars,
				Env:              env,
				Timeout:          flags.timeout,
				Initiator:        cliInitiator(),
				IgnoreSyncStatus: flags.ignoreSync,
			})
			if err != nil {
				return err
			}
			return a.follow(ctx, cmd, h)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&hostPattern, "hosts", "all", "host pattern")
	cmd.Flags().StringVarP(&moduleArgs, "args", "a", "", "module arguments")
	return cmd
}

func newExecuteJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execute-job <job>",
		Short:   "Run a stored job",
		Example: `  polemarch execute-job deploy`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			ctx := a.withContext(cmd.Context())

			h, err := a.svc.ExecuteJob(ctx, args[0], cliInitiator())
			if err != nil {
				return err
			}
			return a.follow(ctx, cmd, h)
		},
	}

	return cmd
}

// follow prints the output of h until it finishes and turns a status other
// than OK into an error.
func (a *app) follow(ctx context.Context, cmd *cobra.Command, h *executor.Handle) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(cmd.ErrOrStderr(), "history %d started\n", h.ID())

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var after int64
	drain := func() error {
		for {
			lines, err := a.svc.Lines(ctx, h.ID(), history.Page{After: after, Limit: history.MaxPageSize})
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(out, line.Text)
				after = line.Number
			}
			if len(lines) < history.MaxPageSize {
				return nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Done():
			if err := drain(); err != nil {
				return err
			}
			status, err := h.Wait(ctx)
			fmt.Fprintf(cmd.ErrOrStderr(), "history %d finished: %s\n", h.ID(), status)
			if status != engine.StatusOK {
				if err != nil {
					return err
				}
				return fmt.Errorf("execution %d finished with status %s", h.ID(), status)
			}
			return nil
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

func (f *executionFlags) parse() (opts, vars, env map[string]string, err error) {
	if opts, err = parsePairs(f.options, true); err != nil {
		return nil, nil, nil, err
	}
	if vars, err = parsePairs(f.vars, false); err != nil {
		return nil, nil, nil, err
	}
	if env, err = parsePairs(f.env, false); err != nil {
		return nil, nil, nil, err
	}
	return opts, vars, env, nil
}

// parsePairs turns key=value arguments into a map. Bare keys are allowed
// when flags is set and map to an empty value.
func parsePairs(pairs []string, flags bool) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if key == "" || (!ok && !flags) {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func cliInitiator() engine.Initiator {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if name == "" {
		name = "cli"
	}
	return engine.Initiator{Name: name, Type: engine.InitiatorCLI}
}
