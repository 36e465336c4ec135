package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/polemarch/pkg/config"
	"github.com/openfroyo/polemarch/pkg/scheduler"
	"github.com/openfroyo/polemarch/pkg/service"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the execution service",
		Long: `Run polemarch as a long-lived service.

On start the service:
  - finalizes executions left in DELAY or RUN by a process that is gone as OFFLINE
  - loads admission policies and watches them for changes
  - applies the jobs file and starts the scheduler
  - exposes Prometheus metrics when enabled
  - checks the database and purges expired facts periodically

The process runs until interrupted. Running executions are stopped on exit.`,
		Example: `  # Serve with a CUE configuration
  polemarch serve --config /etc/polemarch/config.cue

  # Serve with a YAML configuration
  POLEMARCH_CONFIG=/etc/polemarch/config.yaml polemarch serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			return a.serve(a.withContext(cmd.Context()))
		},
	}

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	recovered, err := a.exec.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned executions: %w", err)
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("Marked orphaned executions as OFFLINE")
	}

	if a.policy != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policy.Watch(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}

	if err := a.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	go a.svc.Maintain(ctx, service.DefaultMaintenanceInterval)

	if !a.cfg.Scheduler.Enabled {
		log.Info().Msg("Scheduler disabled; serving until interrupted")
		<-ctx.Done()
		return nil
	}

	sched := scheduler.New(a.store, a.svc, scheduler.Options{Telemetry: a.tel})
	reload := func(ctx context.Context) error {
		if path := a.cfg.Scheduler.JobsFile; path != "" {
			jobs, err := config.LoadJobsFile(ctx, path)
			if err != nil {
				return err
			}
			if err := a.svc.ApplyJobsFile(ctx, jobs); err != nil {
				return err
			}
		}
		return sched.Reload(ctx)
	}
	if err := reload(ctx); err != nil {
		return err
	}

	if path := a.cfg.Scheduler.JobsFile; path != "" && a.cfg.Scheduler.Watch {
		watcher, err := scheduler.Watch(ctx, path, scheduler.DefaultDebounce, reload)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	log.Info().
		Strs("schedules", sched.Entries()).
		Str("jobs_file", a.cfg.Scheduler.JobsFile).
		Msg("Polemarch service started")

	sched.Run(ctx)
	log.Info().Msg("Polemarch service stopped")
	return nil
}
