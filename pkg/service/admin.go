package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/stores"
)

// ActionDelete is the audit action of a project removal.
const ActionDelete = "project.delete"

// DefaultMaintenanceInterval is how often Maintain runs its housekeeping.
const DefaultMaintenanceInterval = 10 * time.Minute

// Projects lists the registered projects.
func (s *Service) Projects(ctx context.Context) ([]*engine.Project, error) {
	return s.store.ListProjects(ctx)
}

// Jobs lists the stored job definitions.
func (s *Service) Jobs(ctx context.Context) ([]*engine.JobDefinition, error) {
	return s.store.ListJobs(ctx)
}

// DeleteProject removes a project with its sync record, jobs and histories,
// and deletes its managed workspace directory. A project that is being
// synchronized or has executions in DELAY or RUN is not deleted.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return notFound(err, "project", projectID)
	}

	release, err := s.workspaces.Lock(projectID).TryAcquireExclusive()
	if err != nil {
		return err
	}
	defer release()

	for _, status := range []engine.ExecutionStatus{engine.StatusDelay, engine.StatusRun} {
		active, err := s.store.ListHistories(ctx, stores.HistoryFilter{ProjectID: &projectID, Status: &status}, 1, 0)
		if err != nil {
			return fmt.Errorf("failed to check active executions: %w", err)
		}
		if len(active) > 0 {
			return engine.NewNotAcceptableError(fmt.Sprintf("project %s has an execution in %s", projectID, status)).
				WithResource(projectID).
				WithDetail("history_id", active[0].ID)
		}
	}

	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return notFound(err, "project", projectID)
	}

	// Manual projects may point at a directory polemarch does not own.
	removed := false
	if project.Backend != engine.BackendManual || !filepath.IsAbs(project.Source) {
		if err := s.workspaces.Remove(projectID); err != nil {
			return err
		}
		removed = true
	}

	s.audit(ctx, ActionDelete, projectID, map[string]interface{}{
		"backend":           string(project.Backend),
		"workspace_removed": removed,
	})
	log.Info().Str("project_id", projectID).Bool("workspace_removed", removed).Msg("Project deleted")
	return nil
}

// HostFacts lists the live facts gathered by setup runs. An empty host
// lists every host.
func (s *Service) HostFacts(ctx context.Context, host string, limit, offset int) ([]*stores.Fact, error) {
	var target *string
	if host != "" {
		target = &host
	}
	namespace := executor.FactsNamespace
	return s.store.ListFacts(ctx, target, &namespace, limit, offset)
}

// AuditFilter narrows AuditLog. Empty fields match everything.
type AuditFilter struct {
	Action string
	Actor  string
}

// AuditLog lists audit entries, newest first.
func (s *Service) AuditLog(ctx context.Context, filter AuditFilter, limit, offset int) ([]*stores.AuditEntry, error) {
	var action, actor *string
	if filter.Action != "" {
		action = &filter.Action
	}
	if filter.Actor != "" {
		actor = &filter.Actor
	}
	return s.store.ListAuditEntries(ctx, action, actor, limit, offset)
}

// Maintain runs housekeeping every interval until ctx is done: a database
// health check and the purge of expired facts.
func (s *Service) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.MaintainOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Maintenance failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MaintainOnce checks the database and purges expired facts. It returns the
// number of facts removed.
func (s *Service) MaintainOnce(ctx context.Context) (int64, error) {
	if err := s.store.HealthCheck(ctx); err != nil {
		return 0, fmt.Errorf("database health check failed: %w", err)
	}

	purged, err := s.store.DeleteExpiredFacts(ctx)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Info().Int64("facts", purged).Msg("Expired facts purged")
	}
	return purged, nil
}
