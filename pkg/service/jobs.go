package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/config"
	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

// RegisterProject creates or updates a project definition. The workspace is
// not touched until the project is synchronized.
func (s *Service) RegisterProject(ctx context.Context, project *engine.Project) error {
	if err := workspace.ValidateID(project.ID); err != nil {
		return err
	}
	if err := project.Backend.Validate(); err != nil {
		return engine.NewPermanentError("invalid project "+project.ID, err).
			WithCode(engine.ErrCodeValidation).
			WithResource(project.ID)
	}
	if project.Backend != engine.BackendManual && project.Source == "" {
		return engine.NewPermanentError(fmt.Sprintf("project %s: %s backend requires a source", project.ID, project.Backend), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(project.ID)
	}

	if err := s.store.UpsertProject(ctx, project); err != nil {
		return fmt.Errorf("failed to store project %s: %w", project.ID, err)
	}

	s.audit(ctx, ActionRegister, project.ID, map[string]interface{}{
		"backend":  string(project.Backend),
		"source":   project.Source,
		"revision": project.Revision,
	})
	return nil
}

// ApplyJobsFile stores the projects, inventories, jobs and schedules of a
// loaded jobs file. Stored schedule entries missing from the file are
// removed so that the scheduler stops triggering them.
func (s *Service) ApplyJobsFile(ctx context.Context, jobs *config.JobsFile) error {
	for i := range jobs.Projects {
		if err := s.RegisterProject(ctx, &jobs.Projects[i]); err != nil {
			return err
		}
	}

	for i := range jobs.Inventories {
		inv := &jobs.Inventories[i]
		data, err := inv.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode inventory %s: %w", inv.Name, err)
		}
		if err := s.store.UpsertInventory(ctx, inv.Name, string(data)); err != nil {
			return fmt.Errorf("failed to store inventory %s: %w", inv.Name, err)
		}
	}

	for i := range jobs.Jobs {
		if err := s.store.UpsertJob(ctx, &jobs.Jobs[i]); err != nil {
			return fmt.Errorf("failed to store job %s: %w", jobs.Jobs[i].ID, err)
		}
	}

	declared := make(map[string]bool, len(jobs.Schedules))
	for i := range jobs.Schedules {
		entry := &jobs.Schedules[i]
		declared[entry.ID] = true
		if err := s.store.UpsertScheduleEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to store schedule %s: %w", entry.ID, err)
		}
	}

	stored, err := s.store.ListScheduleEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}
	removed := 0
	for _, entry := range stored {
		if declared[entry.ID] {
			continue
		}
		if err := s.store.DeleteScheduleEntry(ctx, entry.ID); err != nil {
			return fmt.Errorf("failed to delete schedule %s: %w", entry.ID, err)
		}
		removed++
	}

	s.audit(ctx, ActionApply, "jobs", map[string]interface{}{
		"projects":          len(jobs.Projects),
		"inventories":       len(jobs.Inventories),
		"jobs":              len(jobs.Jobs),
		"schedules":         len(jobs.Schedules),
		"schedules_removed": removed,
	})
	log.Info().
		Int("projects", len(jobs.Projects)).
		Int("inventories", len(jobs.Inventories)).
		Int("jobs", len(jobs.Jobs)).
		Int("schedules", len(jobs.Schedules)).
		Int("schedules_removed", removed).
		Msg("Jobs file applied")

	return nil
}
