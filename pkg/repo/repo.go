// Package repo synchronizes project workspaces with their sources.
//
// A Synchronizer owns the sync state machine (NEW, SYNC, OK, ERROR) and the
// workspace exclusive lock; backends only move bytes. Failures are classified
// as network problems (transient, SYNC_NETWORK) or content problems
// (permanent, SYNC_CONTENT) and never retried here.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/telemetry"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

// Store is the persistence the synchronizer needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*engine.Project, error)
	UpsertSyncRecord(ctx context.Context, record *engine.SyncRecord) error
}

// Backend brings dir up to date with project's source and returns the
// resulting revision. Backends never touch the sync record.
type Backend interface {
	Kind() engine.BackendKind
	Sync(ctx context.Context, project *engine.Project, dir string) (string, error)
}

// Options configures a Synchronizer.
type Options struct {
	// Backends replaces the default backend set when non-empty.
	Backends []Backend

	// Telemetry is optional.
	Telemetry *telemetry.Telemetry
}

// Synchronizer runs one sync attempt at a time per workspace.
type Synchronizer struct {
	store      Store
	workspaces *workspace.Manager
	backends   map[engine.BackendKind]Backend
	tel        *telemetry.Telemetry
	now        func() time.Time
}

var _ engine.Synchronizer = (*Synchronizer)(nil)

// NewSynchronizer wires the default manual, tar and git backends unless
// opts provides its own.
func NewSynchronizer(store Store, workspaces *workspace.Manager, opts Options) *Synchronizer {
	backends := opts.Backends
	if len(backends) == 0 {
		backends = []Backend{
			NewManualBackend(),
			NewArchiveBackend(ArchiveOptions{}),
			NewGitBackend(GitOptions{}),
		}
	}

	s := &Synchronizer{
		store:      store,
		workspaces: workspaces,
		backends:   make(map[engine.BackendKind]Backend, len(backends)),
		tel:        opts.Telemetry,
		now:        time.Now,
	}
	for _, b := range backends {
		s.backends[b.Kind()] = b
	}
	return s
}

// Backends lists the supported backend names in sorted order.
func (s *Synchronizer) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for kind := range s.backends {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}

// Sync performs one synchronization of the project's workspace. A workspace
// that is already syncing or has running executions is rejected immediately
// with ErrCodeWorkspaceBusy and its sync record is left untouched.
func (s *Synchronizer) Sync(ctx context.Context, projectID string) (*engine.SyncResult, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	backend, ok := s.backends[project.Backend]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported backend %q", project.Backend), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(projectID)
	}

	dir, err := s.workspaces.Dir(project)
	if err != nil {
		return nil, err
	}

	release, err := s.workspaces.Lock(projectID).TryAcquireExclusive()
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := s.tel.StartSpan(ctx, "repo.sync",
		telemetry.AttrProjectID.String(projectID),
		telemetry.AttrBackend.String(string(project.Backend)))
	defer span.End()

	logger := log.With().Str("project_id", projectID).Str("backend", string(project.Backend)).Logger()
	started := s.now()

	if err := s.store.UpsertSyncRecord(ctx, &engine.SyncRecord{
		ProjectID: projectID,
		Backend:   project.Backend,
		Source:    project.Source,
		Status:    engine.SyncStatusSync,
		UpdatedAt: started,
	}); err != nil {
		return nil, fmt.Errorf("failed to mark sync start: %w", err)
	}

	logger.Info().Str("source", project.Source).Msg("Synchronizing workspace")
	revision, syncErr := backend.Sync(ctx, project, dir)
	finished := s.now()
	duration := finished.Sub(started)

	record := &engine.SyncRecord{
		ProjectID: projectID,
		Backend:   project.Backend,
		Source:    project.Source,
		Revision:  revision,
		Status:    engine.SyncStatusOK,
		UpdatedAt: finished,
	}
	if syncErr != nil {
		syncErr = classify(syncErr).WithResource(projectID)
		record.Status = engine.SyncStatusError
		record.Error = syncErr.Error()
	}

	// The final status is written even if the caller's context is gone.
	if err := s.store.UpsertSyncRecord(context.WithoutCancel(ctx), record); err != nil {
		return nil, errors.Join(syncErr, fmt.Errorf("failed to record sync result: %w", err))
	}

	s.tel.Meter().RecordSync(string(project.Backend), string(record.Status), duration)
	if syncErr != nil {
		telemetry.RecordError(span, syncErr)
		s.tel.RecordError(syncErr)
		s.tel.Emit(ctx, telemetry.EventTypeSyncFailed, map[string]interface{}{
			"project_id": projectID,
			"backend":    string(project.Backend),
			"error":      syncErr.Error(),
			"retryable":  engine.IsRetryable(syncErr),
		})
		logger.Error().Err(syncErr).Dur("duration", duration).Msg("Workspace sync failed")
		return nil, syncErr
	}

	telemetry.RecordSuccess(span)
	s.tel.Emit(ctx, telemetry.EventTypeSyncCompleted, map[string]interface{}{
		"project_id": projectID,
		"backend":    string(project.Backend),
		"revision":   revision,
	})
	logger.Info().Str("revision", revision).Dur("duration", duration).Msg("Workspace synchronized")

	return &engine.SyncResult{
		ProjectID: projectID,
		Backend:   project.Backend,
		Revision:  revision,
		Duration:  duration,
	}, nil
}

// classify makes sure every sync failure carries a class. Errors that backends
// did not classify themselves are treated as content problems, except
// context expiry which is transient.
func classify(err error) *engine.EngineError {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) && (engErr.Code == engine.ErrCodeSyncNetwork || engErr.Code == engine.ErrCodeSyncContent) {
		return engErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engine.NewSyncNetworkError("sync interrupted", err)
	}
	return engine.NewSyncContentError("sync failed", err)
}
