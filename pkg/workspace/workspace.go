// Package workspace maps projects to directories on disk and serializes
// synchronization against execution per workspace.
//
// The lock has two layers: a weighted semaphore between goroutines of one
// process and an flock(2) on a per-workspace lock file between processes,
// so a CLI sync cannot swap a workspace under executions run by serve.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// exclusiveWeight is the semaphore capacity; a sync takes all of it.
const exclusiveWeight = 1 << 20

// lockDir holds the lock files, one per workspace, under the root.
const lockDir = ".locks"

// sharedRetryInterval is how often a shared acquire retries a lock file
// held exclusively by another process.
var sharedRetryInterval = 100 * time.Millisecond

// Manager owns the workspace root directory.
type Manager struct {
	root string

	mu    sync.Mutex
	locks map[string]*Lock
}

// NewManager creates the root directory if needed.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, lockDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: abs, locks: make(map[string]*Lock)}, nil
}

// Root returns the absolute root of all workspaces.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory of a project's workspace.
func (m *Manager) Path(projectID string) (string, error) {
	if err := ValidateID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(m.root, projectID), nil
}

// Dir returns the workspace directory of a project. Manual projects with an
// absolute source use that directory in place.
func (m *Manager) Dir(project *engine.Project) (string, error) {
	if project.Backend == engine.BackendManual && filepath.IsAbs(project.Source) {
		return filepath.Clean(project.Source), nil
	}
	return m.Path(project.ID)
}

// Describe combines a project and its sync record into a Workspace.
// A nil record means the project was never synchronized.
func (m *Manager) Describe(project *engine.Project, record *engine.SyncRecord) (engine.Workspace, error) {
	dir, err := m.Dir(project)
	if err != nil {
		return engine.Workspace{}, err
	}

	ws := engine.Workspace{
		ProjectID:      project.ID,
		Root:           dir,
		Backend:        project.Backend,
		LastSyncStatus: engine.SyncStatusNew,
	}
	if record != nil {
		updated := record.UpdatedAt
		ws.LastSyncAt = &updated
		ws.LastSyncStatus = record.Status
	}
	return ws, nil
}

// Lock returns the lock of a project's workspace.
func (m *Manager) Lock(projectID string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[projectID]
	if !ok {
		l = &Lock{
			projectID: projectID,
			file:      filepath.Join(m.root, lockDir, projectID+".lock"),
			sem:       semaphore.NewWeighted(exclusiveWeight),
		}
		m.locks[projectID] = l
	}
	return l
}

// Remove deletes a project's managed directory. The caller must hold the exclusive lock.
func (m *Manager) Remove(projectID string) error {
	dir, err := m.Path(projectID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", projectID, err)
	}

	m.mu.Lock()
	delete(m.locks, projectID)
	m.mu.Unlock()

	log.Info().Str("project_id", projectID).Msg("Workspace removed")
	return nil
}

// ValidateID rejects project ids that are not a single path element.
// Hidden names are reserved for lock files and staging directories.
func ValidateID(projectID string) error {
	switch {
	case projectID == "", strings.HasPrefix(projectID, "."):
		return engine.NewPermanentError("invalid project id", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(projectID)
	case strings.ContainsAny(projectID, `/\`):
		return engine.NewPermanentError("project id must not contain path separators", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(projectID)
	}
	return nil
}

// Lock makes synchronization and execution mutually exclusive.
// Executions share the workspace; a sync holds it alone.
type Lock struct {
	projectID string
	file      string
	sem       *semaphore.Weighted
}

// AcquireShared waits until no sync holds the workspace, in this process
// or another.
func (l *Lock) AcquireShared(ctx context.Context) (release func(), err error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		f, err := tryLockFile(l.file, false)
		if err == nil {
			return sync.OnceFunc(func() {
				unlockFile(f)
				l.sem.Release(1)
			}), nil
		}
		if !errors.Is(err, errLocked) {
			l.sem.Release(1)
			return nil, fmt.Errorf("failed to lock workspace %s: %w", l.projectID, err)
		}

		select {
		case <-ctx.Done():
			l.sem.Release(1)
			return nil, ctx.Err()
		case <-time.After(sharedRetryInterval):
		}
	}
}

// TryAcquireExclusive takes the workspace if it is idle and fails immediately otherwise.
func (l *Lock) TryAcquireExclusive() (release func(), err error) {
	if !l.sem.TryAcquire(exclusiveWeight) {
		return nil, l.busy()
	}

	f, err := tryLockFile(l.file, true)
	if err != nil {
		l.sem.Release(exclusiveWeight)
		if errors.Is(err, errLocked) {
			return nil, l.busy()
		}
		return nil, fmt.Errorf("failed to lock workspace %s: %w", l.projectID, err)
	}

	return sync.OnceFunc(func() {
		unlockFile(f)
		l.sem.Release(exclusiveWeight)
	}), nil
}

func (l *Lock) busy() error {
	return engine.NewConflictError("workspace is busy", nil).
		WithCode(engine.ErrCodeWorkspaceBusy).
		WithResource(l.projectID)
}
