package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrHistoryActive is returned when a history is modified while DELAY or RUN.
	ErrHistoryActive = errors.New("history is active")

	// ErrJobActive is returned when a history is created for a job key that
	// already has a record in DELAY or RUN.
	ErrJobActive = errors.New("job has an active execution")

	// ErrHistoryCleared is returned when a history already holds only the replacement text.
	ErrHistoryCleared = errors.New("history already cleared")
)

// Fact represents discovered facts about managed hosts
type Fact struct {
	ID        string     `json:"id"`
	TargetID  string     `json:"target_id"` // host identifier
	Namespace string     `json:"namespace"` // e.g., "ansible.setup"
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON blob
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "history.cancel", "history.clear", "project.sync"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // project/history ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryFilter narrows ListHistories.
type HistoryFilter struct {
	ProjectID *string
	Status    *engine.ExecutionStatus
	JobKey    *string
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Project operations
	UpsertProject(ctx context.Context, project *engine.Project) error
	GetProject(ctx context.Context, id string) (*engine.Project, error)
	ListProjects(ctx context.Context) ([]*engine.Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Sync record operations
	GetSyncRecord(ctx context.Context, projectID string) (*engine.SyncRecord, error)
	UpsertSyncRecord(ctx context.Context, record *engine.SyncRecord) error

	// History operations
	CreateHistory(ctx context.Context, record *engine.ExecutionRecord) error
	GetHistory(ctx context.Context, id int64) (*engine.ExecutionRecord, error)
	ListHistories(ctx context.Context, filter HistoryFilter, limit, offset int) ([]*engine.ExecutionRecord, error)
	MarkHistoryRunning(ctx context.Context, id int64) (bool, error)
	FinalizeHistory(ctx context.Context, id int64, status engine.ExecutionStatus, errMsg string, stoppedAt time.Time) (bool, error)

	// History line operations
	AppendHistoryLine(ctx context.Context, line *engine.HistoryLine) error
	MaxHistoryLine(ctx context.Context, historyID int64) (int64, error)
	ListHistoryLines(ctx context.Context, historyID, after int64, limit int) ([]engine.HistoryLine, error)
	ReplaceHistoryLines(ctx context.Context, historyID int64, text string, at time.Time) error

	// Inventory operations
	UpsertInventory(ctx context.Context, name, definition string) error
	GetInventory(ctx context.Context, name string) (string, error)

	// Job and schedule operations
	UpsertJob(ctx context.Context, job *engine.JobDefinition) error
	GetJob(ctx context.Context, id string) (*engine.JobDefinition, error)
	ListJobs(ctx context.Context) ([]*engine.JobDefinition, error)
	UpsertScheduleEntry(ctx context.Context, entry *engine.ScheduleEntry) error
	GetScheduleEntry(ctx context.Context, id string) (*engine.ScheduleEntry, error)
	ListScheduleEntries(ctx context.Context) ([]*engine.ScheduleEntry, error)
	MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error
	DeleteScheduleEntry(ctx context.Context, id string) error

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
