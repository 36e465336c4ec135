package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Project is a named workspace with its synchronization source.
type Project struct {
	// ID is the unique identifier of the project.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable name of the project.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Backend selects how the workspace is synchronized.
	Backend BackendKind `json:"backend" yaml:"backend" validate:"required,oneof=manual tar git"`

	// Source locates the repository: a directory, an archive locator or a git URL.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Revision pins a git branch, tag or commit. Empty means the remote default branch.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`

	// Vars are project level variables exported to executions as environment.
	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Workspace is the on-disk directory for a project together with its sync state.
type Workspace struct {
	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id"`

	// Root is the absolute path of the workspace directory.
	Root string `json:"root"`

	// Backend is the synchronization backend of the project.
	Backend BackendKind `json:"backend"`

	// LastSyncAt is when the last sync attempt finished.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`

	// LastSyncStatus is the status of the last sync attempt.
	LastSyncStatus SyncStatus `json:"last_sync_status"`
}

// Ready reports whether executions may run against the workspace.
func (w Workspace) Ready() bool {
	return w.LastSyncStatus == SyncStatusOK
}

// SyncRecord is the persisted state of a workspace's synchronization.
type SyncRecord struct {
	ProjectID string      `json:"project_id"`
	Backend   BackendKind `json:"backend"`
	Source    string      `json:"source,omitempty"`

	// Revision is the checked out commit or the archive digest.
	Revision  string     `json:"revision,omitempty"`
	Status    SyncStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SyncResult is returned by a successful synchronization.
type SyncResult struct {
	ProjectID string        `json:"project_id"`
	Backend   BackendKind   `json:"backend"`
	Revision  string        `json:"revision,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionRecord is the persisted record of one execution.
type ExecutionRecord struct {
	// ID is monotonic and unique; it is also the cancellation key suffix.
	ID int64 `json:"id"`

	// ProjectID is the workspace the execution ran in.
	ProjectID string `json:"project_id"`

	// JobKey serializes executions: at most one is active per key.
	JobKey string `json:"job_key"`

	// JobRef is the job definition id, when the execution came from one.
	JobRef string `json:"job_ref,omitempty"`

	// Kind is playbook or module.
	Kind ExecutionKind `json:"kind"`

	// Target is the playbook path or module name.
	Target string `json:"target"`

	// Status is the lifecycle status.
	Status ExecutionStatus `json:"status"`

	// StartedAt is when the record was created.
	StartedAt time.Time `json:"started_at"`

	// StoppedAt is when a terminal status was recorded.
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	// Initiator identifies who started the execution.
	Initiator string `json:"initiator,omitempty"`

	// InitiatorType is "user", "scheduler" or "cli".
	InitiatorType string `json:"initiator_type,omitempty"`

	// Args is a snapshot of the invocation taken at start.
	Args json.RawMessage `json:"args,omitempty"`

	// Error holds the failure reason for ERROR, OFFLINE and TIMEOUT records.
	Error string `json:"error,omitempty"`

	// Owner is "hostname:pid" of the process supervising the execution.
	Owner string `json:"owner,omitempty"`
}

// HistoryLine is one line of execution output.
type HistoryLine struct {
	HistoryID int64     `json:"history_id"`
	Number    int64     `json:"number"`
	Text      string    `json:"text"`
	EmittedAt time.Time `json:"emitted_at"`
}

// JobDefinition is an immutable template for an execution.
type JobDefinition struct {
	// ID is the job identifier. Empty for ad-hoc executions.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// ProjectID is the workspace the job runs in.
	ProjectID string `json:"project_id" yaml:"project" validate:"required"`

	// Kind is playbook or module.
	Kind ExecutionKind `json:"kind" yaml:"kind" validate:"required,oneof=playbook module"`

	// Target is the playbook path (relative to the workspace) or module name.
	Target string `json:"target" yaml:"target" validate:"required"`

	// Inventory is a workspace-relative inventory file or a named inventory.
	Inventory string `json:"inventory" yaml:"inventory" validate:"required"`

	// HostPattern limits module runs; defaults to "all".
	HostPattern string `json:"host_pattern,omitempty" yaml:"host_pattern,omitempty"`

	// Args are command line options. An empty value renders as a bare flag.
	Args map[string]string `json:"args,omitempty" yaml:"args,omitempty"`

	// Vars are passed as extra variables.
	Vars map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`

	// Env is added to the process environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout is the maximum runtime; zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Key returns the job key serializing executions of this definition.
func (j JobDefinition) Key() string {
	if j.ID != "" {
		return "job:" + j.ID
	}
	return fmt.Sprintf("project:%s:%s:%s", j.ProjectID, j.Kind, j.Target)
}

// Clone returns a deep copy so later edits cannot affect a running execution.
func (j JobDefinition) Clone() JobDefinition {
	c := j
	c.Args = cloneMap(j.Args)
	c.Vars = cloneMap(j.Vars)
	c.Env = cloneMap(j.Env)
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ScheduleEntry triggers a job periodically.
type ScheduleEntry struct {
	ID       string       `json:"id" yaml:"id" validate:"required"`
	JobID    string       `json:"job_id" yaml:"job" validate:"required"`
	Type     ScheduleType `json:"type" yaml:"type" validate:"required,oneof=interval crontab"`
	Schedule string       `json:"schedule" yaml:"schedule" validate:"required"`
	Enabled  bool         `json:"enabled" yaml:"enabled"`

	// LastTriggeredAt is when the entry last fired, used for catch-up on restart.
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"-"`
}

// Initiator describes who requested an execution.
type Initiator struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Initiator types.
const (
	InitiatorUser      = "user"
	InitiatorScheduler = "scheduler"
	InitiatorCLI       = "cli"
)
