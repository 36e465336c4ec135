package engine

import (
	"fmt"
)

// ExecutionStatus is the lifecycle status of an execution record.
type ExecutionStatus string

const (
	// StatusDelay indicates the record exists but the process has not started yet.
	StatusDelay ExecutionStatus = "DELAY"

	// StatusRun indicates the process is running.
	StatusRun ExecutionStatus = "RUN"

	// StatusOK indicates the process exited with code 0.
	StatusOK ExecutionStatus = "OK"

	// StatusError indicates a launch failure or a non-zero exit.
	StatusError ExecutionStatus = "ERROR"

	// StatusOffline indicates the executor lost the ability to observe the process.
	StatusOffline ExecutionStatus = "OFFLINE"

	// StatusStopped indicates the process was terminated on request.
	StatusStopped ExecutionStatus = "STOPPED"

	// StatusTimeout indicates the process was terminated after exceeding its maximum runtime.
	StatusTimeout ExecutionStatus = "TIMEOUT"
)

// IsTerminal returns true if the status is final. Terminal statuses are never revisited.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusOK, StatusError, StatusOffline, StatusStopped, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsActive returns true while the execution is waiting or running.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusDelay || s == StatusRun
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusDelay, StatusRun, StatusOK, StatusError,
		StatusOffline, StatusStopped, StatusTimeout:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// SyncStatus is the state of a workspace's last synchronization attempt.
type SyncStatus string

const (
	// SyncStatusNew indicates the workspace has never been synchronized.
	SyncStatusNew SyncStatus = "NEW"

	// SyncStatusSync indicates a synchronization is in progress.
	SyncStatusSync SyncStatus = "SYNC"

	// SyncStatusOK indicates the last synchronization succeeded.
	SyncStatusOK SyncStatus = "OK"

	// SyncStatusError indicates the last synchronization failed.
	SyncStatusError SyncStatus = "ERROR"
)

// Validate checks if the sync status is valid.
func (s SyncStatus) Validate() error {
	switch s {
	case SyncStatusNew, SyncStatusSync, SyncStatusOK, SyncStatusError:
		return nil
	default:
		return fmt.Errorf("invalid sync status: %s", s)
	}
}

// BackendKind names a repository synchronization backend.
type BackendKind string

const (
	// BackendManual is a local directory maintained out of band.
	BackendManual BackendKind = "manual"

	// BackendTar is a tar or zip archive fetched and extracted.
	BackendTar BackendKind = "tar"

	// BackendGit is a git checkout.
	BackendGit BackendKind = "git"
)

// Validate checks if the backend kind is known.
func (b BackendKind) Validate() error {
	switch b {
	case BackendManual, BackendTar, BackendGit:
		return nil
	default:
		return fmt.Errorf("unsupported repository backend: %s", b)
	}
}

// ExecutionKind is the kind of command an execution runs.
type ExecutionKind string

const (
	// KindPlaybook runs ansible-playbook against a playbook file in the workspace.
	KindPlaybook ExecutionKind = "playbook"

	// KindModule runs a single ad-hoc module.
	KindModule ExecutionKind = "module"
)

// Validate checks if the execution kind is known.
func (k ExecutionKind) Validate() error {
	switch k {
	case KindPlaybook, KindModule:
		return nil
	default:
		return fmt.Errorf("invalid execution kind: %s", k)
	}
}

// ScheduleType is the trigger type of a schedule entry.
type ScheduleType string

const (
	// ScheduleInterval triggers every fixed duration.
	ScheduleInterval ScheduleType = "interval"

	// ScheduleCrontab triggers on a five-field cron expression.
	ScheduleCrontab ScheduleType = "crontab"
)

// Validate checks if the schedule type is known.
func (t ScheduleType) Validate() error {
	switch t {
	case ScheduleInterval, ScheduleCrontab:
		return nil
	default:
		return fmt.Errorf("invalid schedule type: %s", t)
	}
}
