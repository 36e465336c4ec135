package engine

import (
	"context"
	"time"
)

// CancellationChannel is a key/value rendezvous with per-key expiry.
// The requester writes a token; the executor polls and consumes it.
type CancellationChannel interface {
	// RequestCancel stores a cancellation token under key for ttl.
	// Requests for keys nobody polls simply expire.
	RequestCancel(ctx context.Context, key string, ttl time.Duration) error

	// PollAndConsume reports whether a live token exists and removes it.
	// A token is consumed at most once.
	PollAndConsume(ctx context.Context, key string) (bool, error)
}

// Synchronizer brings a workspace up to date with its source.
type Synchronizer interface {
	// Sync runs one synchronization attempt and records its outcome.
	Sync(ctx context.Context, projectID string) (*SyncResult, error)

	// Backends lists the supported backend names.
	Backends() []string
}

// ExecutionTrigger starts executions for schedule entries.
type ExecutionTrigger interface {
	// TriggerEntry starts the job referenced by entry and returns the execution id.
	TriggerEntry(ctx context.Context, entry ScheduleEntry) (int64, error)
}

// EventSink receives lifecycle events. Emit must not block the caller.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]interface{})
}
