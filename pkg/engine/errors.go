package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: unreachable repository host, DNS failures, HTTP 5xx while fetching an archive.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a second sync of a busy workspace, a second start of a running job.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: corrupt archive, unknown revision, missing executable.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Domain error codes.
const (
	// ErrCodeSyncNetwork marks a sync failure caused by the network (retryable).
	ErrCodeSyncNetwork = "SYNC_NETWORK"

	// ErrCodeSyncContent marks a sync failure caused by the source content (not retryable).
	ErrCodeSyncContent = "SYNC_CONTENT"

	// ErrCodeLaunchFailed marks an execution whose process never started.
	ErrCodeLaunchFailed = "LAUNCH_FAILED"

	// ErrCodeRuntimeFailed marks an execution whose process exited non-zero.
	ErrCodeRuntimeFailed = "RUNTIME_FAILED"

	// ErrCodeOffline marks an execution whose process could no longer be observed.
	ErrCodeOffline = "OFFLINE"

	// ErrCodeNotAcceptable marks a history operation rejected in the record's current state.
	ErrCodeNotAcceptable = "NOT_ACCEPTABLE"

	// ErrCodeWorkspaceNotReady marks an execution refused because the last sync did not succeed.
	ErrCodeWorkspaceNotReady = "WORKSPACE_NOT_READY"

	// ErrCodeWorkspaceBusy marks a sync refused because the workspace is locked.
	ErrCodeWorkspaceBusy = "WORKSPACE_BUSY"

	// ErrCodeAlreadyRunning marks a start refused because the job key has a live execution.
	ErrCodeAlreadyRunning = "ALREADY_RUNNING"

	// ErrCodePolicyDenied marks an execution refused by admission policy.
	ErrCodePolicyDenied = "POLICY_DENIED"
)

// NewSyncNetworkError classifies a sync failure as a retryable network problem.
func NewSyncNetworkError(message string, err error) *EngineError {
	return NewTransientError(message, err).WithCode(ErrCodeSyncNetwork).WithOperation("sync")
}

// NewSyncContentError classifies a sync failure as a content problem.
func NewSyncContentError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeSyncContent).WithOperation("sync")
}

// NewLaunchError reports that an execution could not be started.
func NewLaunchError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeLaunchFailed).WithOperation("launch")
}

// NewRuntimeError reports a non-zero exit of an execution.
func NewRuntimeError(exitCode int) *EngineError {
	return NewPermanentError(fmt.Sprintf("process exited with code %d", exitCode), nil).
		WithCode(ErrCodeRuntimeFailed).
		WithOperation("execute").
		WithDetail("exit_code", exitCode)
}

// NewOfflineError reports that the executor lost the ability to observe a process.
func NewOfflineError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeOffline).WithOperation("execute")
}

// NewNotAcceptableError reports a history operation that is invalid in the record's state.
func NewNotAcceptableError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeNotAcceptable)
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(kind, id string) *EngineError {
	return NewPermanentError(kind+" not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
}
