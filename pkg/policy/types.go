package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks an execution.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the execution.
	SeverityError Severity = "error"

	// SeverityCritical blocks the execution.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// `deny` set of strings or objects with "message" and optional "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations are the blocking results.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking results and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Execution ExecutionInput `json:"execution"`
	Project   ProjectInput   `json:"project"`
	Initiator InitiatorInput `json:"initiator"`

	// Hosts are the inventory hosts the execution targets, when known.
	Hosts []string `json:"hosts,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ExecutionInput describes the requested execution.
type ExecutionInput struct {
	JobID       string            `json:"job_id,omitempty"`
	Kind        string            `json:"kind"`
	Target      string            `json:"target"`
	Inventory   string            `json:"inventory"`
	HostPattern string            `json:"host_pattern,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	ScheduleID  string            `json:"schedule_id,omitempty"`
}

// ProjectInput describes the workspace the execution runs in.
type ProjectInput struct {
	ID       string `json:"id"`
	Backend  string `json:"backend"`
	Source   string `json:"source,omitempty"`
	Revision string `json:"revision,omitempty"`
}

// InitiatorInput describes who asked for the execution.
type InitiatorInput struct {
	Name string `json:"name,omitempty"`
	Type string `json:"type"`
}
