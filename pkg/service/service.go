// Package service is the boundary through which the API layer, the CLI and
// the scheduler drive synchronization and executions. Every action is a plain
// method with explicit arguments.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/cancel"
	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/executor"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/policy"
	"github.com/openfroyo/polemarch/pkg/stores"
	"github.com/openfroyo/polemarch/pkg/telemetry"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

// Audit actions.
const (
	ActionSync     = "project.sync"
	ActionRegister = "project.register"
	ActionExecute  = "history.execute"
	ActionCancel   = "history.cancel"
	ActionClear    = "history.clear"
	ActionApply    = "jobs.apply"
)

// Options configures a Service.
type Options struct {
	// Policy admits executions. Nil admits everything.
	Policy *policy.Engine

	// CancelTTL is the lifetime of a cancellation request.
	CancelTTL time.Duration

	Telemetry *telemetry.Telemetry
}

// Service is the facade over the synchronizer, the executor and the history.
type Service struct {
	store      stores.Store
	workspaces *workspace.Manager
	syncer     engine.Synchronizer
	exec       *executor.Executor
	recorder   *history.Recorder
	cancel     engine.CancellationChannel
	policy     *policy.Engine
	cancelTTL  time.Duration
	tel        *telemetry.Telemetry
}

var _ engine.ExecutionTrigger = (*Service)(nil)

// New creates a service.
func New(store stores.Store, workspaces *workspace.Manager, syncer engine.Synchronizer,
	exec *executor.Executor, cancelChannel engine.CancellationChannel, opts Options) *Service {
	if opts.CancelTTL <= 0 {
		opts.CancelTTL = cancel.DefaultTTL
	}
	return &Service{
		store:      store,
		workspaces: workspaces,
		syncer:     syncer,
		exec:       exec,
		recorder:   history.NewRecorder(store),
		cancel:     cancelChannel,
		policy:     opts.Policy,
		cancelTTL:  opts.CancelTTL,
		tel:        opts.Telemetry,
	}
}

// SupportedRepos lists the repository backends.
func (s *Service) SupportedRepos() []string {
	return s.syncer.Backends()
}

// Sync synchronizes a project's workspace.
func (s *Service) Sync(ctx context.Context, projectID string) (*engine.SyncResult, error) {
	op := telemetry.StartOperation(s.tel.WithContext(ctx), "service.sync", telemetry.AttrProjectID.String(projectID))

	result, err := s.syncer.Sync(op.Ctx, projectID)
	op.End(err)

	details := map[string]interface{}{}
	if err != nil {
		details["error"] = err.Error()
		details["code"] = engine.CodeOf(err)
	} else {
		details["revision"] = result.Revision
		details["duration_ms"] = result.Duration.Milliseconds()
	}
	s.audit(ctx, ActionSync, projectID, details)

	return result, err
}

// PlaybookRequest asks for an ad-hoc playbook run.
type PlaybookRequest struct {
	ProjectID string
	Playbook  string
	Inventory string

	// Options become command line options, e.g. {"limit": "web", "check": ""}.
	Options map[string]string
	Vars    map[string]string
	Env     map[string]string
	Timeout time.Duration

	Initiator        engine.Initiator
	IgnoreSyncStatus bool
}

// ModuleRequest asks for an ad-hoc module run.
type ModuleRequest struct {
	ProjectID   string
	Module      string
	Inventory   string
	HostPattern string

	// Args is passed to the module with -a.
	Args string

	Options map[string]string
	Vars    map[string]string
	Env     map[string]string
	Timeout time.Duration

	Initiator        engine.Initiator
	IgnoreSyncStatus bool
}

// ExecutePlaybook starts a playbook run.
func (s *Service) ExecutePlaybook(ctx context.Context, req PlaybookRequest) (*executor.Handle, error) {
	job := engine.JobDefinition{
		ProjectID: req.ProjectID,
		Kind:      engine.KindPlaybook,
		Target:    req.Playbook,
		Inventory: req.Inventory,
		Args:      req.Options,
		Vars:      req.Vars,
		Env:       req.Env,
		Timeout:   req.Timeout,
	}
	return s.execute(ctx, job, executor.StartOptions{
		Initiator:        req.Initiator,
		IgnoreSyncStatus: req.IgnoreSyncStatus,
	}, "")
}

// ExecuteModule starts an ad-hoc module run.
func (s *Service) ExecuteModule(ctx context.Context, req ModuleRequest) (*executor.Handle, error) {
	args := make(map[string]string, len(req.Options)+1)
	for k, v := range req.Options {
		args[k] = v
	}
	if req.Args != "" {
		args[executor.ModuleArgsKey] = req.Args
	}

	job := engine.JobDefinition{
		ProjectID:   req.ProjectID,
		Kind:        engine.KindModule,
		Target:      req.Module,
		Inventory:   req.Inventory,
		HostPattern: req.HostPattern,
		Args:        args,
		Vars:        req.Vars,
		Env:         req.Env,
		Timeout:     req.Timeout,
	}
	return s.execute(ctx, job, executor.StartOptions{
		Initiator:        req.Initiator,
		IgnoreSyncStatus: req.IgnoreSyncStatus,
	}, "")
}

// ExecuteJob starts a stored job.
func (s *Service) ExecuteJob(ctx context.Context, jobID string, initiator engine.Initiator) (*executor.Handle, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return s.execute(ctx, *job, executor.StartOptions{Initiator: initiator}, "")
}

// ExecutePeriodic starts the job of a schedule entry and returns the
// execution id.
func (s *Service) ExecutePeriodic(ctx context.Context, entry engine.ScheduleEntry) (int64, error) {
	job, err := s.store.GetJob(ctx, entry.JobID)
	if err != nil {
		return 0, notFound(err, "job", entry.JobID)
	}

	h, err := s.execute(ctx, *job, executor.StartOptions{
		Initiator: engine.Initiator{Name: entry.ID, Type: engine.InitiatorScheduler},
	}, entry.ID)
	if err != nil {
		return 0, err
	}
	return h.ID(), nil
}

// TriggerEntry implements engine.ExecutionTrigger.
func (s *Service) TriggerEntry(ctx context.Context, entry engine.ScheduleEntry) (int64, error) {
	return s.ExecutePeriodic(ctx, entry)
}

// execute resolves the workspace, checks readiness and admission, then hands
// the job to the executor. Nothing is recorded when any check fails.
func (s *Service) execute(ctx context.Context, job engine.JobDefinition, opts executor.StartOptions, scheduleID string) (*executor.Handle, error) {
	op := telemetry.StartOperation(s.tel.WithContext(ctx), "service.execute",
		telemetry.AttrProjectID.String(job.ProjectID),
		telemetry.AttrExecutionKind.String(string(job.Kind)),
		telemetry.AttrTarget.String(job.Target),
	)
	if opts.Initiator.Type == "" {
		opts.Initiator = InitiatorFrom(ctx)
	}

	h, err := s.admitAndStart(op.Ctx, job, opts, scheduleID)
	op.End(err)
	if err != nil {
		return nil, err
	}

	s.auditAs(ctx, opts.Initiator, ActionExecute, strconv.FormatInt(h.ID(), 10), map[string]interface{}{
		"project_id": job.ProjectID,
		"kind":       string(job.Kind),
		"target":     job.Target,
		"job_id":     job.ID,
	})
	return h, nil
}

func (s *Service) admitAndStart(ctx context.Context, job engine.JobDefinition, opts executor.StartOptions, scheduleID string) (*executor.Handle, error) {
	project, err := s.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return nil, notFound(err, "project", job.ProjectID)
	}
	job.Env = mergeEnv(project.Vars, job.Env)

	record, err := s.store.GetSyncRecord(ctx, project.ID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("failed to read sync record: %w", err)
	}
	ws, err := s.workspaces.Describe(project, record)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreSyncStatus && ws.LastSyncStatus != engine.SyncStatusOK {
		return nil, engine.NewPermanentError(fmt.Sprintf("workspace not ready (last sync %s)", ws.LastSyncStatus), nil).
			WithCode(engine.ErrCodeWorkspaceNotReady).
			WithResource(project.ID).
			WithOperation("execute")
	}

	hosts, err := s.targetHosts(ctx, job, ws.Root)
	if err != nil {
		return nil, err
	}

	if s.policy != nil {
		input := &policy.Input{
			Execution: policy.ExecutionInput{
				JobID:       job.ID,
				Kind:        string(job.Kind),
				Target:      job.Target,
				Inventory:   job.Inventory,
				HostPattern: job.HostPattern,
				Args:        job.Args,
				Vars:        job.Vars,
				ScheduleID:  scheduleID,
			},
			Project: policy.ProjectInput{
				ID:      project.ID,
				Backend: string(project.Backend),
				Source:  project.Source,
			},
			Initiator: policy.InitiatorInput{Name: opts.Initiator.Name, Type: opts.Initiator.Type},
			Hosts:     hosts,
		}
		if record != nil {
			input.Project.Revision = record.Revision
		}

		decision, err := s.policy.Admit(ctx, input)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodePolicyDenied) {
				s.tel.Meter().RecordAdmissionDenied(string(job.Kind))
				s.tel.Emit(ctx, telemetry.EventTypePolicyDenied, map[string]interface{}{
					"project_id": project.ID,
					"kind":       string(job.Kind),
					"target":     job.Target,
					"initiator":  opts.Initiator.Name,
					"violations": len(decision.Violations),
				})
			}
			return nil, err
		}
		for _, w := range decision.Warnings {
			log.Warn().
				Str("project_id", project.ID).
				Str("policy", w.Policy).
				Str("target", job.Target).
				Msg(w.Message)
		}
	}

	return s.exec.Start(ctx, job, ws, opts)
}

// targetHosts lists the hosts an execution addresses when the inventory is an
// inline list or a stored definition. Inventory files inside the workspace
// are left to the automation tool. A module pattern matching no host of a
// known inventory is rejected.
func (s *Service) targetHosts(ctx context.Context, job engine.JobDefinition, root string) ([]string, error) {
	pattern := job.HostPattern
	if pattern == "" {
		pattern = inventory.GroupAll
	}

	ref := strings.TrimSpace(job.Inventory)
	if strings.Contains(ref, ",") {
		var hosts []string
		for _, h := range strings.Split(ref, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		return hosts, nil
	}
	if filepath.IsLocal(ref) {
		if _, err := os.Stat(filepath.Join(root, ref)); err == nil {
			return nil, nil
		}
	}

	graph, err := inventory.Load(ctx, s.store, ref)
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}

	hosts := graph.Match(pattern)
	if job.Kind == engine.KindModule && len(hosts) == 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("host pattern %q matches no hosts in inventory %s", pattern, ref), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(ref)
	}
	return hosts, nil
}

// Cancel requests cancellation of an execution. Requests for executions that
// already finished are accepted and simply expire.
func (s *Service) Cancel(ctx context.Context, historyID int64) (string, error) {
	record, err := s.History(ctx, historyID)
	if err != nil {
		return "", err
	}

	if err := s.cancel.RequestCancel(ctx, cancel.KeyFor(historyID), s.cancelTTL); err != nil {
		return "", fmt.Errorf("failed to request cancellation: %w", err)
	}

	s.tel.Meter().RecordCancellation("requested")
	s.tel.Emit(ctx, telemetry.EventTypeCancelRequested, map[string]interface{}{
		"history_id": historyID,
		"project_id": record.ProjectID,
		"status":     string(record.Status),
	})
	s.audit(ctx, ActionCancel, strconv.FormatInt(historyID, 10), map[string]interface{}{
		"status": string(record.Status),
	})
	log.Info().
		Int64("history_id", historyID).
		Str("status", string(record.Status)).
		Msg("Cancellation requested")

	return fmt.Sprintf("Task canceled: %d", historyID), nil
}

// Clear replaces the output of a finished execution with the truncation line.
func (s *Service) Clear(ctx context.Context, historyID int64) error {
	if err := s.recorder.Clear(ctx, historyID); err != nil {
		return err
	}

	s.tel.Emit(ctx, telemetry.EventTypeHistoryCleared, map[string]interface{}{
		"history_id": historyID,
	})
	s.audit(ctx, ActionClear, strconv.FormatInt(historyID, 10), nil)
	return nil
}

// Lines returns a page of an execution's output.
func (s *Service) Lines(ctx context.Context, historyID int64, page history.Page) ([]engine.HistoryLine, error) {
	return s.recorder.Lines(ctx, historyID, page)
}

// Raw returns an execution's whole output.
func (s *Service) Raw(ctx context.Context, historyID int64) (string, error) {
	return s.recorder.Raw(ctx, historyID)
}

// Facts returns the facts reported in a finished execution's output.
func (s *Service) Facts(ctx context.Context, historyID int64) (map[string]map[string]any, error) {
	return s.recorder.Facts(ctx, historyID)
}

// History returns an execution record.
func (s *Service) History(ctx context.Context, historyID int64) (*engine.ExecutionRecord, error) {
	record, err := s.store.GetHistory(ctx, historyID)
	if err != nil {
		return nil, notFound(err, "history", strconv.FormatInt(historyID, 10))
	}
	return record, nil
}

// Histories lists execution records, newest first.
func (s *Service) Histories(ctx context.Context, filter stores.HistoryFilter, limit, offset int) ([]*engine.ExecutionRecord, error) {
	return s.store.ListHistories(ctx, filter, limit, offset)
}

// Close stops running executions and releases the cancellation channel.
func (s *Service) Close(ctx context.Context) error {
	err := s.exec.Close(ctx)
	if c, ok := s.cancel.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Service) audit(ctx context.Context, action, target string, details map[string]interface{}) {
	s.auditAs(ctx, InitiatorFrom(ctx), action, target, details)
}

func (s *Service) auditAs(ctx context.Context, actor engine.Initiator, action, target string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["correlation_id"] = uuid.NewString()
	details["actor_type"] = actor.Type

	var encoded *string
	if data, err := json.Marshal(details); err == nil {
		str := string(data)
		encoded = &str
	}

	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    actor.Name,
		TargetID: &target,
		Details:  encoded,
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Str("target", target).Msg("Failed to write audit entry")
	}
}

func mergeEnv(projectVars, jobEnv map[string]string) map[string]string {
	if len(projectVars) == 0 {
		return jobEnv
	}
	env := make(map[string]string, len(projectVars)+len(jobEnv))
	for k, v := range projectVars {
		env[k] = v
	}
	for k, v := range jobEnv {
		env[k] = v
	}
	return env
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return engine.NewNotFoundError(kind, id)
	}
	return err
}
