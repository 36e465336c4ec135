// Package executor runs ansible-playbook and ansible commands for execution
// records and owns their lifecycle from DELAY to a terminal status.
//
// Output is captured from a single pipe shared by stdout and stderr and
// appended line by line to the history. Cancellation requests are picked up
// by polling the cancellation channel; they terminate the process group with
// SIGTERM, then SIGKILL after a grace period.
//
// At most one execution is active per job key, across processes sharing the
// database. The first finalization of a record wins; later attempts leave it
// untouched.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/stores"
	"github.com/openfroyo/polemarch/pkg/telemetry"
	"github.com/openfroyo/polemarch/pkg/workspace"
)

// Store is the persistence the executor needs.
type Store interface {
	history.Store
	inventory.Source

	CreateHistory(ctx context.Context, record *engine.ExecutionRecord) error
	ListHistories(ctx context.Context, filter stores.HistoryFilter, limit, offset int) ([]*engine.ExecutionRecord, error)
	MarkHistoryRunning(ctx context.Context, id int64) (bool, error)
	FinalizeHistory(ctx context.Context, id int64, status engine.ExecutionStatus, errMsg string, stoppedAt time.Time) (bool, error)
	GetSyncRecord(ctx context.Context, projectID string) (*engine.SyncRecord, error)
	UpsertFact(ctx context.Context, fact *stores.Fact) error
}

// Options configures the executor.
type Options struct {
	// PlaybookBinary runs playbooks. Defaults to "ansible-playbook".
	PlaybookBinary string

	// ModuleBinary runs ad-hoc modules. Defaults to "ansible".
	ModuleBinary string

	// PollInterval is how often the cancellation channel is polled.
	PollInterval time.Duration

	// GracePeriod is the delay between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// MaxRuntime applies to jobs without their own timeout. Zero means none.
	MaxRuntime time.Duration

	// FactsTTL is the lifetime of facts gathered by setup runs. Zero keeps them.
	FactsTTL time.Duration

	// InventoryDir receives inventories rendered from stored definitions.
	InventoryDir string

	// Env is added to the environment of every execution.
	Env map[string]string

	Telemetry *telemetry.Telemetry
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		PlaybookBinary: "ansible-playbook",
		ModuleBinary:   "ansible",
		PollInterval:   time.Second,
		GracePeriod:    10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PlaybookBinary == "" {
		o.PlaybookBinary = d.PlaybookBinary
	}
	if o.ModuleBinary == "" {
		o.ModuleBinary = d.ModuleBinary
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	return o
}

// StartOptions carries per-execution settings that are not part of the job.
type StartOptions struct {
	Initiator engine.Initiator

	// IgnoreSyncStatus lets the execution run against a workspace whose last
	// sync did not succeed.
	IgnoreSyncStatus bool
}

// Executor launches and supervises executions.
type Executor struct {
	store      Store
	recorder   *history.Recorder
	cancel     engine.CancellationChannel
	workspaces *workspace.Manager
	opts       Options
	tel        *telemetry.Telemetry
	host       string
	owner      string

	// ctx is cancelled by Close; running executions finish as STOPPED
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[int64]*Handle
	keys   map[string]int64
	closed bool
}

// New creates an executor.
func New(store Store, cancel engine.CancellationChannel, workspaces *workspace.Manager, opts Options) *Executor {
	ctx, stop := context.WithCancel(context.Background())
	opts = opts.withDefaults()
	host, _ := os.Hostname()
	return &Executor{
		host:       host,
		owner:      host + ":" + strconv.Itoa(os.Getpid()),
		store:      store,
		recorder:   history.NewRecorder(store),
		cancel:     cancel,
		workspaces: workspaces,
		opts:       opts,
		tel:        opts.Telemetry,
		ctx:        ctx,
		stop:       stop,
		active:     make(map[int64]*Handle),
		keys:       make(map[string]int64),
	}
}

// Start creates the execution record in DELAY and runs the job in the
// background. A job key that already has an active execution is rejected
// before any record is created.
func (e *Executor) Start(ctx context.Context, job engine.JobDefinition, ws engine.Workspace, opts StartOptions) (*Handle, error) {
	job = job.Clone()
	if err := validateJob(job); err != nil {
		return nil, err
	}

	key := job.Key()
	if err := e.reserve(key); err != nil {
		return nil, err
	}

	args, err := json.Marshal(job)
	if err != nil {
		e.releaseKey(key)
		return nil, fmt.Errorf("failed to snapshot job arguments: %w", err)
	}

	record := &engine.ExecutionRecord{
		ProjectID:     ws.ProjectID,
		JobKey:        key,
		JobRef:        job.ID,
		Kind:          job.Kind,
		Target:        job.Target,
		Status:        engine.StatusDelay,
		StartedAt:     time.Now().UTC(),
		Initiator:     opts.Initiator.Name,
		InitiatorType: opts.Initiator.Type,
		Args:          args,
		Owner:         e.owner,
	}
	if err := e.store.CreateHistory(ctx, record); err != nil {
		e.releaseKey(key)
		if errors.Is(err, stores.ErrJobActive) {
			return nil, engine.NewConflictError("job is already running in another process", err).
				WithCode(engine.ErrCodeAlreadyRunning).
				WithResource(key)
		}
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	h := newHandle(record.ID, key)
	e.register(h)

	e.tel.Meter().RecordExecutionStarted(string(job.Kind), opts.Initiator.Type)
	e.tel.Emit(ctx, telemetry.EventTypeExecutionStarted, map[string]interface{}{
		"history_id":     record.ID,
		"project_id":     ws.ProjectID,
		"job_key":        key,
		"kind":           string(job.Kind),
		"target":         job.Target,
		"initiator":      opts.Initiator.Name,
		"initiator_type": opts.Initiator.Type,
	})
	log.Info().
		Int64("history_id", record.ID).
		Str("project_id", ws.ProjectID).
		Str("job_key", key).
		Str("kind", string(job.Kind)).
		Str("target", job.Target).
		Msg("Execution accepted")

	go e.run(h, job, ws, opts)

	return h, nil
}

func validateJob(job engine.JobDefinition) error {
	if err := job.Kind.Validate(); err != nil {
		return engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}
	if job.ProjectID == "" {
		return engine.NewPermanentError("job has no project", nil).WithCode(engine.ErrCodeValidation)
	}
	if job.Target == "" {
		return engine.NewPermanentError("job has no target", nil).WithCode(engine.ErrCodeValidation)
	}
	if job.Inventory == "" {
		return engine.NewPermanentError("job has no inventory", nil).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

func (e *Executor) reserve(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.NewPermanentError("executor is shut down", nil).WithOperation("start")
	}
	if id, busy := e.keys[key]; busy {
		err := engine.NewConflictError("job is already running", nil).
			WithCode(engine.ErrCodeAlreadyRunning).
			WithResource(key)
		if id != 0 {
			err = err.WithDetail("history_id", id)
		}
		return err
	}
	e.keys[key] = 0
	e.wg.Add(1)
	return nil
}

// releaseKey undoes a reservation whose execution never started.
func (e *Executor) releaseKey(key string) {
	e.mu.Lock()
	delete(e.keys, key)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Executor) register(h *Handle) {
	e.mu.Lock()
	e.active[h.id] = h
	e.keys[h.jobKey] = h.id
	e.mu.Unlock()
}

func (e *Executor) unregister(h *Handle) {
	e.mu.Lock()
	delete(e.active, h.id)
	if e.keys[h.jobKey] == h.id {
		delete(e.keys, h.jobKey)
	}
	e.mu.Unlock()
}

// Lookup returns the handle of an active execution.
func (e *Executor) Lookup(id int64) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[id]
	return h, ok
}

// Active returns the ids of executions in DELAY or RUN, ascending.
func (e *Executor) Active() []int64 {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RecoverOrphans finalizes records left in DELAY or RUN by a previous
// process as OFFLINE. Executions owned by this executor, or by another
// process on this host that is still alive, are skipped.
func (e *Executor) RecoverOrphans(ctx context.Context) (int, error) {
	const pageSize = 100

	var orphans []*engine.ExecutionRecord
	for _, status := range []engine.ExecutionStatus{engine.StatusDelay, engine.StatusRun} {
		status := status
		for offset := 0; ; offset += pageSize {
			records, err := e.store.ListHistories(ctx, stores.HistoryFilter{Status: &status}, pageSize, offset)
			if err != nil {
				return 0, fmt.Errorf("failed to list active histories: %w", err)
			}
			orphans = append(orphans, records...)
			if len(records) < pageSize {
				break
			}
		}
	}

	recovered := 0
	for _, record := range orphans {
		if !e.orphaned(record) {
			continue
		}
		ok, err := e.store.FinalizeHistory(ctx, record.ID, engine.StatusOffline,
			"executor restarted while the execution was active", time.Now().UTC())
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
			e.tel.Meter().RecordExecutionFinished(string(record.Kind), string(engine.StatusOffline), time.Since(record.StartedAt))
			log.Warn().
				Int64("history_id", record.ID).
				Str("project_id", record.ProjectID).
				Str("previous_status", string(record.Status)).
				Msg("Orphaned execution marked offline")
		}
	}
	return recovered, nil
}

// orphaned reports whether no live process supervises record. Records of
// this process id that this executor does not track belong to an earlier
// process that reused the id.
func (e *Executor) orphaned(record *engine.ExecutionRecord) bool {
	if _, owned := e.Lookup(record.ID); owned {
		return false
	}

	i := strings.LastIndexByte(record.Owner, ':')
	if i < 0 {
		return true
	}
	pid, err := strconv.Atoi(record.Owner[i+1:])
	if err != nil || pid <= 0 || pid == os.Getpid() || record.Owner[:i] != e.host {
		return true
	}
	return !processAlive(pid)
}

// Close stops accepting executions, stops the running ones and waits for
// them to be finalized or for ctx to expire.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executions still running after shutdown: %w", ctx.Err())
	}
}

// Handle tracks one execution started by this executor.
type Handle struct {
	id     int64
	jobKey string
	done   chan struct{}

	mu     sync.Mutex
	status engine.ExecutionStatus
	err    error
}

func newHandle(id int64, jobKey string) *Handle {
	return &Handle{id: id, jobKey: jobKey, done: make(chan struct{}), status: engine.StatusDelay}
}

// ID returns the execution record id.
func (h *Handle) ID() int64 {
	return h.id
}

// JobKey returns the job key the execution holds.
func (h *Handle) JobKey() string {
	return h.jobKey
}

// Done is closed once the execution is finalized.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current status.
func (h *Handle) Status() engine.ExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Wait blocks until the execution is finalized and returns its terminal
// status. The error explains ERROR, OFFLINE and TIMEOUT outcomes.
func (h *Handle) Wait(ctx context.Context) (engine.ExecutionStatus, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.status, h.err
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

func (h *Handle) setStatus(status engine.ExecutionStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *Handle) finish(status engine.ExecutionStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
