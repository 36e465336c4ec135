package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/polemarch/pkg/cancel"
	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/history"
	"github.com/openfroyo/polemarch/pkg/inventory"
	"github.com/openfroyo/polemarch/pkg/stores"
	"github.com/openfroyo/polemarch/pkg/telemetry"
)

const (
	finalizeAttempts = 5
	finalizeBackoff  = 200 * time.Millisecond
)

// stopSignal is fired once by whichever of cancellation, timeout or shutdown
// comes first; the first reason sticks.
type stopSignal struct {
	once   sync.Once
	ch     chan struct{}
	status engine.ExecutionStatus
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

func (s *stopSignal) trigger(status engine.ExecutionStatus) {
	s.once.Do(func() {
		s.status = status
		close(s.ch)
	})
}

func (s *stopSignal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// run is the coordinator goroutine of one execution.
func (e *Executor) run(h *Handle, job engine.JobDefinition, ws engine.Workspace, opts StartOptions) {
	defer e.wg.Done()

	ctx, span := e.tel.StartSpan(e.ctx, "execution."+string(job.Kind),
		telemetry.AttrHistoryID.Int64(h.id),
		telemetry.AttrProjectID.String(ws.ProjectID),
		telemetry.AttrJobKey.String(h.jobKey),
		telemetry.AttrExecutionKind.String(string(job.Kind)),
		telemetry.AttrTarget.String(job.Target),
	)
	defer span.End()

	started := time.Now()
	logger := log.With().Int64("history_id", h.id).Str("project_id", ws.ProjectID).Logger()

	stop := newStopSignal()
	pollDone := make(chan struct{})
	go e.pollCancel(ctx, h.id, stop, pollDone)

	status, runErr := e.execute(ctx, h, job, ws, opts, stop, span)
	close(pollDone)

	from := h.Status()
	status, runErr = e.finalize(context.WithoutCancel(ctx), h.id, status, runErr)
	telemetry.AddStatusEvent(span, string(from), string(status))
	telemetry.SetAttributes(span, telemetry.AttrStatus.String(string(status)))

	if status == engine.StatusOK && isSetup(job) {
		e.persistFacts(context.WithoutCancel(ctx), h.id)
	}

	duration := time.Since(started)
	e.tel.Meter().RecordExecutionFinished(string(job.Kind), string(status), duration)
	if runErr != nil {
		telemetry.RecordError(span, runErr)
		e.tel.RecordError(runErr)
	} else {
		telemetry.RecordSuccess(span)
	}

	data := map[string]interface{}{
		"history_id":  h.id,
		"project_id":  ws.ProjectID,
		"job_key":     h.jobKey,
		"kind":        string(job.Kind),
		"target":      job.Target,
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	e.tel.Emit(context.WithoutCancel(ctx), telemetry.EventTypeExecutionFinished, data)

	event := logger.Info()
	if status != engine.StatusOK {
		event = logger.Warn().Err(runErr)
	}
	event.Str("status", string(status)).Dur("duration", duration).Msg("Execution finished")

	e.unregister(h)
	h.finish(status, runErr)
}

// execute waits for the workspace, launches the process and supervises it.
// It returns the terminal status to record.
func (e *Executor) execute(ctx context.Context, h *Handle, job engine.JobDefinition, ws engine.Workspace,
	opts StartOptions, stop *stopSignal, span trace.Span) (engine.ExecutionStatus, error) {
	storeCtx := context.WithoutCancel(ctx)

	release, err := e.acquireWorkspace(ctx, ws.ProjectID, stop)
	if err != nil {
		if stop.fired() {
			return stop.status, nil
		}
		return engine.StatusError, engine.NewLaunchError("failed to acquire workspace", err)
	}
	defer release()

	if err := e.checkReady(storeCtx, ws, opts); err != nil {
		return engine.StatusError, err
	}

	inv, err := inventory.Materialize(storeCtx, e.store, job.Inventory, ws.Root, e.inventoryDir())
	if err != nil {
		return engine.StatusError, engine.NewLaunchError("failed to prepare inventory", err)
	}
	defer inv.Cleanup()

	writer, err := e.recorder.Writer(storeCtx, h.id)
	if err != nil {
		return engine.StatusError, engine.NewLaunchError("failed to open history", err)
	}

	if stop.fired() {
		return stop.status, nil
	}

	cmd := e.command(job, ws, h.id, inv.Arg)
	pr, pw, err := os.Pipe()
	if err != nil {
		return engine.StatusError, engine.NewLaunchError("failed to create output pipe", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return engine.StatusError, engine.NewLaunchError("failed to start "+cmd.Path, err)
	}
	pw.Close()

	if ok, err := e.store.MarkHistoryRunning(storeCtx, h.id); err != nil || !ok {
		log.Warn().Err(err).Int64("history_id", h.id).Msg("Execution record was not in DELAY at launch")
	}
	h.setStatus(engine.StatusRun)
	telemetry.AddStatusEvent(span, string(engine.StatusDelay), string(engine.StatusRun))
	log.Debug().Int64("history_id", h.id).Int("pid", cmd.Process.Pid).Strs("argv", cmd.Args).Msg("Process started")

	var capture atomic.Bool
	capture.Store(true)
	readDone := make(chan error, 1)
	go func() {
		readDone <- e.stream(storeCtx, pr, writer, &capture)
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	maxRuntime := job.Timeout
	if maxRuntime <= 0 {
		maxRuntime = e.opts.MaxRuntime
	}
	if maxRuntime > 0 {
		timer := time.NewTimer(maxRuntime)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	var requested engine.ExecutionStatus
	select {
	case waitErr = <-waitDone:
	case <-stop.ch:
		if exited, exitErr := exitedFirst(waitDone); exited {
			waitErr = exitErr
		} else {
			requested = stop.status
		}
	case <-timeout:
		if exited, exitErr := exitedFirst(waitDone); exited {
			waitErr = exitErr
		} else {
			stop.trigger(engine.StatusTimeout)
			requested = stop.status
		}
	}
	if requested != "" {
		capture.Store(false)
		waitErr = e.terminate(h.id, cmd, waitDone)
	}

	readErr := e.drain(pr, readDone)

	switch {
	case requested == engine.StatusTimeout:
		return engine.StatusTimeout, engine.NewPermanentError(
			fmt.Sprintf("execution exceeded maximum runtime of %s", maxRuntime), nil).
			WithCode(engine.ErrCodeTimeout).
			WithOperation("execute")
	case requested != "":
		return requested, nil
	case readErr != nil:
		return engine.StatusOffline, engine.NewOfflineError("lost process output", readErr)
	case waitErr == nil:
		return engine.StatusOK, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return engine.StatusError, engine.NewRuntimeError(code)
		}
		return engine.StatusOffline, engine.NewOfflineError("process terminated by an external signal", waitErr)
	}
	return engine.StatusOffline, engine.NewOfflineError("failed to observe process", waitErr)
}

// exitedFirst reports whether the process exit is already observable when a
// stop or timeout fires, so a completed run keeps its own outcome.
func exitedFirst(waitDone <-chan error) (bool, error) {
	select {
	case err := <-waitDone:
		return true, err
	default:
		return false, nil
	}
}

// acquireWorkspace waits for the shared workspace lock. A stop request while
// waiting abandons the wait.
func (e *Executor) acquireWorkspace(ctx context.Context, projectID string, stop *stopSignal) (func(), error) {
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	go func() {
		select {
		case <-stop.ch:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	return e.workspaces.Lock(projectID).AcquireShared(waitCtx)
}

// checkReady re-reads the sync state once the shared lock is held, so no
// sync can change it before the process starts.
func (e *Executor) checkReady(ctx context.Context, ws engine.Workspace, opts StartOptions) error {
	if !opts.IgnoreSyncStatus {
		record, err := e.store.GetSyncRecord(ctx, ws.ProjectID)
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return engine.NewLaunchError("failed to read workspace state", err)
		}
		if record == nil || record.Status != engine.SyncStatusOK {
			status := engine.SyncStatusNew
			if record != nil {
				status = record.Status
			}
			return engine.NewPermanentError(fmt.Sprintf("workspace not ready (last sync %s)", status), nil).
				WithCode(engine.ErrCodeWorkspaceNotReady).
				WithResource(ws.ProjectID).
				WithOperation("launch")
		}
	}

	info, err := os.Stat(ws.Root)
	if err != nil {
		return engine.NewLaunchError("workspace directory is missing", err)
	}
	if !info.IsDir() {
		return engine.NewLaunchError("workspace root is not a directory", nil).WithResource(ws.Root)
	}
	return nil
}

// stream appends each newline-terminated chunk as one history line. A
// trailing partial line is flushed at EOF. Once capture is switched off, or
// the history stops accepting lines, the remaining output is discarded.
func (e *Executor) stream(ctx context.Context, r io.Reader, w *history.LineWriter, capture *atomic.Bool) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var appended int
	defer func() {
		e.tel.Meter().RecordHistoryLines(appended)
	}()

	var appendErr error
	for {
		line, err := br.ReadString('\n')
		if line != "" && appendErr == nil && capture.Load() {
			if _, appendErr = w.Append(ctx, line); appendErr != nil {
				appendErr = fmt.Errorf("failed to append history line: %w", appendErr)
			} else {
				appended++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return appendErr
			}
			return err
		}
	}
}

// drain waits for the reader to reach EOF. Descendants that escaped the
// process group can hold the pipe open; after the grace period the read end
// is closed under them.
func (e *Executor) drain(pr *os.File, readDone <-chan error) error {
	defer pr.Close()

	timer := time.NewTimer(e.opts.GracePeriod)
	defer timer.Stop()

	select {
	case err := <-readDone:
		return err
	case <-timer.C:
		log.Warn().Msg("Output still open after process exit, closing pipe")
		pr.Close()
		return <-readDone
	}
}

// terminate sends SIGTERM to the process group and SIGKILL after the grace
// period, then returns the Wait result.
func (e *Executor) terminate(id int64, cmd *exec.Cmd, waitDone <-chan error) error {
	log.Info().Int64("history_id", id).Int("pid", cmd.Process.Pid).Msg("Terminating process group")
	if err := interrupt(cmd.Process); err != nil {
		log.Debug().Err(err).Int64("history_id", id).Msg("SIGTERM failed")
	}

	grace := time.NewTimer(e.opts.GracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitDone:
		return err
	case <-grace.C:
		log.Warn().Int64("history_id", id).Dur("grace_period", e.opts.GracePeriod).Msg("Process ignored SIGTERM, killing")
		if err := kill(cmd.Process); err != nil {
			log.Debug().Err(err).Int64("history_id", id).Msg("SIGKILL failed")
		}
		return <-waitDone
	}
}

// pollCancel checks the cancellation channel until done is closed.
// Executor shutdown counts as a stop request.
func (e *Executor) pollCancel(ctx context.Context, id int64, stop *stopSignal, done <-chan struct{}) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	key := cancel.KeyFor(id)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			stop.trigger(engine.StatusStopped)
			return
		case <-ticker.C:
			ok, err := e.cancel.PollAndConsume(ctx, key)
			if err != nil {
				log.Warn().Err(err).Int64("history_id", id).Msg("Failed to poll cancellation channel")
				continue
			}
			if ok {
				log.Info().Int64("history_id", id).Msg("Cancellation requested")
				e.tel.Meter().RecordCancellation("consumed")
				stop.trigger(engine.StatusStopped)
				return
			}
		}
	}
}

// finalize records the terminal status. When another writer got there
// first, its status is reported instead.
func (e *Executor) finalize(ctx context.Context, id int64, status engine.ExecutionStatus, runErr error) (engine.ExecutionStatus, error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}

	stoppedAt := time.Now().UTC()
	var ok bool
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		ok, err = e.store.FinalizeHistory(ctx, id, status, msg, stoppedAt)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int64("history_id", id).Int("attempt", attempt).Msg("Failed to finalize execution")
		if attempt < finalizeAttempts {
			time.Sleep(time.Duration(attempt) * finalizeBackoff)
		}
	}
	if err != nil {
		log.Error().Err(err).Int64("history_id", id).Str("status", string(status)).Msg("Giving up finalizing execution")
		return status, runErr
	}
	if ok {
		return status, runErr
	}

	record, err := e.store.GetHistory(ctx, id)
	if err != nil {
		return status, runErr
	}
	log.Debug().Int64("history_id", id).Str("status", string(record.Status)).Msg("Execution was already finalized")
	if record.Error != "" {
		return record.Status, errors.New(record.Error)
	}
	return record.Status, nil
}

func (e *Executor) inventoryDir() string {
	if e.opts.InventoryDir != "" {
		return e.opts.InventoryDir
	}
	return os.TempDir()
}
