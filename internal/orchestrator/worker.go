package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workspace"
)

// WorkerState is the scheduling state of a worker.
type WorkerState string

const (
	WorkerIdle         WorkerState = "idle"
	WorkerAssigned     WorkerState = "assigned"
	WorkerExecuting    WorkerState = "executing"
	WorkerUnresponsive WorkerState = "unresponsive" // Missed heartbeats, skipped by the dispatcher
	WorkerStopped      WorkerState = "stopped"
)

// AssignResult is the answer of a worker to an assignment.
type AssignResult int

const (
	Accepted AssignResult = iota
	Busy
)

func (r AssignResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "busy"
}

var (
	errTaskTimeout = errors.New("task timeout exceeded")
	errAborted     = errors.New("attempt aborted by coordinator")
)

// reportTimeout bounds the store writes made after an attempt, which run even
// while the coordinator is shutting down.
const reportTimeout = 10 * time.Second

// WorkerSnapshot is a point-in-time view of a worker.
type WorkerSnapshot struct {
	ID               string        `json:"id"`
	State            WorkerState   `json:"state"`
	Running          bool          `json:"running"`
	CurrentTask      string        `json:"current_task,omitempty"`
	TasksCompleted   int           `json:"tasks_completed"`
	TasksFailed      int           `json:"tasks_failed"`
	TotalExecution   time.Duration `json:"total_execution"`
	AverageExecution time.Duration `json:"average_execution"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
}

// workerEnv holds the collaborators shared by every worker of a pool.
type workerEnv struct {
	registry   *scheduler.Registry
	store      Store
	executor   executor.Executor
	breakers   *CircuitBreakerRegistry
	retry      RetryConfig
	workspaces *workspace.Manager
	bus        *events.EventBus
	logger     *slog.Logger
	now        func() time.Time

	taskTimeout       time.Duration
	heartbeatInterval time.Duration
	cleanup           bool

	settled func(*scheduler.Task) // Called after a worker records an outcome
	idle    func()                // Called when a worker becomes available
}

// Worker runs one task at a time, executing its commands in order.
type Worker struct {
	id  string
	env *workerEnv

	assignCh  chan *scheduler.Task
	drain     chan struct{}
	drainOnce sync.Once
	running   atomic.Bool

	mu       sync.Mutex
	state    WorkerState
	task     *scheduler.Task
	handle   string
	abortRun context.CancelCauseFunc
	lastBeat time.Time
	metrics  persistence.WorkerRecord
}

func newWorker(id string, env *workerEnv, rec persistence.WorkerRecord) *Worker {
	rec.ID = id
	return &Worker{
		id:       id,
		env:      env,
		assignCh: make(chan *scheduler.Task, 1),
		drain:    make(chan struct{}),
		state:    WorkerIdle,
		lastBeat: env.now(),
		metrics:  rec,
	}
}

// ID returns the stable worker id.
func (w *Worker) ID() string { return w.id }

// Assign hands a dispatched task to the worker. It returns Busy unless the
// worker is idle.
func (w *Worker) Assign(task *scheduler.Task) AssignResult {
	if !w.reserve() {
		return Busy
	}
	w.start(task)
	return Accepted
}

// reserve claims an idle worker for a dispatch in progress.
func (w *Worker) reserve() bool {
	w.mu.Lock()
	if w.state != WorkerIdle {
		w.mu.Unlock()
		return false
	}
	w.state = WorkerAssigned
	w.mu.Unlock()

	w.publishState(WorkerIdle, WorkerAssigned, "")
	return true
}

// release undoes reserve when the dispatch did not go through.
func (w *Worker) release() {
	w.mu.Lock()
	if w.state != WorkerAssigned || w.task != nil {
		w.mu.Unlock()
		return
	}
	w.state = WorkerIdle
	w.mu.Unlock()

	w.publishState(WorkerAssigned, WorkerIdle, "")
}

// start delivers a reserved task to the run loop.
func (w *Worker) start(task *scheduler.Task) {
	w.mu.Lock()
	w.task = task
	w.mu.Unlock()
	w.assignCh <- task
}

// available reports whether the dispatcher may use the worker.
func (w *Worker) available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WorkerIdle && w.running.Load()
}

// Heartbeat records that the worker is alive. An unresponsive worker that
// holds no task becomes idle again.
func (w *Worker) Heartbeat() {
	w.mu.Lock()
	w.lastBeat = w.env.now()
	revived := w.state == WorkerUnresponsive && w.task == nil
	if revived {
		w.state = WorkerIdle
	}
	w.mu.Unlock()

	if revived {
		w.env.logger.Info("Worker responsive again", "worker_id", w.id)
		w.publishState(WorkerUnresponsive, WorkerIdle, "")
		w.env.idle()
	}
}

// Snapshot returns the current state and metrics of the worker.
func (w *Worker) Snapshot() WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := WorkerSnapshot{
		ID:               w.id,
		State:            w.state,
		Running:          w.running.Load(),
		TasksCompleted:   w.metrics.TasksCompleted,
		TasksFailed:      w.metrics.TasksFailed,
		TotalExecution:   w.metrics.TotalExecution,
		AverageExecution: w.metrics.AverageExecution(),
		LastHeartbeat:    w.lastBeat,
	}
	if w.task != nil {
		s.CurrentTask = w.task.ID
	}
	return s
}

// Run processes assignments until ctx is cancelled or the worker is drained
// while idle.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.mu.Lock()
		from := w.state
		w.state = WorkerStopped
		w.mu.Unlock()
		w.publishState(from, WorkerStopped, "")
	}()

	ticker := time.NewTicker(w.env.heartbeatInterval)
	defer ticker.Stop()

	w.Heartbeat()
	w.env.idle()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-w.assignCh:
			w.execute(ctx, task)
		case <-ticker.C:
			w.Heartbeat()
		case <-w.drain:
			// A task handed over just before the drain still gets reported.
			select {
			case task := <-w.assignCh:
				w.execute(ctx, task)
			default:
			}
			return nil
		}
	}
}

// Drain asks the worker to stop before its next command and exit once idle.
func (w *Worker) Drain() {
	w.drainOnce.Do(func() { close(w.drain) })
}

func (w *Worker) draining() bool {
	select {
	case <-w.drain:
		return true
	default:
		return false
	}
}

// abort cancels the attempt identified by taskID and epoch if the worker is
// still running it. The worker then skips its own report.
func (w *Worker) abort(taskID string, epoch int) bool {
	w.mu.Lock()
	if w.task == nil || w.task.ID != taskID || w.task.Epoch != epoch || w.abortRun == nil {
		w.mu.Unlock()
		return false
	}
	abort, handle := w.abortRun, w.handle
	w.mu.Unlock()

	abort(errAborted)
	if handle != "" {
		if err := w.env.executor.Cancel(handle); err != nil {
			w.env.logger.Warn("failed to cancel command", "worker_id", w.id, "task_id", taskID, "error", err)
		}
	}
	return true
}

// markUnresponsive flags the worker when its last heartbeat is older than
// grace. It returns the task it held, if any.
func (w *Worker) markUnresponsive(now time.Time, grace time.Duration) (*scheduler.Task, bool) {
	w.mu.Lock()
	if w.state == WorkerUnresponsive || w.state == WorkerStopped || now.Sub(w.lastBeat) <= grace {
		w.mu.Unlock()
		return nil, false
	}
	from := w.state
	w.state = WorkerUnresponsive
	var task *scheduler.Task
	if w.task != nil {
		task = w.task.Clone()
	}
	w.mu.Unlock()

	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	w.publishState(from, WorkerUnresponsive, taskID)
	return task, true
}

func (w *Worker) setState(to WorkerState, taskID string) {
	w.mu.Lock()
	from := w.state
	if from == WorkerUnresponsive && to != WorkerIdle {
		// Stay flagged until a heartbeat or the end of the attempt.
		w.mu.Unlock()
		return
	}
	w.state = to
	w.mu.Unlock()
	w.publishState(from, to, taskID)
}

func (w *Worker) publishState(from, to WorkerState, taskID string) {
	if w.env.bus == nil || from == to {
		return
	}
	w.env.bus.Publish(events.TopicWorker, events.WorkerStateEvent{
		WorkerID:  w.id,
		From:      string(from),
		To:        string(to),
		Task:      taskID,
		Timestamp: w.env.now(),
	})
}

// outcome is the result of running a task's commands.
type outcome struct {
	output  string // Combined output of the commands that ran
	err     string // Empty on success
	kind    scheduler.ErrorKind
	aborted bool
}

func (w *Worker) execute(ctx context.Context, task *scheduler.Task) {
	env := w.env
	logger := env.logger.With("task_id", task.ID, "worker_id", w.id)
	start := env.now()

	w.setState(WorkerExecuting, task.ID)
	logger.Info("Task started", "attempt", task.Epoch, "commands", len(task.Commands))

	timeoutCtx, cancelTimeout := context.WithTimeoutCause(ctx, env.taskTimeout, errTaskTimeout)
	defer cancelTimeout()
	runCtx, abort := context.WithCancelCause(timeoutCtx)
	defer abort(nil)

	w.mu.Lock()
	w.abortRun = abort
	w.mu.Unlock()

	// Heartbeats continue while the attempt is within its deadline.
	beatCtx, stopBeat := context.WithCancel(runCtx)
	go w.beatWhile(beatCtx)

	startCtx, cancelStart := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	if err := env.store.StartAttempt(startCtx, persistence.Attempt{
		TaskID:    task.ID,
		Number:    task.Epoch,
		WorkerID:  w.id,
		StartedAt: start,
	}); err != nil {
		logger.Warn("failed to record attempt start", "error", err)
	}
	cancelStart()

	out := w.runTask(ctx, runCtx, task)
	stopBeat()
	duration := env.now().Sub(start)

	// Outcomes are recorded even when ctx was cancelled by shutdown.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancelReport()

	if out.aborted {
		logger.Info("Attempt aborted, outcome recorded by coordinator")
	} else {
		w.report(reportCtx, logger, task, out, duration)
	}

	finished := env.now()
	status := scheduler.StatusCompleted
	if out.err != "" {
		status = scheduler.StatusFailed
	}
	if err := env.store.FinishAttempt(reportCtx, persistence.Attempt{
		TaskID:     task.ID,
		Number:     task.Epoch,
		WorkerID:   w.id,
		FinishedAt: &finished,
		Outcome:    status,
		ErrorKind:  out.kind,
		Output:     out.output,
	}); err != nil {
		logger.Warn("failed to record attempt outcome", "error", err)
	}

	w.recordMetrics(reportCtx, logger, out, duration)

	if status == scheduler.StatusCompleted && env.cleanup && env.workspaces != nil {
		if err := env.workspaces.Remove(task.ID); err != nil {
			logger.Warn("failed to remove workspace", "error", err)
		}
	}

	w.mu.Lock()
	w.task = nil
	w.handle = ""
	w.abortRun = nil
	w.mu.Unlock()
	w.setState(WorkerIdle, "")
	env.idle()
}

// runTask runs the commands in order and stops at the first failure.
func (w *Worker) runTask(ctx, runCtx context.Context, task *scheduler.Task) outcome {
	env := w.env

	workDir := task.WorkspacePath
	if env.workspaces != nil {
		info, err := env.workspaces.Create(task.ID)
		if err != nil {
			return outcome{err: err.Error(), kind: scheduler.KindInternal}
		}
		workDir = info.Path
	}

	cb := env.breakers.Get(env.executor.Name())
	var outputs []string
	for i, command := range task.Commands {
		if w.draining() {
			return outcome{
				output: joinOutputs(outputs),
				err:    fmt.Sprintf("cancelled by shutdown before command %d/%d", i+1, len(task.Commands)),
				kind:   scheduler.KindCancelled,
			}
		}
		if runCtx.Err() != nil {
			return w.interrupted(ctx, runCtx, outputs, i, len(task.Commands))
		}

		handle := uuid.NewString()
		w.mu.Lock()
		w.handle = handle
		w.mu.Unlock()

		req := executor.Request{
			Handle:  handle,
			TaskID:  task.ID,
			Command: command,
			Context: task.Description,
			WorkDir: workDir,
			Output: func(line string) {
				if env.bus != nil {
					env.bus.Publish(events.TopicTask, events.TaskOutputEvent{
						ID:        task.ID,
						WorkerID:  w.id,
						Command:   command,
						Line:      line,
						Timestamp: env.now(),
					})
				}
			},
		}

		res, err := runCommand(runCtx, env.executor, req, cb, env.retry)
		outputs = append(outputs, res.Output)
		w.Heartbeat()

		if err != nil {
			if runCtx.Err() != nil {
				return w.interrupted(ctx, runCtx, outputs, i, len(task.Commands))
			}
			return outcome{
				output: joinOutputs(outputs),
				err:    fmt.Sprintf("command %d/%d failed: %v", i+1, len(task.Commands), err),
				kind:   scheduler.KindExecution,
			}
		}
	}

	return outcome{output: joinOutputs(outputs)}
}

// interrupted classifies an attempt cut short by its context.
func (w *Worker) interrupted(ctx, runCtx context.Context, outputs []string, i, n int) outcome {
	out := outcome{output: joinOutputs(outputs)}
	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errAborted):
		out.aborted = true
		out.err = errAborted.Error()
		out.kind = scheduler.KindTimeout
	case errors.Is(cause, errTaskTimeout):
		out.err = fmt.Sprintf("task timed out after %s during command %d/%d", w.env.taskTimeout, i+1, n)
		out.kind = scheduler.KindTimeout
	case ctx.Err() != nil:
		out.err = fmt.Sprintf("cancelled by shutdown during command %d/%d", i+1, n)
		out.kind = scheduler.KindCancelled
	default:
		out.err = fmt.Sprintf("command %d/%d interrupted: %v", i+1, n, cause)
		out.kind = scheduler.KindExecution
	}
	return out
}

// report records the outcome in the registry.
func (w *Worker) report(ctx context.Context, logger *slog.Logger, task *scheduler.Task, out outcome, duration time.Duration) {
	env := w.env

	var updated *scheduler.Task
	var err error
	if out.err == "" {
		updated, err = env.registry.Complete(ctx, task.ID, task.Epoch, out.output)
	} else {
		updated, err = env.registry.Fail(ctx, task.ID, task.Epoch, out.err, out.kind)
	}

	switch {
	case errors.Is(err, scheduler.ErrStaleReport):
		logger.Info("Discarding stale task report", "attempt", task.Epoch)
		return
	case err != nil:
		logger.Error("failed to record task outcome", "error", err)
		return
	}

	if out.err == "" {
		logger.Info("Task completed", "duration", duration.String())
		if env.bus != nil {
			env.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        task.ID,
				WorkerID:  w.id,
				Result:    updated.Result,
				Duration:  duration,
				Timestamp: env.now(),
			})
		}
	} else {
		requeued := updated.Status == scheduler.StatusPending
		level := slog.LevelWarn
		if !requeued {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "Task attempt failed", "error", out.err, "error_kind", string(out.kind),
			"retries_used", updated.RetriesUsed, "requeued", requeued)
		if env.bus != nil {
			env.bus.Publish(events.TopicTask, events.TaskFailedEvent{
				ID:          task.ID,
				WorkerID:    w.id,
				Error:       out.err,
				Kind:        string(out.kind),
				Requeued:    requeued,
				RetriesUsed: updated.RetriesUsed,
				Duration:    duration,
				Timestamp:   env.now(),
			})
		}
	}
	env.settled(updated)
}

// recordMetrics updates and persists the worker's counters. Cancelled and
// aborted attempts only add execution time.
func (w *Worker) recordMetrics(ctx context.Context, logger *slog.Logger, out outcome, duration time.Duration) {
	w.mu.Lock()
	switch {
	case out.err == "":
		w.metrics.TasksCompleted++
	case !out.aborted && out.kind != scheduler.KindCancelled:
		w.metrics.TasksFailed++
	}
	w.metrics.TotalExecution += duration
	beat := w.lastBeat
	w.metrics.LastHeartbeat = &beat
	rec := w.metrics
	w.mu.Unlock()

	if err := w.env.store.SaveWorker(ctx, rec); err != nil {
		logger.Warn("failed to save worker metrics", "error", err)
	}
}

// record returns the worker's metrics for persistence.
func (w *Worker) record() persistence.WorkerRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	beat := w.lastBeat
	rec := w.metrics
	rec.LastHeartbeat = &beat
	return rec
}

func (w *Worker) beatWhile(ctx context.Context) {
	ticker := time.NewTicker(w.env.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Heartbeat()
		}
	}
}

func joinOutputs(outputs []string) string {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if o = strings.TrimRight(o, "\n"); o != "" {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, "\n")
}
