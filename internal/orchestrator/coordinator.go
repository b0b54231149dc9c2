// Package orchestrator runs the task engine: the coordinator owns the worker
// pool, the priority queue, the dispatcher, the adviser and the heartbeat
// monitor, and is the entry point for submissions and queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/workspace"
)

// State is the lifecycle state of a coordinator.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

var (
	// ErrAlreadyStarted is returned by Start on a running coordinator.
	ErrAlreadyStarted = errors.New("coordinator already started")
	// ErrNotRunning is returned by Stop when the coordinator is not running.
	ErrNotRunning = errors.New("coordinator not running")
)

// Store is the durable store the coordinator works with.
type Store interface {
	scheduler.TaskStore
	CountByStatus(ctx context.Context) (map[scheduler.Status]int, error)
	RecentLogs(ctx context.Context, limit int) ([]persistence.LogEntry, error)
	SaveWorker(ctx context.Context, w persistence.WorkerRecord) error
	LoadWorkers(ctx context.Context) ([]persistence.WorkerRecord, error)
	StartAttempt(ctx context.Context, a persistence.Attempt) error
	FinishAttempt(ctx context.Context, a persistence.Attempt) error
	ListAttempts(ctx context.Context, taskID string) ([]persistence.Attempt, error)
}

var _ Store = (*persistence.SQLiteStore)(nil)

// Options configures a Coordinator.
type Options struct {
	Config   *config.Config    // Required
	Store    Store             // Required
	Executor executor.Executor // Built from Config.Executor when nil
	Bus      *events.EventBus  // Created when nil
	Logger   *slog.Logger
	Retry    *RetryConfig     // Executor retry policy, DefaultRetryConfig when nil
	Now      func() time.Time // Clock override for tests
}

// Coordinator owns the lifecycle of the task engine.
type Coordinator struct {
	cfg        *config.Config
	store      Store
	registry   *scheduler.Registry
	queue      *scheduler.Queue
	dispatcher *Dispatcher
	adviser    *Adviser
	monitor    *HeartbeatMonitor
	signals    *Signals
	breakers   *CircuitBreakerRegistry
	executor   executor.Executor
	processes  *executor.ProcessManager
	workspaces *workspace.Manager
	bus        *events.EventBus
	logger     *slog.Logger
	now        func() time.Time
	env        *workerEnv

	mu          sync.Mutex // Guards the lifecycle fields below
	state       State
	loops       *errgroup.Group
	pool        *errgroup.Group
	stopLoops   context.CancelFunc
	stopWorkers context.CancelFunc

	poolMu  sync.RWMutex
	workers []*Worker
}

// New creates a coordinator in the created state.
func New(opts Options) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	processes := executor.NewProcessManager()
	ex := opts.Executor
	if ex == nil {
		var err error
		if ex, err = executor.New(cfg.Executor, processes); err != nil {
			return nil, fmt.Errorf("failed to create executor: %w", err)
		}
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	component := func(name string) *slog.Logger {
		return logger.With(logging.ComponentKey, name)
	}

	c := &Coordinator{
		cfg:        cfg,
		store:      opts.Store,
		queue:      scheduler.NewQueue(cfg.Dispatcher.ScanLimit),
		breakers:   NewCircuitBreakerRegistry(cfg.Breaker, component("Executor")),
		executor:   ex,
		processes:  processes,
		workspaces: workspaces,
		bus:        bus,
		logger:     component("Coordinator"),
		now:        now,
		state:      StateCreated,
	}

	c.registry = scheduler.NewRegistry(opts.Store, scheduler.RegistryConfig{
		MaxRetries:      cfg.MaxRetries,
		DefaultPriority: cfg.DefaultPriority,
		FailureWindow:   cfg.Adviser.FailureWindow,
		Now:             now,
	}, component("Registry"))

	c.dispatcher = newDispatcher(c.registry, c.queue, cfg.Dispatcher.Interval.Std(), bus, component("Dispatcher"))
	c.dispatcher.now = now
	c.dispatcher.workspaces = workspaces.Path
	c.dispatcher.gate = c.executorAvailable
	c.dispatcher.settled = c.afterTransition

	c.signals = NewSignals(max(cfg.NumWorkers, 1)*2, c.handleSignal)

	c.adviser = &Adviser{
		cfg:      cfg.Adviser,
		registry: c.registry,
		counts:   opts.Store.CountByStatus,
		workers:  c.workerSnapshots,
		signals:  c.signals,
		bus:      bus,
		logger:   component("Adviser"),
		now:      now,
		notified: make(map[string]bool),
	}

	c.monitor = &HeartbeatMonitor{
		interval: cfg.HeartbeatInterval.Std(),
		grace:    cfg.EffectiveHeartbeatGrace().Std(),
		workers:  c.workerList,
		logger:   component("Worker"),
		now:      now,
		lost:     c.workerLost,
	}

	c.env = &workerEnv{
		registry:          c.registry,
		store:             opts.Store,
		executor:          ex,
		breakers:          c.breakers,
		retry:             retry,
		workspaces:        workspaces,
		bus:               bus,
		logger:            component("Worker"),
		now:               now,
		taskTimeout:       cfg.TaskTimeout.Std(),
		heartbeatInterval: cfg.HeartbeatInterval.Std(),
		cleanup:           cfg.Workspace.Cleanup,
		settled:           c.afterTransition,
		idle:              c.dispatcher.Trigger,
	}

	return c, nil
}

// Start loads and recovers persisted tasks, starts the worker pool and the
// background loops. A stopped coordinator may be started again.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning || c.state == StateStopping {
		return ErrAlreadyStarted
	}

	loaded, err := c.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	requeued, abandoned, err := c.registry.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	for _, t := range requeued {
		c.logger.Warn("Requeued task interrupted by restart", "task_id", t.ID, "retries_used", t.RetriesUsed)
	}
	for _, t := range abandoned {
		c.logger.Error("Task failed permanently after restart", "task_id", t.ID, "retries_used", t.RetriesUsed, "error", t.Error)
		c.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:          t.ID,
			Error:       t.Error,
			Kind:        string(t.ErrorKind),
			RetriesUsed: t.RetriesUsed,
			Timestamp:   c.now(),
		})
	}

	c.rebuildQueue()
	c.pruneWorkspaces()

	workers, err := c.newWorkers(ctx)
	if err != nil {
		return err
	}

	base := context.WithoutCancel(ctx)
	loopsCtx, stopLoops := context.WithCancel(base)
	workersCtx, stopWorkers := context.WithCancel(base)

	loops, lctx := errgroup.WithContext(loopsCtx)
	loops.Go(func() error { return c.dispatcher.Run(lctx) })
	loops.Go(func() error { return c.adviser.Run(lctx) })
	loops.Go(func() error { return c.monitor.Run(lctx) })
	loops.Go(func() error { return c.signals.Run(lctx) })

	pool := &errgroup.Group{}
	for _, w := range workers {
		pool.Go(func() error { return w.Run(workersCtx) })
	}

	c.loops, c.pool = loops, pool
	c.stopLoops, c.stopWorkers = stopLoops, stopWorkers
	c.state = StateRunning

	c.logger.Info("Coordinator started", "workers", len(workers), "tasks_loaded", len(loaded),
		"queued", c.queue.Len(), "executor", c.executor.Name())
	c.bus.Publish(events.TopicSystem, events.SystemStateEvent{State: string(StateRunning), Timestamp: c.now()})
	c.publishProgress(ctx)
	c.dispatcher.Trigger()
	return nil
}

func (c *Coordinator) newWorkers(ctx context.Context) ([]*Worker, error) {
	records, err := c.store.LoadWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker metrics: %w", err)
	}
	byID := make(map[string]persistence.WorkerRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	workers := make([]*Worker, c.cfg.NumWorkers)
	for i := range workers {
		id := fmt.Sprintf("worker-%d", i+1)
		workers[i] = newWorker(id, c.env, byID[id])
	}

	c.poolMu.Lock()
	c.workers = workers
	c.poolMu.Unlock()
	c.dispatcher.setWorkers(workers)
	return workers, nil
}

// Stop stops dispatching, lets workers finish their current command, and
// cancels whatever is still running after the shutdown timeout. Task state
// is persisted before Stop returns.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StateStopping
	loops, pool := c.loops, c.pool
	stopLoops, stopWorkers := c.stopLoops, c.stopWorkers
	c.mu.Unlock()

	c.logger.Info("Coordinator stopping")
	c.bus.Publish(events.TopicSystem, events.SystemStateEvent{State: string(StateStopping), Timestamp: c.now()})

	stopLoops()
	loops.Wait()

	workers := c.workerList()
	for _, w := range workers {
		w.Drain()
	}

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.ShutdownTimeout.Std())
	defer timer.Stop()

	var stopErr error
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("Shutdown timeout reached, cancelling in-flight tasks")
		stopWorkers()
		<-done
	case <-ctx.Done():
		c.logger.Warn("Shutdown interrupted, cancelling in-flight tasks")
		stopWorkers()
		<-done
		stopErr = fmt.Errorf("shutdown cut short: %w", ctx.Err())
	}
	stopWorkers()

	if err := c.processes.KillAll(); err != nil {
		c.logger.Warn("failed to kill leftover processes", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	for _, w := range workers {
		if err := c.store.SaveWorker(flushCtx, w.record()); err != nil {
			c.logger.Warn("failed to save worker metrics", "worker_id", w.ID(), "error", err)
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("Coordinator stopped")
	c.bus.Publish(events.TopicSystem, events.SystemStateEvent{State: string(StateStopped), Timestamp: c.now()})
	return stopErr
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubmitTask validates and persists a task and queues it for dispatch.
func (c *Coordinator) SubmitTask(ctx context.Context, sub scheduler.Submission) (*scheduler.Task, error) {
	t, err := c.registry.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	c.submitted(t)
	c.publishProgress(ctx)
	c.dispatcher.Trigger()
	return t, nil
}

// SubmitBatch submits tasks that may depend on each other by batch key.
// Either all tasks are created or none.
func (c *Coordinator) SubmitBatch(ctx context.Context, items []scheduler.BatchItem) ([]*scheduler.Task, error) {
	tasks, err := c.registry.SubmitBatch(ctx, items)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		c.submitted(t)
	}
	c.publishProgress(ctx)
	c.dispatcher.Trigger()
	return tasks, nil
}

// SubmitWorkflow submits one task per feature, each depending on the one
// before it.
func (c *Coordinator) SubmitWorkflow(ctx context.Context, project string, features []string, opts scheduler.WorkflowOptions) ([]*scheduler.Task, error) {
	items, err := scheduler.ExpandWorkflow(project, features, opts)
	if err != nil {
		return nil, err
	}
	tasks, err := c.SubmitBatch(ctx, items)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Workflow submitted", "project", project, "features", len(features), "tasks", len(tasks))
	return tasks, nil
}

func (c *Coordinator) submitted(t *scheduler.Task) {
	c.queue.Enqueue(t.ID, t.Priority, t.CreatedAt)
	c.logger.Info("Task submitted", "task_id", t.ID, "priority", t.Priority,
		"commands", len(t.Commands), "depends_on", t.DependsOn)
	c.bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:          t.ID,
		Description: t.Description,
		Priority:    t.Priority,
		DependsOn:   t.DependsOn,
		Timestamp:   t.CreatedAt,
	})
}

// GetTask returns a task by id.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	return c.registry.Get(ctx, id)
}

// ListTasks returns tasks newest first.
func (c *Coordinator) ListTasks(ctx context.Context, filter scheduler.Filter) ([]*scheduler.Task, error) {
	return c.registry.List(ctx, filter)
}

// Attempts returns the attempt history of a task.
func (c *Coordinator) Attempts(ctx context.Context, id string) ([]persistence.Attempt, error) {
	if _, err := c.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListAttempts(ctx, id)
}

// Logs returns the newest system log entries.
func (c *Coordinator) Logs(ctx context.Context, limit int) ([]persistence.LogEntry, error) {
	return c.store.RecentLogs(ctx, limit)
}

// Alerts returns the adviser's alerts, oldest first.
func (c *Coordinator) Alerts() []Alert {
	return c.adviser.Alerts()
}

// Events returns the bus the coordinator publishes on.
func (c *Coordinator) Events() *events.EventBus {
	return c.bus
}

// afterTransition keeps the queue in step with a task that changed state and
// wakes the dispatcher.
func (c *Coordinator) afterTransition(t *scheduler.Task) {
	if t.Status == scheduler.StatusPending && !t.Quarantined {
		c.queue.Enqueue(t.ID, t.Priority, t.CreatedAt)
	} else {
		c.queue.Remove(t.ID)
	}
	if t.Quarantined {
		c.bus.Publish(events.TopicTask, events.TaskQuarantinedEvent{
			ID:        t.ID,
			Reason:    "invalid state transition",
			Timestamp: c.now(),
		})
	}
	c.publishProgress(context.Background())
	c.dispatcher.Trigger()
}

func (c *Coordinator) rebuildQueue() {
	for _, e := range c.queue.Entries() {
		c.queue.Remove(e.ID)
	}
	for _, t := range c.registry.Pending() {
		if !t.Quarantined {
			c.queue.Enqueue(t.ID, t.Priority, t.CreatedAt)
		}
	}
}

// pruneWorkspaces removes directories of tasks that can no longer run.
func (c *Coordinator) pruneWorkspaces() {
	if !c.cfg.Workspace.Cleanup {
		return
	}
	active := make(map[string]bool)
	for _, t := range c.registry.Active() {
		active[t.ID] = true
	}
	removed, err := c.workspaces.Prune(func(id string) bool { return active[id] })
	if err != nil {
		c.logger.Warn("failed to prune workspaces", "error", err)
	}
	if len(removed) > 0 {
		c.logger.Info("Pruned stale workspaces", "count", len(removed))
	}
}

// handleSignal applies control requests from background loops.
func (c *Coordinator) handleSignal(ctx context.Context, sig Signal) error {
	switch sig.Kind {
	case SignalForceTimeout:
		return c.forceTimeout(ctx, sig.TaskID, sig.Epoch, sig.Reason)
	default:
		return fmt.Errorf("unknown signal %q", sig.Kind)
	}
}

// forceTimeout aborts the attempt if a worker still runs it and fails the
// task with a timeout. The task is retried while budget remains.
func (c *Coordinator) forceTimeout(ctx context.Context, id string, epoch int, reason string) error {
	workerID := ""
	for _, w := range c.workerList() {
		if w.abort(id, epoch) {
			workerID = w.ID()
			break
		}
	}

	updated, err := c.registry.Fail(ctx, id, epoch, reason, scheduler.KindTimeout)
	if errors.Is(err, scheduler.ErrStaleReport) {
		c.logger.Info("Attempt already finished, nothing to time out", "task_id", id, "attempt", epoch)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to time out task %s: %w", id, err)
	}

	requeued := updated.Status == scheduler.StatusPending
	c.logger.Warn("Task timed out", "task_id", id, "worker_id", workerID, "reason", reason,
		"retries_used", updated.RetriesUsed, "requeued", requeued)
	c.bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:          id,
		WorkerID:    workerID,
		Error:       reason,
		Kind:        string(scheduler.KindTimeout),
		Requeued:    requeued,
		RetriesUsed: updated.RetriesUsed,
		Timestamp:   c.now(),
	})
	c.afterTransition(updated)
	return nil
}

// workerLost fails the in-flight task of a worker that stopped heartbeating.
func (c *Coordinator) workerLost(ctx context.Context, w *Worker, task *scheduler.Task) {
	if task == nil {
		return
	}
	reason := fmt.Sprintf("worker %s unresponsive: no heartbeat within %s", w.ID(), c.monitor.grace)
	if err := c.forceTimeout(ctx, task.ID, task.Epoch, reason); err != nil {
		c.logger.Error("failed to requeue task of unresponsive worker", "task_id", task.ID, "worker_id", w.ID(), "error", err)
	}
}

func (c *Coordinator) executorAvailable() bool {
	if c.breakers.Open(c.executor.Name()) {
		c.logger.Debug("Executor circuit open, holding dispatch", "executor", c.executor.Name())
		return false
	}
	return true
}

func (c *Coordinator) workerList() []*Worker {
	c.poolMu.RLock()
	defer c.poolMu.RUnlock()
	return append([]*Worker(nil), c.workers...)
}

func (c *Coordinator) workerSnapshots() []WorkerSnapshot {
	workers := c.workerList()
	out := make([]WorkerSnapshot, len(workers))
	for i, w := range workers {
		out[i] = w.Snapshot()
	}
	return out
}

func (c *Coordinator) publishProgress(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to count tasks", "error", err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.bus.Publish(events.TopicSystem, events.ProgressEvent{
		Total:     total,
		Completed: counts[scheduler.StatusCompleted],
		Running:   counts[scheduler.StatusInProgress],
		Failed:    counts[scheduler.StatusFailed],
		Pending:   counts[scheduler.StatusPending],
		Timestamp: c.now(),
	})
}
