package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

// Dispatcher matches idle workers with ready tasks. Passes are serialized.
type Dispatcher struct {
	registry   *scheduler.Registry
	queue      *scheduler.Queue
	workspaces func(taskID string) string
	bus        *events.EventBus
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	// gate, when set, must return true for a pass to dispatch anything.
	gate func() bool
	// settled is called for a task that left the queue without being
	// dispatched, e.g. after quarantine.
	settled func(*scheduler.Task)

	mu      sync.Mutex // Serializes passes
	workers []*Worker

	trigger chan struct{}
}

func newDispatcher(registry *scheduler.Registry, queue *scheduler.Queue, interval time.Duration, bus *events.EventBus, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		registry: registry,
		queue:    queue,
		bus:      bus,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
}

// setWorkers replaces the pool the dispatcher assigns to.
func (d *Dispatcher) setWorkers(workers []*Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = workers
}

// Trigger requests a dispatch pass. It never blocks; triggers that arrive
// while one is pending are coalesced.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run performs passes on every trigger and on a periodic tick until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.trigger:
		case <-ticker.C:
		}
		for ctx.Err() == nil && d.Pass(ctx) {
		}
	}
}

// Pass dispatches at most one task to one idle worker. It reports whether
// the pass made progress, meaning another pass may find more work.
func (d *Dispatcher) Pass(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gate != nil && !d.gate() {
		return false
	}

	w := d.idleWorker()
	if w == nil {
		return false
	}

	id, ok := d.queue.PopReady(d.registry.IsReady)
	if !ok {
		return false
	}
	if !w.reserve() {
		// Flagged unresponsive since idleWorker looked at it.
		d.requeue(ctx, id)
		return true
	}

	var workspace string
	if d.workspaces != nil {
		workspace = d.workspaces(id)
	}
	task, err := d.registry.Transition(ctx, id, scheduler.StatusInProgress, scheduler.Payload{
		Agent:     w.ID(),
		Workspace: workspace,
	})
	if err != nil {
		w.release()
		return d.dispatchFailed(ctx, id, err)
	}

	w.start(task)
	d.logger.Info("Task dispatched", "task_id", task.ID, "worker_id", w.ID(),
		"priority", task.Priority, "attempt", task.Epoch)
	if d.bus != nil {
		d.bus.Publish(events.TopicTask, events.TaskDispatchedEvent{
			ID:        task.ID,
			WorkerID:  w.ID(),
			Attempt:   task.Epoch,
			Timestamp: d.now(),
		})
	}
	return true
}

// idleWorker returns the first available worker in pool order.
func (d *Dispatcher) idleWorker() *Worker {
	for _, w := range d.workers {
		if w.available() {
			return w
		}
	}
	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, id string) {
	if t, err := d.registry.Get(ctx, id); err == nil {
		d.queue.Enqueue(t.ID, t.Priority, t.CreatedAt)
	}
}

// dispatchFailed handles a task popped from the queue that could not be moved
// to in_progress.
func (d *Dispatcher) dispatchFailed(ctx context.Context, id string, err error) bool {
	switch {
	case errors.Is(err, scheduler.ErrInvalidTransition):
		// The registry has quarantined it; it stays out of the queue.
		d.logger.Error("Task quarantined at dispatch", "task_id", id, "error", err)
		if t, gerr := d.registry.Get(ctx, id); gerr == nil && d.settled != nil {
			d.settled(t)
		}
		return true
	case errors.Is(err, scheduler.ErrNotFound):
		d.logger.Warn("Dropping unknown task from queue", "task_id", id)
		return true
	default:
		// Storage trouble: put it back and wait for the next tick.
		d.logger.Error("failed to dispatch task", "task_id", id, "error", err)
		d.requeue(ctx, id)
		return false
	}
}
