package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// HeartbeatMonitor flags workers whose heartbeats stop arriving.
type HeartbeatMonitor struct {
	interval time.Duration
	grace    time.Duration
	workers  func() []*Worker
	logger   *slog.Logger
	now      func() time.Time

	// lost is called for each newly unresponsive worker with the task it
	// held, or nil.
	lost func(ctx context.Context, w *Worker, task *scheduler.Task)
}

// Run checks the pool every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check flags every worker silent for longer than the grace window and
// returns their ids.
func (m *HeartbeatMonitor) Check(ctx context.Context) []string {
	now := m.now()
	var flagged []string
	for _, w := range m.workers() {
		task, changed := w.markUnresponsive(now, m.grace)
		if !changed {
			continue
		}
		flagged = append(flagged, w.ID())

		attrs := []any{"worker_id", w.ID(), "grace", m.grace.String()}
		if task != nil {
			attrs = append(attrs, "task_id", task.ID)
		}
		m.logger.Warn("Worker unresponsive", attrs...)

		if m.lost != nil {
			m.lost(ctx, w, task)
		}
	}
	return flagged
}
