package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

// AlertKind classifies adviser alerts.
type AlertKind string

const (
	AlertHighFailureRate    AlertKind = "high_failure_rate"
	AlertStuckTask          AlertKind = "stuck_task"
	AlertNoActiveWorkers    AlertKind = "no_active_workers"
	AlertUnresponsiveWorker AlertKind = "unresponsive_worker"
	AlertBlockedTask        AlertKind = "blocked_task"
)

// maxAlertHistory bounds the alerts kept in memory. Every alert is also
// logged, so older ones remain in the system log.
const maxAlertHistory = 1000

// Alert is a single adviser finding.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthSnapshot is the system health computed by one adviser check.
type HealthSnapshot struct {
	Timestamp   time.Time                `json:"timestamp"`
	Tasks       map[scheduler.Status]int `json:"tasks"`
	Workers     []WorkerSnapshot         `json:"workers"`
	FailureRate float64                  `json:"failure_rate"`
	Samples     int                      `json:"samples"`
	Alerts      []Alert                  `json:"alerts"`
}

// Adviser periodically checks system health and raises alerts. It never
// changes task state itself; stuck attempts are handed to the coordinator
// through signals.
type Adviser struct {
	cfg      config.AdviserConfig
	registry *scheduler.Registry
	counts   func(ctx context.Context) (map[scheduler.Status]int, error)
	workers  func() []WorkerSnapshot
	signals  *Signals
	bus      *events.EventBus
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool

	mu       sync.Mutex
	alerts   []Alert
	notified map[string]bool // Ongoing conditions already alerted on
}

// Run checks health every check interval until ctx is cancelled.
func (a *Adviser) Run(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)

	ticker := time.NewTicker(a.cfg.CheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

// Running reports whether the periodic check loop is active.
func (a *Adviser) Running() bool {
	return a.running.Load()
}

// Alerts returns all retained alerts, oldest first.
func (a *Adviser) Alerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// RecentAlerts returns up to n of the newest alerts, oldest first.
func (a *Adviser) RecentAlerts(n int) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := max(len(a.alerts)-n, 0)
	return append([]Alert(nil), a.alerts[start:]...)
}

// Check computes a health snapshot, records any alerts and asks the
// coordinator to time out stuck attempts.
func (a *Adviser) Check(ctx context.Context) HealthSnapshot {
	now := a.now()
	snap := HealthSnapshot{Timestamp: now, Workers: a.workers()}

	counts, err := a.counts(ctx)
	if err != nil {
		a.logger.Error("failed to count tasks", "error", err)
		counts = map[scheduler.Status]int{}
	}
	snap.Tasks = counts
	snap.FailureRate, snap.Samples = a.registry.FailureRate()

	var raised []Alert
	ongoing := make(map[string]bool)
	raise := func(alert Alert, key string) {
		if key != "" {
			ongoing[key] = true
			if a.seen(key) {
				return
			}
		}
		alert.Timestamp = now
		raised = append(raised, alert)
	}

	threshold := a.cfg.AlertThresholds.FailureRate
	if snap.Samples > 0 && snap.FailureRate > threshold {
		raise(Alert{
			Kind: AlertHighFailureRate,
			Message: fmt.Sprintf("High failure rate: %.0f%% of the last %d attempts failed (threshold %.0f%%)",
				snap.FailureRate*100, snap.Samples, threshold*100),
		}, "failure_rate")
	}

	active := 0
	for _, w := range snap.Workers {
		switch w.State {
		case WorkerUnresponsive:
			raise(Alert{
				Kind:     AlertUnresponsiveWorker,
				Message:  fmt.Sprintf("Worker %s is unresponsive", w.ID),
				WorkerID: w.ID,
				TaskID:   w.CurrentTask,
			}, "worker:"+w.ID)
		case WorkerStopped:
		default:
			active++
		}
	}
	if active == 0 {
		raise(Alert{Kind: AlertNoActiveWorkers, Message: "No active workers detected"}, "no_workers")
	}

	limit := a.cfg.AlertThresholds.StuckTaskTimeout.Std()
	var stuck []*scheduler.Task
	for _, t := range a.registry.Active() {
		switch {
		case t.Status == scheduler.StatusInProgress && t.Elapsed(now) > limit:
			stuck = append(stuck, t)
			raise(Alert{
				Kind: AlertStuckTask,
				Message: fmt.Sprintf("Task %s has been running for %s on %s (limit %s)",
					t.ID, t.Elapsed(now).Round(time.Second), t.AssignedAgent, limit),
				TaskID:   t.ID,
				WorkerID: t.AssignedAgent,
			}, "stuck:"+t.ID)
		case t.Status == scheduler.StatusPending && a.registry.Blocked(t.ID):
			raise(Alert{
				Kind:    AlertBlockedTask,
				Message: fmt.Sprintf("Task %s is blocked by a permanently failed dependency", t.ID),
				TaskID:  t.ID,
			}, "blocked:"+t.ID)
		}
	}

	a.record(raised, ongoing)
	snap.Alerts = raised

	for _, t := range stuck {
		err := a.signals.Send(ctx, Signal{
			Kind:   SignalForceTimeout,
			TaskID: t.ID,
			Epoch:  t.Epoch,
			Reason: fmt.Sprintf("task exceeded stuck timeout of %s", limit),
		})
		if err != nil {
			a.logger.Error("failed to time out stuck task", "task_id", t.ID, "error", err)
		}
	}
	return snap
}

func (a *Adviser) seen(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notified[key]
}

// record appends alerts, forgets conditions that cleared, publishes the
// alerts and logs them as one warning.
func (a *Adviser) record(raised []Alert, ongoing map[string]bool) {
	a.mu.Lock()
	for key := range a.notified {
		if !ongoing[key] {
			delete(a.notified, key)
		}
	}
	for key := range ongoing {
		a.notified[key] = true
	}
	a.alerts = append(a.alerts, raised...)
	if over := len(a.alerts) - maxAlertHistory; over > 0 {
		a.alerts = append([]Alert(nil), a.alerts[over:]...)
	}
	a.mu.Unlock()

	if len(raised) == 0 {
		return
	}

	messages := make([]string, len(raised))
	for i, alert := range raised {
		messages[i] = alert.Message
		if a.bus != nil {
			a.bus.Publish(events.TopicSystem, events.AlertEvent{
				Kind:      string(alert.Kind),
				Message:   alert.Message,
				Task:      alert.TaskID,
				WorkerID:  alert.WorkerID,
				Timestamp: alert.Timestamp,
			})
		}
	}
	a.logger.Warn("System alerts: "+strings.Join(messages, "; "), "count", len(raised))
}
