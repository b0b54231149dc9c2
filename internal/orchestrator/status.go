package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/conductor/internal/scheduler"
)

// recentAlertCount is the number of alerts included in a status report.
const recentAlertCount = 10

// AdviserStatus describes the adviser in a status report.
type AdviserStatus struct {
	Running       bool    `json:"running"`
	CheckInterval string  `json:"check_interval"`
	FailureRate   float64 `json:"failure_rate"`
	Samples       int     `json:"samples"`
	RecentAlerts  []Alert `json:"recent_alerts"`
}

// SystemStatus is the aggregate status of the engine.
type SystemStatus struct {
	SystemRunning bool                     `json:"system_running"`
	State         State                    `json:"state"`
	Tasks         map[scheduler.Status]int `json:"tasks"`
	TotalTasks    int                      `json:"total_tasks"`
	Queued        int                      `json:"queued"`
	Workers       []WorkerSnapshot         `json:"workers"`
	Adviser       AdviserStatus            `json:"adviser"`
	Executor      string                   `json:"executor"`
}

// Status returns task counts, worker states and adviser state.
func (c *Coordinator) Status(ctx context.Context) (*SystemStatus, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, &scheduler.StorageError{Op: "count tasks", Err: err}
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	state := c.State()
	rate, samples := c.registry.FailureRate()
	alerts := c.adviser.RecentAlerts(recentAlertCount)
	if alerts == nil {
		alerts = []Alert{}
	}

	return &SystemStatus{
		SystemRunning: state == StateRunning,
		State:         state,
		Tasks:         counts,
		TotalTasks:    total,
		Queued:        c.queue.Len(),
		Workers:       c.workerSnapshots(),
		Adviser: AdviserStatus{
			Running:       c.adviser.Running(),
			CheckInterval: fmt.Sprint(c.cfg.Adviser.CheckInterval),
			FailureRate:   rate,
			Samples:       samples,
			RecentAlerts:  alerts,
		},
		Executor: c.executor.Name(),
	}, nil
}
