package tui

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/scheduler"
)

type staticStatus struct {
	status *orchestrator.SystemStatus
	err    error
}

func (s staticStatus) Status(context.Context) (*orchestrator.SystemStatus, error) {
	return s.status, s.err
}

func newTestModel(t *testing.T) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, staticStatus{}, config.DefaultConfig(), filepath.Join(t.TempDir(), "config.yaml"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return updated.(Model)
}

func update(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModel_TracksWorkerOutput(t *testing.T) {
	now := time.Now()
	m := update(newTestModel(t),
		events.WorkerStateEvent{WorkerID: "worker-1", From: "idle", To: "assigned", Task: "t1", Timestamp: now},
		events.TaskDispatchedEvent{ID: "t1", WorkerID: "worker-1", Attempt: 1, Timestamp: now},
		events.TaskOutputEvent{ID: "t1", WorkerID: "worker-1", Line: "compiling", Timestamp: now},
		events.TaskCompletedEvent{ID: "t1", WorkerID: "worker-1", Duration: time.Second, Timestamp: now},
	)

	w := m.workerPane.workers["worker-1"]
	require.NotNil(t, w)
	assert.Equal(t, "assigned", w.State)
	assert.Equal(t, "t1", w.Task)
	assert.Equal(t, 1, w.Completed)
	assert.Equal(t, []string{"[t1 attempt 1]", "compiling", "[Completed in 1s]"}, w.Output)

	lines := m.activityPane.Lines()
	require.Len(t, lines, 2, "output and worker state stay out of the feed")
	assert.Contains(t, lines[0], "dispatched t1 to worker-1")
	assert.Contains(t, lines[1], "completed t1")
	assert.Contains(t, m.View(), "worker-1")
}

func TestModel_OutputIsBounded(t *testing.T) {
	m := newTestModel(t)
	for range maxOutputLines + 10 {
		m = update(m, events.TaskOutputEvent{ID: "t1", WorkerID: "worker-1", Line: "x"})
	}
	assert.Len(t, m.workerPane.workers["worker-1"].Output, maxOutputLines)
}

func TestModel_StatusUpdatesPanes(t *testing.T) {
	m := update(newTestModel(t), statusMsg{status: &orchestrator.SystemStatus{
		State:      orchestrator.StateRunning,
		TotalTasks: 4,
		Tasks: map[scheduler.Status]int{
			scheduler.StatusCompleted:  2,
			scheduler.StatusInProgress: 1,
			scheduler.StatusPending:    1,
		},
		Workers: []orchestrator.WorkerSnapshot{
			{ID: "worker-1", State: orchestrator.WorkerExecuting, CurrentTask: "t9", TasksCompleted: 5},
			{ID: "worker-2", State: orchestrator.WorkerIdle},
		},
		Executor: "shell",
		Adviser:  orchestrator.AdviserStatus{FailureRate: 0.25, Samples: 8},
	}})

	assert.Equal(t, "running", m.progressPane.state)
	assert.Equal(t, 2, m.progressPane.completed)
	assert.Equal(t, []string{"worker-1", "worker-2"}, m.workerPane.order)
	assert.Equal(t, 5, m.workerPane.workers["worker-1"].Completed)

	view := m.View()
	assert.Contains(t, view, "running (shell)")
	assert.Contains(t, view, "25% of last 8 attempts")

	m = update(m, statusErrMsg{err: errors.New("database is locked")})
	assert.Contains(t, m.View(), "status unavailable")
}

func TestModel_FocusCycles(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, PaneWorkers, m.focusedPane)

	m = update(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneProgress, m.focusedPane)
	m = update(m, tea.KeyMsg{Type: tea.KeyShiftTab}, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, PaneActivity, m.focusedPane)
	m = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("1")})
	assert.Equal(t, PaneWorkers, m.focusedPane)
}

func TestSettingsPane_SaveValidatesAndWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	pane := NewSettingsPaneModel(cfg, path)

	pane.f.numWorkers = "8"
	pane.f.taskTimeout = "45m"
	pane.f.failureRate = "0.5"
	require.NoError(t, pane.save())

	assert.Equal(t, 3, cfg.NumWorkers, "the running config is not touched")
	loaded, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.NumWorkers)
	assert.Equal(t, 45*time.Minute, loaded.TaskTimeout.Std())
	assert.InDelta(t, 0.5, loaded.Adviser.AlertThresholds.FailureRate, 1e-9)

	pane.f.numWorkers = "lots"
	pane.f.checkInterval = "soon"
	err = pane.save()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestSettingsPane_EscCloses(t *testing.T) {
	m := update(newTestModel(t), tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	require.True(t, m.showSettings)
	assert.Contains(t, m.View(), "Settings")

	m = update(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.showSettings)
}
