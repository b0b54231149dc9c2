package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

type adviserFixture struct {
	adviser  *Adviser
	registry *scheduler.Registry
	clock    *fakeClock
	bus      *events.EventBus

	mu      sync.Mutex
	workers []WorkerSnapshot
	signals []Signal
}

func newAdviserFixture(t *testing.T) *adviserFixture {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &adviserFixture{
		clock:   newFakeClock(),
		bus:     events.NewEventBus(),
		workers: []WorkerSnapshot{{ID: "worker-1", State: WorkerIdle, Running: true}},
	}
	logger := slog.New(slog.DiscardHandler)
	f.registry = scheduler.NewRegistry(store, scheduler.RegistryConfig{MaxRetries: 1, Now: f.clock.Now}, logger)

	signals := NewSignals(4, func(_ context.Context, sig Signal) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.signals = append(f.signals, sig)
		return nil
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		signals.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.adviser = &Adviser{
		cfg: config.AdviserConfig{
			CheckInterval: config.Duration(time.Minute),
			AlertThresholds: config.AlertThresholds{
				FailureRate:      0.2,
				StuckTaskTimeout: config.Duration(10 * time.Minute),
			},
		},
		registry: f.registry,
		counts:   store.CountByStatus,
		workers: func() []WorkerSnapshot {
			f.mu.Lock()
			defer f.mu.Unlock()
			return append([]WorkerSnapshot(nil), f.workers...)
		},
		signals:  signals,
		bus:      f.bus,
		logger:   logger,
		now:      f.clock.Now,
		notified: make(map[string]bool),
	}
	return f
}

func (f *adviserFixture) setWorkers(ws ...WorkerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers = ws
}

// dispatch submits a task and moves it to in_progress.
func (f *adviserFixture) dispatch(t *testing.T) *scheduler.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.registry.Submit(ctx, scheduler.Submission{Description: "work", Commands: []string{"run"}})
	require.NoError(t, err)
	task, err = f.registry.Transition(ctx, task.ID, scheduler.StatusInProgress, scheduler.Payload{Agent: "worker-1"})
	require.NoError(t, err)
	return task
}

func kinds(alerts []Alert) []AlertKind {
	out := make([]AlertKind, len(alerts))
	for i, a := range alerts {
		out[i] = a.Kind
	}
	return out
}

func TestAdviser_HealthySystemRaisesNothing(t *testing.T) {
	f := newAdviserFixture(t)
	f.dispatch(t)

	snap := f.adviser.Check(context.Background())
	assert.Empty(t, snap.Alerts)
	assert.Equal(t, 1, snap.Tasks[scheduler.StatusInProgress])
	assert.Zero(t, snap.Samples)
	assert.Len(t, snap.Workers, 1)
}

func TestAdviser_HighFailureRate(t *testing.T) {
	f := newAdviserFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe(events.TopicSystem, 16)

	for range 2 {
		task := f.dispatch(t)
		_, err := f.registry.Fail(ctx, task.ID, task.Epoch, "boom", scheduler.KindExecution)
		require.NoError(t, err)
	}

	snap := f.adviser.Check(ctx)
	require.Equal(t, []AlertKind{AlertHighFailureRate}, kinds(snap.Alerts))
	assert.Equal(t, 2, snap.Samples)
	assert.Contains(t, snap.Alerts[0].Message, "100%")

	select {
	case ev := <-sub:
		alert, ok := ev.(events.AlertEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, string(AlertHighFailureRate), alert.Kind)
	case <-time.After(time.Second):
		t.Fatal("no alert event published")
	}
}

func TestAdviser_NoActiveWorkers(t *testing.T) {
	f := newAdviserFixture(t)
	f.setWorkers(WorkerSnapshot{ID: "worker-1", State: WorkerStopped})

	snap := f.adviser.Check(context.Background())
	require.Equal(t, []AlertKind{AlertNoActiveWorkers}, kinds(snap.Alerts))
	assert.Equal(t, "No active workers detected", snap.Alerts[0].Message)
}

func TestAdviser_UnresponsiveWorkerAlertedOncePerEpisode(t *testing.T) {
	f := newAdviserFixture(t)
	ctx := context.Background()
	healthy := WorkerSnapshot{ID: "worker-2", State: WorkerExecuting}
	lost := WorkerSnapshot{ID: "worker-1", State: WorkerUnresponsive, CurrentTask: "t1"}

	f.setWorkers(lost, healthy)
	snap := f.adviser.Check(ctx)
	require.Equal(t, []AlertKind{AlertUnresponsiveWorker}, kinds(snap.Alerts))
	assert.Equal(t, "worker-1", snap.Alerts[0].WorkerID)
	assert.Equal(t, "t1", snap.Alerts[0].TaskID)

	assert.Empty(t, f.adviser.Check(ctx).Alerts, "ongoing condition is not repeated")

	f.setWorkers(WorkerSnapshot{ID: "worker-1", State: WorkerIdle}, healthy)
	assert.Empty(t, f.adviser.Check(ctx).Alerts)

	f.setWorkers(lost, healthy)
	assert.Equal(t, []AlertKind{AlertUnresponsiveWorker}, kinds(f.adviser.Check(ctx).Alerts))
	assert.Len(t, f.adviser.Alerts(), 2)
}

func TestAdviser_OngoingConditionsAreNotRepeated(t *testing.T) {
	f := newAdviserFixture(t)
	ctx := context.Background()

	failed := f.dispatch(t)
	_, err := f.registry.Fail(ctx, failed.ID, failed.Epoch, "boom", scheduler.KindExecution)
	require.NoError(t, err)
	stuck := f.dispatch(t)
	f.clock.Advance(11 * time.Minute)
	f.setWorkers(WorkerSnapshot{ID: "worker-1", State: WorkerStopped})

	first := f.adviser.Check(ctx)
	assert.ElementsMatch(t, []AlertKind{AlertHighFailureRate, AlertNoActiveWorkers, AlertStuckTask}, kinds(first.Alerts))

	assert.Empty(t, f.adviser.Check(ctx).Alerts, "ongoing conditions are not repeated")
	assert.Len(t, f.adviser.Alerts(), 3)

	f.mu.Lock()
	signalled := len(f.signals)
	f.mu.Unlock()
	assert.Equal(t, 2, signalled, "stuck attempts are still signalled on every check")

	f.setWorkers(WorkerSnapshot{ID: "worker-1", State: WorkerIdle})
	f.adviser.Check(ctx)
	f.setWorkers(WorkerSnapshot{ID: "worker-1", State: WorkerStopped})
	assert.Equal(t, []AlertKind{AlertNoActiveWorkers}, kinds(f.adviser.Check(ctx).Alerts),
		"a condition that cleared is raised again")
	assert.Equal(t, stuck.ID, first.Alerts[indexOfKind(first.Alerts, AlertStuckTask)].TaskID)
}

func indexOfKind(alerts []Alert, kind AlertKind) int {
	for i, a := range alerts {
		if a.Kind == kind {
			return i
		}
	}
	return -1
}

func TestAdviser_StuckTaskIsSignalled(t *testing.T) {
	f := newAdviserFixture(t)
	task := f.dispatch(t)

	f.clock.Advance(5 * time.Minute)
	assert.Empty(t, f.adviser.Check(context.Background()).Alerts)

	f.clock.Advance(6 * time.Minute)
	snap := f.adviser.Check(context.Background())
	require.Equal(t, []AlertKind{AlertStuckTask}, kinds(snap.Alerts))
	assert.Equal(t, task.ID, snap.Alerts[0].TaskID)
	assert.Equal(t, "worker-1", snap.Alerts[0].WorkerID)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.signals, 1)
	assert.Equal(t, SignalForceTimeout, f.signals[0].Kind)
	assert.Equal(t, task.ID, f.signals[0].TaskID)
	assert.Equal(t, task.Epoch, f.signals[0].Epoch)
}

func TestAdviser_AlertHistoryIsBounded(t *testing.T) {
	f := newAdviserFixture(t)

	raised := make([]Alert, maxAlertHistory+5)
	for i := range raised {
		raised[i] = Alert{Kind: AlertStuckTask, Message: fmt.Sprintf("alert %d", i)}
	}
	f.adviser.record(raised, nil)

	all := f.adviser.Alerts()
	require.Len(t, all, maxAlertHistory)
	assert.Equal(t, "alert 5", all[0].Message)

	recent := f.adviser.RecentAlerts(2)
	require.Len(t, recent, 2)
	assert.Equal(t, fmt.Sprintf("alert %d", maxAlertHistory+4), recent[1].Message)
}

func TestAdviser_RunStopsWithContext(t *testing.T) {
	f := newAdviserFixture(t)
	f.adviser.cfg.CheckInterval = config.Duration(10 * time.Millisecond)
	f.setWorkers()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.adviser.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.adviser.Alerts()) > 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.adviser.Running())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, f.adviser.Running())
}
