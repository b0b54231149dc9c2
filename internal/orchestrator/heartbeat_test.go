package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

func newIdleWorkers(clock *fakeClock, bus *events.EventBus, idle func(), ids ...string) []*Worker {
	env := &workerEnv{
		bus:    bus,
		logger: slog.New(slog.DiscardHandler),
		now:    clock.Now,
		idle:   idle,
	}
	workers := make([]*Worker, len(ids))
	for i, id := range ids {
		workers[i] = newWorker(id, env, persistence.WorkerRecord{})
	}
	return workers
}

func TestHeartbeatMonitor_FlagsSilentWorkers(t *testing.T) {
	clock := newFakeClock()
	bus := events.NewEventBus()
	sub := bus.Subscribe(events.TopicWorker, 16)
	var revived atomic.Int32
	workers := newIdleWorkers(clock, bus, func() { revived.Add(1) }, "worker-1", "worker-2")

	busy := &scheduler.Task{ID: "t1", Epoch: 3}
	require.True(t, workers[1].reserve())
	workers[1].mu.Lock()
	workers[1].task = busy
	workers[1].mu.Unlock()

	var lost []string
	var lostTasks []*scheduler.Task
	m := &HeartbeatMonitor{
		interval: time.Second,
		grace:    3 * time.Second,
		workers:  func() []*Worker { return workers },
		logger:   slog.New(slog.DiscardHandler),
		now:      clock.Now,
		lost: func(_ context.Context, w *Worker, task *scheduler.Task) {
			lost = append(lost, w.ID())
			lostTasks = append(lostTasks, task)
		},
	}

	clock.Advance(2 * time.Second)
	assert.Empty(t, m.Check(context.Background()), "within grace")

	clock.Advance(2 * time.Second)
	workers[0].Heartbeat()
	flagged := m.Check(context.Background())
	assert.Equal(t, []string{"worker-2"}, flagged)
	assert.Equal(t, []string{"worker-2"}, lost)
	require.NotNil(t, lostTasks[0])
	assert.Equal(t, "t1", lostTasks[0].ID)
	assert.Equal(t, 3, lostTasks[0].Epoch)
	assert.Equal(t, WorkerUnresponsive, workers[1].Snapshot().State)
	assert.False(t, workers[1].available())

	// Already flagged workers are not reported again.
	clock.Advance(time.Hour)
	workers[0].Heartbeat()
	assert.Empty(t, m.Check(context.Background()))

	var transitions []string
	for len(sub) > 0 {
		ev := (<-sub).(events.WorkerStateEvent)
		transitions = append(transitions, ev.WorkerID+":"+ev.From+"->"+ev.To)
	}
	assert.Equal(t, []string{
		"worker-2:idle->assigned",
		"worker-2:assigned->unresponsive",
	}, transitions)
	assert.Zero(t, revived.Load())
}

func TestWorker_HeartbeatRevivesIdleWorker(t *testing.T) {
	clock := newFakeClock()
	var revived atomic.Int32
	w := newIdleWorkers(clock, nil, func() { revived.Add(1) }, "worker-1")[0]

	clock.Advance(time.Minute)
	task, changed := w.markUnresponsive(clock.Now(), 10*time.Second)
	require.True(t, changed)
	assert.Nil(t, task)
	assert.False(t, w.reserve(), "unresponsive workers take no work")

	w.Heartbeat()
	assert.Equal(t, WorkerIdle, w.Snapshot().State)
	assert.Equal(t, clock.Now(), w.Snapshot().LastHeartbeat)
	assert.EqualValues(t, 1, revived.Load())
}

func TestWorker_AssignWhenBusy(t *testing.T) {
	w := newIdleWorkers(newFakeClock(), nil, func() {}, "worker-1")[0]

	task := &scheduler.Task{ID: "t1", Epoch: 1}
	assert.Equal(t, Accepted, w.Assign(task))
	assert.Equal(t, Busy, w.Assign(&scheduler.Task{ID: "t2", Epoch: 1}))
	assert.Equal(t, "busy", Busy.String())

	snap := w.Snapshot()
	assert.Equal(t, WorkerAssigned, snap.State)
	assert.Equal(t, "t1", snap.CurrentTask)

	assert.False(t, w.abort("t1", 2), "wrong epoch")
	assert.False(t, w.abort("t1", 1), "not executing yet")
}
