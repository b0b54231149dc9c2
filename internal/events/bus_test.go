package events

import (
	"encoding/json"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Errorf("unexpected event %s", ev.EventType())
	case <-time.After(10 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskDispatchedEvent{ID: "task-1", WorkerID: "worker_0", Attempt: 1, Timestamp: time.Now()})

	received := receive(t, ch)
	if received.TaskID() != "task-1" {
		t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
	}
	if received.EventType() != EventTypeTaskDispatched {
		t.Errorf("expected event type '%s', got '%s'", EventTypeTaskDispatched, received.EventType())
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{ID: "task-2", Result: "success", Duration: 100 * time.Millisecond})

	for i, ch := range []<-chan Event{ch1, ch2} {
		if got := receive(t, ch); got.TaskID() != "task-2" {
			t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, got.TaskID())
		}
	}
}

func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskOutputEvent{ID: "task", Line: "line"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	receive(t, ch)
	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped = %d, want 9", got)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for range ch {
		t.Error("unexpected event after close")
	}
	for range all {
		t.Error("unexpected event after close")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "late"})
	if _, ok := <-bus.Subscribe(TopicTask, 1); ok {
		t.Error("subscription after close should be closed")
	}
}

func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	workerCh := bus.Subscribe(TopicWorker, 10)

	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "task-1"})
	bus.Publish(TopicWorker, WorkerStateEvent{WorkerID: "worker_0", From: "idle", To: "assigned", Task: "task-1"})

	if got := receive(t, taskCh); got.EventType() != EventTypeTaskSubmitted {
		t.Errorf("task channel got %s", got.EventType())
	}
	got := receive(t, workerCh)
	if got.EventType() != EventTypeWorkerState || got.TaskID() != "task-1" {
		t.Errorf("worker channel got %s for %q", got.EventType(), got.TaskID())
	}

	expectNone(t, taskCh)
	expectNone(t, workerCh)
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskFailedEvent{ID: "task-1", Error: "boom", Kind: "execution", Requeued: true})
	bus.Publish(TopicSystem, ProgressEvent{Total: 10, Completed: 5, Running: 2, Pending: 3})
	bus.Publish(TopicSystem, AlertEvent{Kind: "failure_rate", Message: "High task failure rate: 50.0%"})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 3; i++ {
		receivedTypes[receive(t, allCh).EventType()] = true
	}
	for _, want := range []string{EventTypeTaskFailed, EventTypeProgress, EventTypeAlert} {
		if !receivedTypes[want] {
			t.Errorf("SubscribeAll missed %s", want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	keep := bus.Subscribe(TopicTask, 10)
	drop := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(drop)
	bus.Unsubscribe(all)
	bus.Unsubscribe(make(chan Event)) // unknown channel is ignored

	if _, ok := <-drop; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed SubscribeAll channel should be closed")
	}

	bus.Publish(TopicTask, TaskSubmittedEvent{ID: "task-1"})
	if got := receive(t, keep); got.TaskID() != "task-1" {
		t.Errorf("remaining subscriber got %q", got.TaskID())
	}
}

func TestEventsEncodeAsJSON(t *testing.T) {
	ev := TaskFailedEvent{ID: "t1", WorkerID: "worker_2", Error: "timeout", Kind: "timeout", RetriesUsed: 1}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["task_id"] != "t1" || decoded["error_kind"] != "timeout" || decoded["requeued"] != false {
		t.Errorf("decoded = %v", decoded)
	}
}
