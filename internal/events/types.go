package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask   = "task"
	TopicWorker = "worker"
	TopicSystem = "system"
)

// Event type constants
const (
	EventTypeTaskSubmitted   = "task.submitted"
	EventTypeTaskDispatched  = "task.dispatched"
	EventTypeTaskOutput      = "task.output"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskQuarantined = "task.quarantined"
	EventTypeWorkerState     = "worker.state"
	EventTypeAlert           = "system.alert"
	EventTypeProgress        = "system.progress"
	EventTypeSystemState     = "system.state"
)

// TaskSubmittedEvent is published when a task is accepted and persisted.
type TaskSubmittedEvent struct {
	ID          string    `json:"task_id"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	DependsOn   []string  `json:"depends_on,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskDispatchedEvent is published when a worker accepts a task.
type TaskDispatchedEvent struct {
	ID        string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published when a command of a task produces output.
type TaskOutputEvent struct {
	ID        string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Command   string    `json:"command"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	Result    string        `json:"result"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt fails. Requeued reports
// whether the task went back to the queue for another attempt.
type TaskFailedEvent struct {
	ID          string        `json:"task_id"`
	WorkerID    string        `json:"worker_id"`
	Error       string        `json:"error"`
	Kind        string        `json:"error_kind"`
	Requeued    bool          `json:"requeued"`
	RetriesUsed int           `json:"retries_used"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskQuarantinedEvent is published when a task is excluded from dispatch
// after an invalid transition.
type TaskQuarantinedEvent struct {
	ID        string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskQuarantinedEvent) EventType() string { return EventTypeTaskQuarantined }
func (e TaskQuarantinedEvent) TaskID() string    { return e.ID }

// WorkerStateEvent is published on every worker state change.
type WorkerStateEvent struct {
	WorkerID  string    `json:"worker_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Task      string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WorkerStateEvent) EventType() string { return EventTypeWorkerState }
func (e WorkerStateEvent) TaskID() string    { return e.Task }

// AlertEvent is published for every alert raised by the adviser.
type AlertEvent struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Task      string    `json:"task_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) TaskID() string    { return e.Task }

// ProgressEvent is published when task counts change.
type ProgressEvent struct {
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Running   int       `json:"running"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }

// SystemStateEvent is published when the coordinator starts or stops.
type SystemStateEvent struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func (e SystemStateEvent) EventType() string { return EventTypeSystemState }
func (e SystemStateEvent) TaskID() string    { return "" }
