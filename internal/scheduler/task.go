package scheduler

import (
	"slices"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // Queued, waiting for a worker and its dependencies
	StatusInProgress Status = "in_progress" // Held by exactly one worker
	StatusCompleted  Status = "completed"   // Finished successfully
	StatusFailed     Status = "failed"      // Finished with an error
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ErrorKind classifies why a task attempt failed.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindExecution ErrorKind = "execution" // A command exited unsuccessfully
	KindTimeout   ErrorKind = "timeout"   // Worker, heartbeat or adviser deadline expired
	KindCancelled ErrorKind = "cancelled" // Aborted by shutdown before finishing
	KindInternal  ErrorKind = "internal"  // Invalid transition or other defect
)

// Priority bounds. Lower values are more urgent.
const (
	PriorityCritical   = 1
	PriorityNormal     = 5
	PriorityBackground = 9
)

// Task represents a unit of work: an ordered list of commands run by one worker.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Commands      []string   `json:"commands"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"status"`
	DependsOn     []string   `json:"depends_on"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	RetriesUsed   int        `json:"retries_used"`
	MaxRetries    int        `json:"max_retries"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
	Quarantined   bool       `json:"quarantined,omitempty"`

	// Epoch increments on every dispatch so late reports from a previous
	// holder can be told apart from the current attempt.
	Epoch int `json:"epoch"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Commands = slices.Clone(t.Commands)
	c.DependsOn = slices.Clone(t.DependsOn)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.DispatchedAt != nil {
		ts := *t.DispatchedAt
		c.DispatchedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Terminal reports whether the task has reached a final state with no
// further transitions possible.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return t.RetriesUsed >= t.MaxRetries
	}
	return false
}

// Elapsed returns how long the task has been running in its current attempt.
// StartedAt keeps the first dispatch; DispatchedAt tracks the latest one.
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.Status != StatusInProgress || t.DispatchedAt == nil {
		return 0
	}
	return now.Sub(*t.DispatchedAt)
}
