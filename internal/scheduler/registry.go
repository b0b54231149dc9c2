package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStore is the durable store behind the registry. The registry is its
// only writer of task records.
type TaskStore interface {
	SaveTask(ctx context.Context, task *Task) error
	// SaveTasks persists all tasks in one transaction.
	SaveTasks(ctx context.Context, tasks []*Task) error
	// GetTask returns an error wrapping ErrNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)
	// LoadActive returns every task that may still change state: pending,
	// in_progress, and failed with retry budget left.
	LoadActive(ctx context.Context) ([]*Task, error)
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// Submission is the input for a single new task.
type Submission struct {
	Description string
	Commands    []string
	Priority    int // 0 selects the configured default
	DependsOn   []string
}

// BatchItem is one task of a batch submission. Key names the task within the
// batch; After lists keys of other items it depends on.
type BatchItem struct {
	Key string
	Submission
	After []string
}

// Payload carries transition data.
type Payload struct {
	Agent     string    // Worker id, required for pending -> in_progress
	Workspace string    // Working directory recorded on pending -> in_progress
	Result    string    // Output for in_progress -> completed
	Error     string    // Error text for in_progress -> failed
	Kind      ErrorKind // Error classification for in_progress -> failed
	Epoch     int       // When non-zero, must name the attempt in progress
}

// RegistryConfig configures retry budget and defaults.
type RegistryConfig struct {
	MaxRetries      int
	DefaultPriority int
	FailureWindow   int              // Number of recent attempt outcomes kept for FailureRate
	Now             func() time.Time // Clock override for tests
}

// Registry is the in-memory mirror of pending and active tasks. Every change
// is written to the store first and only then swapped into the mirror, so a
// crash between the two is repaired by reloading from the store.
type Registry struct {
	store  TaskStore
	cfg    RegistryConfig
	logger *slog.Logger
	locks  *KeyedMutex

	mu      sync.RWMutex
	active  map[string]*Task  // non-terminal tasks, replaced copy-on-write
	settled map[string]Status // terminal statuses, used for readiness

	outMu    sync.Mutex
	outcomes []bool // ring of attempt outcomes, true = failed
	outNext  int
	outCount int
}

// NewRegistry creates an empty registry. Call Load to populate it from the store.
func NewRegistry(store TaskStore, cfg RegistryConfig, logger *slog.Logger) *Registry {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = PriorityNormal
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		locks:    NewKeyedMutex(),
		active:   make(map[string]*Task),
		settled:  make(map[string]Status),
		outcomes: make([]bool, cfg.FailureWindow),
	}
}

// Load replaces the mirror with the active tasks found in the store and
// resolves the statuses of their settled dependencies.
func (r *Registry) Load(ctx context.Context) ([]*Task, error) {
	tasks, err := r.store.LoadActive(ctx)
	if err != nil {
		return nil, &StorageError{Op: "load active tasks", Err: err}
	}

	active := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		active[t.ID] = t
	}

	settled := make(map[string]Status)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := active[dep]; ok {
				continue
			}
			if _, ok := settled[dep]; ok {
				continue
			}
			d, err := r.store.GetTask(ctx, dep)
			if errors.Is(err, ErrNotFound) {
				r.logger.Warn("dependency missing from store", "task_id", t.ID, "dependency", dep)
				continue
			}
			if err != nil {
				return nil, &StorageError{Op: "load dependency " + dep, Err: err}
			}
			settled[dep] = d.Status
		}
	}

	r.mu.Lock()
	r.active = active
	r.settled = settled
	r.mu.Unlock()

	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

// Submit validates and persists a new pending task.
func (r *Registry) Submit(ctx context.Context, sub Submission) (*Task, error) {
	tasks, err := r.SubmitBatch(ctx, []BatchItem{{Key: "task", Submission: sub}})
	if err != nil {
		return nil, err
	}
	return tasks[0], nil
}

// SubmitBatch validates a set of tasks that may reference each other by key,
// assigns ids in dependency order and persists them in one transaction.
// Either every task is created or none is. The returned tasks follow the
// order of items.
func (r *Registry) SubmitBatch(ctx context.Context, items []BatchItem) ([]*Task, error) {
	if len(items) == 0 {
		return nil, invalid("tasks", "at least one task is required")
	}

	keys := make(map[string]int, len(items))
	for i, it := range items {
		if it.Key == "" {
			return nil, invalid("key", "item %d has an empty key", i)
		}
		if _, dup := keys[it.Key]; dup {
			return nil, invalid("key", "duplicate key %q", it.Key)
		}
		keys[it.Key] = i
	}

	graph := make(map[string][]string, len(items))
	for _, it := range items {
		if err := r.validateSubmission(it.Submission); err != nil {
			return nil, err
		}
		for _, after := range it.After {
			if _, ok := keys[after]; !ok {
				return nil, invalid("depends_on", "%q refers to unknown batch key %q", it.Key, after)
			}
		}
		graph[it.Key] = dedupe(it.After)
	}

	order, err := ValidateGraph(graph)
	if err != nil {
		return nil, invalid("depends_on", "%v", err)
	}

	// External dependencies must already exist.
	external := make(map[string]Status)
	for _, it := range items {
		for _, dep := range it.DependsOn {
			if _, seen := external[dep]; seen {
				continue
			}
			status, err := r.lookupStatus(ctx, dep)
			if errors.Is(err, ErrNotFound) {
				return nil, invalid("depends_on", "unknown task id %q", dep)
			}
			if err != nil {
				return nil, err
			}
			external[dep] = status
		}
	}

	now := r.cfg.Now()
	ids := make(map[string]string, len(items))
	created := make([]*Task, len(items))
	for _, key := range order {
		it := items[keys[key]]
		id := uuid.NewString()
		ids[key] = id

		deps := dedupe(it.DependsOn)
		for _, after := range graph[key] {
			deps = append(deps, ids[after])
		}

		priority := it.Priority
		if priority == 0 {
			priority = r.cfg.DefaultPriority
		}

		created[keys[key]] = &Task{
			ID:          id,
			Description: strings.TrimSpace(it.Description),
			Commands:    append([]string(nil), it.Commands...),
			Priority:    priority,
			Status:      StatusPending,
			DependsOn:   dedupe(deps),
			CreatedAt:   now,
			UpdatedAt:   now,
			MaxRetries:  r.cfg.MaxRetries,
		}
	}

	// Persist in dependency order so foreign keys resolve.
	ordered := make([]*Task, 0, len(order))
	for _, key := range order {
		ordered = append(ordered, created[keys[key]])
	}
	if err := r.store.SaveTasks(ctx, ordered); err != nil {
		return nil, &StorageError{Op: "save submitted tasks", Err: err}
	}

	r.mu.Lock()
	for dep, status := range external {
		if _, ok := r.active[dep]; !ok && status != "" {
			r.settled[dep] = status
		}
	}
	for _, t := range created {
		r.active[t.ID] = t
	}
	r.mu.Unlock()

	out := make([]*Task, len(created))
	for i, t := range created {
		out[i] = t.Clone()
	}
	return out, nil
}

func (r *Registry) validateSubmission(sub Submission) error {
	if len(sub.Commands) == 0 {
		return invalid("commands", "at least one command is required")
	}
	for i, c := range sub.Commands {
		if strings.TrimSpace(c) == "" {
			return invalid("commands", "command %d is empty", i)
		}
	}
	if sub.Priority != 0 && (sub.Priority < PriorityCritical || sub.Priority > PriorityBackground) {
		return invalid("priority", "must be within %d..%d, got %d", PriorityCritical, PriorityBackground, sub.Priority)
	}
	return nil
}

// lookupStatus returns the current status of an existing task. Active tasks
// report an empty status since they are not settled.
func (r *Registry) lookupStatus(ctx context.Context, id string) (Status, error) {
	r.mu.RLock()
	_, isActive := r.active[id]
	status, isSettled := r.settled[id]
	r.mu.RUnlock()

	if isActive {
		return "", nil
	}
	if isSettled {
		return status, nil
	}

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", &StorageError{Op: "look up task " + id, Err: err}
	}
	return t.Status, nil
}

// Get returns a copy of the task, from the mirror when active and from the
// store otherwise.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, &StorageError{Op: "get task " + id, Err: err}
	}
	return t, nil
}

// List returns tasks from the store ordered by creation time, newest first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Task, error) {
	tasks, err := r.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, &StorageError{Op: "list tasks", Err: err}
	}
	return tasks, nil
}

// Active returns copies of all non-terminal tasks ordered by creation time.
func (r *Registry) Active() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pending returns copies of the pending tasks that belong in the queue.
func (r *Registry) Pending() []*Task {
	var out []*Task
	for _, t := range r.Active() {
		if t.Status == StatusPending {
			out = append(out, t)
		}
	}
	return out
}

// IsReady reports whether id is pending, not quarantined, and every
// dependency has completed.
func (r *Registry) IsReady(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.active[id]
	if !ok || t.Status != StatusPending || t.Quarantined {
		return false
	}
	for _, dep := range t.DependsOn {
		if r.settled[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked reports whether a pending task is waiting on a dependency that has
// permanently failed and therefore can never become ready.
func (r *Registry) Blocked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.active[id]
	if !ok || t.Status != StatusPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if r.settled[dep] == StatusFailed {
			return true
		}
	}
	return false
}

// Transition applies a single legal state change. Illegal changes quarantine
// the task and return a *TransitionError. Store failures return a
// *StorageError and leave the mirror untouched.
func (r *Registry) Transition(ctx context.Context, id string, to Status, p Payload) (*Task, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	cur, err := r.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEpoch(cur, p.Epoch); err != nil {
		return nil, err
	}
	if err := checkTransition(cur, to); err != nil {
		r.quarantine(ctx, cur, err)
		return nil, err
	}

	next := cur.Clone()
	if err := r.apply(next, to, p); err != nil {
		return nil, err
	}
	return r.commit(ctx, next, "transition "+string(cur.Status)+"->"+string(to))
}

// Dispatch moves a pending task to in_progress on behalf of agent.
func (r *Registry) Dispatch(ctx context.Context, id, agent string) (*Task, error) {
	return r.Transition(ctx, id, StatusInProgress, Payload{Agent: agent})
}

// Complete records a successful attempt.
func (r *Registry) Complete(ctx context.Context, id string, epoch int, result string) (*Task, error) {
	return r.Transition(ctx, id, StatusCompleted, Payload{Result: result, Epoch: epoch})
}

// Fail records a failed attempt and, while retry budget remains, requeues the
// task in the same write: in_progress -> failed -> pending. The returned task
// is pending when it was requeued and failed when the budget is exhausted.
// A KindCancelled attempt was cut short by shutdown rather than by the task
// itself; it is handed back as pending without spending budget.
func (r *Registry) Fail(ctx context.Context, id string, epoch int, errMsg string, kind ErrorKind) (*Task, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	cur, err := r.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkEpoch(cur, epoch); err != nil {
		return nil, err
	}
	if err := checkTransition(cur, StatusFailed); err != nil {
		r.quarantine(ctx, cur, err)
		return nil, err
	}

	next := cur.Clone()
	if kind == KindCancelled {
		r.release(next, errMsg)
		return r.commit(ctx, next, "release")
	}
	if err := r.apply(next, StatusFailed, Payload{Error: errMsg, Kind: kind}); err != nil {
		return nil, err
	}
	if checkTransition(next, StatusPending) == nil {
		if err := r.apply(next, StatusPending, Payload{}); err != nil {
			return nil, err
		}
	}
	return r.commit(ctx, next, "fail")
}

// Recover requeues tasks left in_progress (or failed with budget remaining)
// by a previous process. Each interrupted attempt consumes one retry. Tasks
// whose budget is already spent are failed permanently.
func (r *Registry) Recover(ctx context.Context) (requeued, abandoned []*Task, err error) {
	for _, t := range r.Active() {
		if t.Status == StatusPending {
			continue
		}

		r.locks.Lock(t.ID)
		next, rerr := r.recoverOne(ctx, t.ID)
		r.locks.Unlock(t.ID)
		if rerr != nil {
			return requeued, abandoned, rerr
		}
		if next == nil {
			continue
		}
		if next.Status == StatusPending {
			requeued = append(requeued, next)
		} else {
			abandoned = append(abandoned, next)
		}
	}
	return requeued, abandoned, nil
}

func (r *Registry) recoverOne(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	cur, ok := r.active[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	next := cur.Clone()
	now := r.now(next)
	switch cur.Status {
	case StatusInProgress:
		next.Status = StatusFailed
		next.Error = fmt.Sprintf("attempt on %s interrupted by coordinator restart", cur.AssignedAgent)
		next.ErrorKind = KindCancelled
		next.Result = ""
	case StatusFailed:
	default:
		return nil, nil
	}

	if next.RetriesUsed < next.MaxRetries {
		next.Status = StatusPending
		next.RetriesUsed++
		next.AssignedAgent = ""
		next.DispatchedAt = nil
	} else {
		next.CompletedAt = &now
	}
	next.UpdatedAt = now

	return r.commit(ctx, next, "recover")
}

// checkEpoch rejects a report tagged with an attempt epoch unless that
// attempt is the one currently in progress. Epoch zero skips the check.
func checkEpoch(cur *Task, epoch int) error {
	if epoch == 0 {
		return nil
	}
	if epoch != cur.Epoch || cur.Status != StatusInProgress {
		return fmt.Errorf("%w: task %s is %s at epoch %d, report for %d", ErrStaleReport, cur.ID, cur.Status, cur.Epoch, epoch)
	}
	return nil
}

// current returns the mirrored task or, for settled tasks, the stored copy.
func (r *Registry) current(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.active[id]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, &StorageError{Op: "get task " + id, Err: err}
	}
	return t, nil
}

// apply mutates t for the transition to the given status. It assumes the
// transition has already been checked.
func (r *Registry) apply(t *Task, to Status, p Payload) error {
	now := r.now(t)
	switch to {
	case StatusInProgress:
		if p.Agent == "" {
			return fmt.Errorf("dispatching task %s requires an agent", t.ID)
		}
		t.AssignedAgent = p.Agent
		if p.Workspace != "" {
			t.WorkspacePath = p.Workspace
		}
		t.Epoch++
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.DispatchedAt = &now
	case StatusCompleted:
		t.Result = p.Result
		t.Error = ""
		t.ErrorKind = KindNone
		t.CompletedAt = &now
	case StatusFailed:
		t.Result = ""
		t.Error = p.Error
		if t.Error == "" {
			t.Error = "task failed"
		}
		t.ErrorKind = p.Kind
		if t.ErrorKind == KindNone {
			t.ErrorKind = KindExecution
		}
		if t.RetriesUsed >= t.MaxRetries {
			t.CompletedAt = &now
		}
	case StatusPending:
		t.RetriesUsed++
		t.AssignedAgent = ""
		t.DispatchedAt = nil
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// release returns an in_progress task to pending, keeping its retry count.
func (r *Registry) release(t *Task, reason string) {
	t.Result = ""
	t.Error = reason
	if t.Error == "" {
		t.Error = "attempt cancelled"
	}
	t.ErrorKind = KindCancelled
	t.Status = StatusPending
	t.AssignedAgent = ""
	t.DispatchedAt = nil
	t.UpdatedAt = r.now(t)
}

// commit persists next and swaps it into the mirror. On store failure the
// mirror keeps the previous version.
func (r *Registry) commit(ctx context.Context, next *Task, op string) (*Task, error) {
	if err := r.store.SaveTask(ctx, next); err != nil {
		return nil, &StorageError{Op: op + " " + next.ID, Err: err}
	}

	r.mu.Lock()
	prev := r.active[next.ID]
	if next.Terminal() {
		delete(r.active, next.ID)
		r.settled[next.ID] = next.Status
	} else {
		r.active[next.ID] = next
	}
	r.mu.Unlock()

	if prev != nil && prev.Status == StatusInProgress {
		switch next.Status {
		case StatusCompleted:
			r.recordOutcome(false)
		case StatusFailed, StatusPending:
			if next.ErrorKind != KindCancelled {
				r.recordOutcome(true)
			}
		}
	}
	return next.Clone(), nil
}

// Quarantine flags a task so the dispatcher never picks it again.
func (r *Registry) Quarantine(ctx context.Context, id string, reason error) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	cur, err := r.current(ctx, id)
	if err != nil {
		return err
	}
	r.quarantine(ctx, cur, reason)
	return nil
}

// quarantine flags a task involved in an illegal transition so it is never
// silently dropped and never dispatched again.
func (r *Registry) quarantine(ctx context.Context, cur *Task, cause error) {
	r.logger.Error("invalid transition, quarantining task", "task_id", cur.ID, "error", cause)

	if cur.Quarantined {
		return
	}
	next := cur.Clone()
	next.Quarantined = true
	next.UpdatedAt = r.now(next)
	if _, err := r.commit(ctx, next, "quarantine"); err != nil {
		r.logger.Error("failed to persist quarantine", "task_id", cur.ID, "error", err)
	}
}

// now returns the clock reading, never earlier than the task's last update,
// so timestamps on a task only move forward.
func (r *Registry) now(t *Task) time.Time {
	now := r.cfg.Now()
	if now.Before(t.UpdatedAt) {
		return t.UpdatedAt
	}
	return now
}

func (r *Registry) recordOutcome(failed bool) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.outcomes[r.outNext] = failed
	r.outNext = (r.outNext + 1) % len(r.outcomes)
	if r.outCount < len(r.outcomes) {
		r.outCount++
	}
}

// FailureRate returns the share of failed attempts among the most recent
// outcomes and the number of outcomes considered.
func (r *Registry) FailureRate() (float64, int) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.outCount == 0 {
		return 0, 0
	}
	failed := 0
	for i := 0; i < r.outCount; i++ {
		if r.outcomes[i] {
			failed++
		}
	}
	return float64(failed) / float64(r.outCount), r.outCount
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
