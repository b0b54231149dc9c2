// Package api exposes the coordinator over HTTP: JSON endpoints for
// submissions, queries and lifecycle control, plus a server-sent event
// stream of engine events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Engine is the part of the coordinator the API serves.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubmitTask(ctx context.Context, sub scheduler.Submission) (*scheduler.Task, error)
	SubmitBatch(ctx context.Context, items []scheduler.BatchItem) ([]*scheduler.Task, error)
	SubmitWorkflow(ctx context.Context, project string, features []string, opts scheduler.WorkflowOptions) ([]*scheduler.Task, error)
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, filter scheduler.Filter) ([]*scheduler.Task, error)
	Attempts(ctx context.Context, id string) ([]persistence.Attempt, error)
	Status(ctx context.Context) (*orchestrator.SystemStatus, error)
	Logs(ctx context.Context, limit int) ([]persistence.LogEntry, error)
	Alerts() []orchestrator.Alert
	Events() *events.EventBus
}

var _ Engine = (*orchestrator.Coordinator)(nil)

// Handlers bundles the REST handler dependencies.
type Handlers struct {
	Engine  Engine
	Logger  *slog.Logger
	Version string
}

// SubmitTaskRequest is the body of a task submission.
type SubmitTaskRequest struct {
	Description string   `json:"description"`
	Commands    []string `json:"commands"`
	Priority    int      `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// BatchItemRequest is one task of a batch. Key names it within the batch and
// After lists the keys it depends on.
type BatchItemRequest struct {
	Key string `json:"key"`
	SubmitTaskRequest
	After []string `json:"after,omitempty"`
}

// SubmitBatchRequest is the body of a batch submission. Either every task is
// created or none.
type SubmitBatchRequest struct {
	Tasks []BatchItemRequest `json:"tasks"`
}

// SubmitWorkflowRequest is the body of a workflow submission.
type SubmitWorkflowRequest struct {
	ProjectName string   `json:"project_name"`
	Features    []string `json:"features"`
	Scaffold    bool     `json:"scaffold,omitempty"`
	Finalize    bool     `json:"finalize,omitempty"`
}

func (req SubmitTaskRequest) submission() scheduler.Submission {
	return scheduler.Submission{
		Description: req.Description,
		Commands:    req.Commands,
		Priority:    req.Priority,
		DependsOn:   req.DependsOn,
	}
}

// TaskDetail is a task with its attempt history.
type TaskDetail struct {
	*scheduler.Task
	Attempts []persistence.Attempt `json:"attempts"`
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.submitTask)
	mux.HandleFunc("POST /api/submit-task", h.submitTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)

	mux.HandleFunc("POST /api/batches", h.submitBatch)
	mux.HandleFunc("POST /api/workflows", h.submitWorkflow)
	mux.HandleFunc("POST /api/submit-workflow", h.submitWorkflow)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("POST /api/start", h.start)
	mux.HandleFunc("POST /api/system/start", h.start)
	mux.HandleFunc("POST /api/stop", h.stop)
	mux.HandleFunc("POST /api/system/stop", h.stop)

	mux.HandleFunc("GET /api/logs", h.logs)
	mux.HandleFunc("GET /api/alerts", h.alerts)
	mux.HandleFunc("GET /api/events", h.stream)

	mux.HandleFunc("GET /healthz", h.healthz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps an engine error to its HTTP status.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case scheduler.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyStarted), errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Task handlers ---

func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := h.Engine.SubmitTask(r.Context(), req.submission())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.ID})
}

func (h *Handlers) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	items := make([]scheduler.BatchItem, len(req.Tasks))
	for i, it := range req.Tasks {
		items[i] = scheduler.BatchItem{Key: it.Key, Submission: it.submission(), After: it.After}
	}
	tasks, err := h.Engine.SubmitBatch(r.Context(), items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"task_ids": taskIDs(tasks)})
}

func (h *Handlers) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req SubmitWorkflowRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	tasks, err := h.Engine.SubmitWorkflow(r.Context(), req.ProjectName, req.Features, scheduler.WorkflowOptions{
		Scaffold: req.Scaffold,
		Finalize: req.Finalize,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"task_ids": taskIDs(tasks)})
}

func taskIDs(tasks []*scheduler.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := h.Engine.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	attempts, err := h.Engine.Attempts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []persistence.Attempt{}
	}
	writeJSON(w, http.StatusOK, TaskDetail{Task: task, Attempts: attempts})
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter scheduler.Filter

	if s := q.Get("status"); s != "" {
		filter.Status = scheduler.Status(s)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+s)
			return
		}
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	tasks, err := h.Engine.ListTasks(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- System handlers ---

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) start(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Start(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Stop(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handlers) logs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := h.Engine.Logs(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []persistence.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) alerts(w http.ResponseWriter, _ *http.Request) {
	alerts := h.Engine.Alerts()
	if alerts == nil {
		alerts = []orchestrator.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
}
