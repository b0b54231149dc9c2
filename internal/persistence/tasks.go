package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/conductor/internal/scheduler"
)

const taskColumns = `id, description, commands, priority, status, assigned_agent,
	created_at, started_at, dispatched_at, completed_at, updated_at,
	retries_used, max_retries, result, error, error_kind, workspace_path, quarantined, epoch`

// SaveTask saves or updates a task and its dependencies in one transaction.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	return s.SaveTasks(ctx, []*scheduler.Task{task})
}

// SaveTasks upserts tasks in order inside a single transaction. Dependencies
// must already exist or appear earlier in tasks.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		for _, task := range tasks {
			if err := upsertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertTask(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	commands, err := json.Marshal(task.Commands)
	if err != nil {
		return fmt.Errorf("failed to encode commands: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			commands = excluded.commands,
			priority = excluded.priority,
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			started_at = excluded.started_at,
			dispatched_at = excluded.dispatched_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			retries_used = excluded.retries_used,
			max_retries = excluded.max_retries,
			result = excluded.result,
			error = excluded.error,
			error_kind = excluded.error_kind,
			workspace_path = excluded.workspace_path,
			quarantined = excluded.quarantined,
			epoch = excluded.epoch
	`,
		task.ID, task.Description, string(commands), task.Priority, string(task.Status), task.AssignedAgent,
		task.CreatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.DispatchedAt), nullTime(task.CompletedAt), task.UpdatedAt.UTC(),
		task.RetriesUsed, task.MaxRetries, task.Result, task.Error, string(task.ErrorKind), task.WorkspacePath, task.Quarantined, task.Epoch,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}

	// Dependencies never change after creation, so existing rows are kept.
	for i, depID := range task.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, position)
			VALUES (?, ?, ?)
			ON CONFLICT(task_id, depends_on_id) DO NOTHING
		`, task.ID, depID, i)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if isNoRows(err) {
		return nil, notFound("task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter scheduler.Filter) ([]*scheduler.Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	var args []any

	if filter.Status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	q.WriteString(" ORDER BY created_at DESC, rowid DESC")
	if filter.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			q.WriteString(" OFFSET ?")
			args = append(args, filter.Offset)
		}
	}

	return s.queryTasks(ctx, q.String(), args...)
}

// LoadActive returns every task that may still change state, oldest first.
func (s *SQLiteStore) LoadActive(ctx context.Context) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) OR (status = ? AND retries_used < max_retries)
		ORDER BY created_at, rowid
	`, string(scheduler.StatusPending), string(scheduler.StatusInProgress), string(scheduler.StatusFailed))
}

// CountByStatus returns the number of tasks in each status. Every status is
// present in the result, zero when no task has it.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	counts := map[scheduler.Status]int{
		scheduler.StatusPending:    0,
		scheduler.StatusInProgress: 0,
		scheduler.StatusCompleted:  0,
		scheduler.StatusFailed:     0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[scheduler.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	// Close before loading dependencies: the in-memory store has one connection.
	rows.Close()

	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// loadDependencies fills DependsOn for tasks, in submission order.
func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	const chunk = 500

	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		t.DependsOn = []string{}
		byID[t.ID] = t
	}

	for start := 0; start < len(tasks); start += chunk {
		end := min(start+chunk, len(tasks))

		ids := make([]any, 0, end-start)
		for _, t := range tasks[start:end] {
			ids = append(ids, t.ID)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, depends_on_id
			FROM task_dependencies
			WHERE task_id IN (`+placeholders+`)
			ORDER BY task_id, position
		`, ids...)
		if err != nil {
			return fmt.Errorf("failed to query dependencies: %w", err)
		}

		for rows.Next() {
			var taskID, depID string
			if err := rows.Scan(&taskID, &depID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			if t := byID[taskID]; t != nil {
				t.DependsOn = append(t.DependsOn, depID)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
	}
	return nil
}

func scanTask(sc scanner) (*scheduler.Task, error) {
	var t scheduler.Task
	var commands, status, kind string
	var startedAt, dispatchedAt, completedAt sql.NullTime

	err := sc.Scan(
		&t.ID, &t.Description, &commands, &t.Priority, &status, &t.AssignedAgent,
		&t.CreatedAt, &startedAt, &dispatchedAt, &completedAt, &t.UpdatedAt,
		&t.RetriesUsed, &t.MaxRetries, &t.Result, &t.Error, &kind, &t.WorkspacePath, &t.Quarantined, &t.Epoch,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commands), &t.Commands); err != nil {
		return nil, fmt.Errorf("failed to decode commands of task %s: %w", t.ID, err)
	}
	t.Status = scheduler.Status(status)
	t.ErrorKind = scheduler.ErrorKind(kind)
	t.StartedAt = timePtr(startedAt)
	t.DispatchedAt = timePtr(dispatchedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}
