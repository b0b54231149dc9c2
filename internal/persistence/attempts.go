package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// maxAttemptOutput bounds the output excerpt kept per attempt.
const maxAttemptOutput = 4096

// Attempt is one dispatch of a task to a worker.
type Attempt struct {
	TaskID     string              `json:"task_id"`
	Number     int                 `json:"attempt"`
	WorkerID   string              `json:"worker_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Outcome    scheduler.Status    `json:"outcome,omitempty"`
	ErrorKind  scheduler.ErrorKind `json:"error_kind,omitempty"`
	Output     string              `json:"output,omitempty"`
}

// StartAttempt records the start of an attempt. Number is the task epoch, so
// restarting an attempt number overwrites the earlier row.
func (s *SQLiteStore) StartAttempt(ctx context.Context, a Attempt) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_attempts (task_id, attempt, worker_id, started_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id, attempt) DO UPDATE SET
				worker_id = excluded.worker_id,
				started_at = excluded.started_at,
				finished_at = NULL,
				outcome = '',
				error_kind = '',
				output = ''
		`, a.TaskID, a.Number, a.WorkerID, a.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to start attempt %d of %s: %w", a.Number, a.TaskID, err)
		}
		return nil
	})
}

// FinishAttempt records the outcome of an attempt. Output is truncated to a
// bounded excerpt.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, a Attempt) error {
	output := a.Output
	if len(output) > maxAttemptOutput {
		output = output[len(output)-maxAttemptOutput:]
	}
	finished := time.Now()
	if a.FinishedAt != nil {
		finished = *a.FinishedAt
	}

	return s.writeTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_attempts
			SET finished_at = ?, outcome = ?, error_kind = ?, output = ?
			WHERE task_id = ? AND attempt = ?
		`, finished.UTC(), string(a.Outcome), string(a.ErrorKind), output, a.TaskID, a.Number)
		if err != nil {
			return fmt.Errorf("failed to finish attempt %d of %s: %w", a.Number, a.TaskID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("attempt", fmt.Sprintf("%s#%d", a.TaskID, a.Number))
		}
		return nil
	})
}

// ListAttempts returns the attempts of a task in order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt, worker_id, started_at, finished_at, outcome, error_kind, output
		FROM task_attempts
		WHERE task_id = ?
		ORDER BY attempt ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var a Attempt
		var finished sql.NullTime
		var outcome, kind string
		if err := rows.Scan(&a.TaskID, &a.Number, &a.WorkerID, &a.StartedAt, &finished, &outcome, &kind, &a.Output); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.FinishedAt = timePtr(finished)
		a.Outcome = scheduler.Status(outcome)
		a.ErrorKind = scheduler.ErrorKind(kind)
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}
