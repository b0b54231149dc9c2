package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorkerRecord holds the persisted metrics of one worker.
type WorkerRecord struct {
	ID             string
	TasksCompleted int
	TasksFailed    int
	TotalExecution time.Duration
	LastHeartbeat  *time.Time
}

// AverageExecution returns the mean duration of finished tasks.
func (w WorkerRecord) AverageExecution() time.Duration {
	n := w.TasksCompleted + w.TasksFailed
	if n == 0 {
		return 0
	}
	return w.TotalExecution / time.Duration(n)
}

// SaveWorker upserts worker metrics.
func (s *SQLiteStore) SaveWorker(ctx context.Context, w WorkerRecord) error {
	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, tasks_completed, tasks_failed, total_execution_ms, last_heartbeat, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				tasks_completed = excluded.tasks_completed,
				tasks_failed = excluded.tasks_failed,
				total_execution_ms = excluded.total_execution_ms,
				last_heartbeat = excluded.last_heartbeat,
				updated_at = excluded.updated_at
		`, w.ID, w.TasksCompleted, w.TasksFailed, w.TotalExecution.Milliseconds(), nullTime(w.LastHeartbeat), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save worker %s: %w", w.ID, err)
		}
		return nil
	})
}

// LoadWorkers returns all persisted worker records ordered by id.
func (s *SQLiteStore) LoadWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tasks_completed, tasks_failed, total_execution_ms, last_heartbeat
		FROM workers
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	workers := []WorkerRecord{}
	for rows.Next() {
		var w WorkerRecord
		var totalMS int64
		var hb sql.NullTime
		if err := rows.Scan(&w.ID, &w.TasksCompleted, &w.TasksFailed, &totalMS, &hb); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		w.TotalExecution = time.Duration(totalMS) * time.Millisecond
		w.LastHeartbeat = timePtr(hb)
		workers = append(workers, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}
