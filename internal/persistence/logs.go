package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is one persisted system log record.
type LogEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// AppendLog stores a log record. Details are encoded as a JSON object.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry LogEntry) error {
	var details any
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		details = string(b)
	}

	return s.writeTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO system_logs (timestamp, level, component, message, details)
			VALUES (?, ?, ?, ?, ?)
		`, entry.Timestamp.UTC(), entry.Level, entry.Component, entry.Message, details)
		if err != nil {
			return fmt.Errorf("failed to insert log: %w", err)
		}
		return nil
	})
}

// RecentLogs returns up to limit log records, newest first.
func (s *SQLiteStore) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, level, component, message, details
		FROM system_logs
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Component, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		if details.Valid && details.String != "" {
			// Undecodable details are dropped rather than failing the read.
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return entries, nil
}
