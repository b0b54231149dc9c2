package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aristath/conductor/internal/scheduler"
)

// pragmas are applied by the driver to every new connection, so all pooled
// connections enforce foreign keys and wait on locks the same way.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// SQLiteStore is the durable store for tasks, attempts, system logs and
// worker metrics.
type SQLiteStore struct {
	db *sql.DB

	// Retry policy for writes that hit SQLITE_BUSY or SQLITE_LOCKED.
	retryInitial time.Duration
	retryMax     uint64
}

var _ scheduler.TaskStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed and runs in WAL mode.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&%s", dbPath, pragmas)

	// Two connections: WAL lets a reader proceed while the other writes.
	return open(ctx, connStr, 2)
}

// NewMemoryStore creates a private in-memory store, mainly for tests.
// Each call gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)

	// Shared-cache memory databases lock at table level and ignore
	// busy_timeout, so a single connection avoids spurious SQLITE_LOCKED.
	return open(ctx, connStr, 1)
}

func open(ctx context.Context, connStr string, maxConns int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	store := &SQLiteStore{
		db:           db,
		retryInitial: 25 * time.Millisecond,
		retryMax:     5,
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// writeTx runs fn inside an immediate transaction, retrying the whole
// transaction with exponential backoff while SQLite reports the database as
// busy or locked.
func (s *SQLiteStore) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	operation := func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return classify(fmt.Errorf("failed to begin transaction: %w", err))
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(fmt.Errorf("failed to commit transaction: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, s.retryMax), ctx))
}

// classify marks every error except busy/locked as permanent so backoff
// stops retrying immediately.
func classify(err error) error {
	if isBusy(err) {
		return err
	}
	return backoff.Permanent(err)
}

// isBusy reports whether err carries SQLITE_BUSY or SQLITE_LOCKED, including
// their extended codes.
func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, scheduler.ErrNotFound)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
