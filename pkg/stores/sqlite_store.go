// Package stores persists run history to a local SQLite database.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/mariner-sh/mariner/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunRecord is a persisted convergence run.
type RunRecord struct {
	ID                 string
	StartedAt          time.Time
	Duration           time.Duration
	Applied            int
	Unchanged          int
	Skipped            int
	Failed             int
	NotificationsFired int
	Success            bool
	Failures           []FailureRecord
}

// FailureRecord is a persisted per-resource failure.
type FailureRecord struct {
	Resource string
	Reason   string
}

// ErrRunNotFound is returned when a run id is not in the history.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore records run history. It implements engine.RunRecorder.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Connection-level setting, not covered by the DSN on every driver.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun implements engine.RunRecorder.
func (s *SQLiteStore) RecordRun(ctx context.Context, summary *engine.RunSummary) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, duration_ms, applied, unchanged, skipped, failed, notifications_fired, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.RunID,
		summary.StartedAt.UTC(),
		summary.Duration.Milliseconds(),
		summary.Applied,
		summary.Unchanged,
		summary.Skipped,
		summary.Failed,
		summary.NotificationsFired,
		summary.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, failure := range summary.Failures {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_failures (run_id, resource, reason) VALUES (?, ?, ?)`,
			summary.RunID, failure.Resource.String(), failure.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun returns a single run with its failures.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, duration_ms, applied, unchanged, skipped, failed, notifications_fired, success
		FROM runs WHERE id = ?`, runID)

	record, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, reason FROM run_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var failure FailureRecord
		if err := rows.Scan(&failure.Resource, &failure.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan run failure: %w", err)
		}
		record.Failures = append(record.Failures, failure)
	}
	return record, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, duration_ms, applied, unchanged, skipped, failed, notifications_fired, success
		FROM runs ORDER BY started_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PruneRuns deletes history older than the retention window and returns
// the number of runs removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	cutoff := time.Now().Add(-olderThan).UTC()
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var record RunRecord
	var durationMS int64
	err := row.Scan(
		&record.ID,
		&record.StartedAt,
		&durationMS,
		&record.Applied,
		&record.Unchanged,
		&record.Skipped,
		&record.Failed,
		&record.NotificationsFired,
		&record.Success,
	)
	if err != nil {
		return nil, err
	}
	record.Duration = time.Duration(durationMS) * time.Millisecond
	return &record, nil
}
