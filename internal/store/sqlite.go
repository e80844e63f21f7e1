// Package store provides durable storage backends for FlowRelay flow runs.
//
// This file implements the SQLite-backed flow run store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/CanopyChat/FlowRelay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the parent directory exists for file-based databases
	if dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create SQLite database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite database", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure the flow_run table exists
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// CreateFlowRun inserts a new active flow run row.
func (s *SQLiteStore) CreateFlowRun(ctx context.Context, run models.FlowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_run (id, flow_id, session_id, current_state, context, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.SessionID, run.CurrentState,
		nilIfEmpty(run.Context), run.Status, run.StartedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateFlowRun failed", "error", err, "flowRunID", run.ID, "sessionID", run.SessionID)
		return fmt.Errorf("failed to insert flow run %s: %w", run.ID, err)
	}
	slog.Debug("SQLiteStore CreateFlowRun succeeded", "flowRunID", run.ID, "sessionID", run.SessionID, "flowID", run.FlowID)
	return nil
}

// GetFlowRun retrieves a flow run by id, or nil if no row exists.
func (s *SQLiteStore) GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE id = ?`, id)
	run, err := scanFlowRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowRun failed", "error", err, "flowRunID", id)
		return nil, fmt.Errorf("failed to query flow run %s: %w", id, err)
	}
	return &run, nil
}

// GetActiveFlowRun retrieves the most recently started active run for a session.
func (s *SQLiteStore) GetActiveFlowRun(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE session_id = ? AND status = ?
		ORDER BY started_at DESC LIMIT 1`, sessionID, models.FlowRunStatusActive)
	run, err := scanFlowRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveFlowRun failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query active flow run for %s: %w", sessionID, err)
	}
	return &run, nil
}

// UpdateFlowRun persists the current state and context snapshot of an active run.
func (s *SQLiteStore) UpdateFlowRun(ctx context.Context, id, currentState, contextJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET current_state = ?, context = ?
		WHERE id = ? AND status = ?`,
		currentState, nilIfEmpty(contextJSON), id, models.FlowRunStatusActive)
	if err != nil {
		slog.Error("SQLiteStore UpdateFlowRun failed", "error", err, "flowRunID", id)
		return fmt.Errorf("failed to update flow run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore UpdateFlowRun skipped terminal or missing run", "flowRunID", id)
	}
	return nil
}

// UpdateFlowRunStatus transitions an active run to the given status.
func (s *SQLiteStore) UpdateFlowRunStatus(ctx context.Context, id string, status models.FlowRunStatus, errorReason string) error {
	if !models.IsValidFlowRunStatus(status) {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, status)
	}
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		status, nilIfEmpty(errorReason), completedAt, id, models.FlowRunStatusActive)
	if err != nil {
		slog.Error("SQLiteStore UpdateFlowRunStatus failed", "error", err, "flowRunID", id, "status", status)
		return fmt.Errorf("failed to update status of flow run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("SQLiteStore UpdateFlowRunStatus skipped terminal or missing run", "flowRunID", id, "status", status)
	} else {
		slog.Debug("SQLiteStore UpdateFlowRunStatus succeeded", "flowRunID", id, "status", status)
	}
	return nil
}

// AbandonOtherActiveRuns marks every other active run for the session as abandoned.
func (s *SQLiteStore) AbandonOtherActiveRuns(ctx context.Context, sessionID, excludeID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = ?, error = ?, completed_at = ?
		WHERE session_id = ? AND id <> ? AND status = ?`,
		models.FlowRunStatusAbandoned, reason, time.Now(), sessionID, excludeID, models.FlowRunStatusActive)
	if err != nil {
		slog.Error("SQLiteStore AbandonOtherActiveRuns failed", "error", err, "sessionID", sessionID)
		return 0, fmt.Errorf("failed to abandon active runs for %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AbandonStaleRuns marks every active run started before the cutoff as abandoned.
func (s *SQLiteStore) AbandonStaleRuns(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = ?, error = ?, completed_at = ?
		WHERE status = ? AND started_at < ?`,
		models.FlowRunStatusAbandoned, reason, time.Now(), models.FlowRunStatusActive, cutoff)
	if err != nil {
		slog.Error("SQLiteStore AbandonStaleRuns failed", "error", err)
		return 0, fmt.Errorf("failed to abandon stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListFlowRuns returns all runs for a session, newest first.
func (s *SQLiteStore) ListFlowRuns(ctx context.Context, sessionID string) ([]models.FlowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE session_id = ? ORDER BY started_at DESC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListFlowRuns query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query flow runs for %s: %w", sessionID, err)
	}
	defer rows.Close()
	var runs []models.FlowRun
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			slog.Error("SQLiteStore ListFlowRuns scan failed", "error", err)
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListFlowRuns rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate flow run rows: %w", err)
	}
	return runs, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
