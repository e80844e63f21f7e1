// Package store provides durable storage backends for FlowRelay flow runs.
//
// This file implements the PostgreSQL-backed flow run store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/CanopyChat/FlowRelay/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure the flow_run table exists
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// CreateFlowRun inserts a new active flow run row.
func (s *PostgresStore) CreateFlowRun(ctx context.Context, run models.FlowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_run (id, flow_id, session_id, current_state, context, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.FlowID, run.SessionID, run.CurrentState,
		nilIfEmpty(run.Context), run.Status, run.StartedAt)
	if err != nil {
		slog.Error("PostgresStore CreateFlowRun failed", "error", err, "flowRunID", run.ID, "sessionID", run.SessionID)
		return fmt.Errorf("failed to insert flow run %s: %w", run.ID, err)
	}
	slog.Debug("PostgresStore CreateFlowRun succeeded", "flowRunID", run.ID, "sessionID", run.SessionID, "flowID", run.FlowID)
	return nil
}

// GetFlowRun retrieves a flow run by id, or nil if no row exists.
func (s *PostgresStore) GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE id = $1`, id)
	run, err := scanFlowRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowRun failed", "error", err, "flowRunID", id)
		return nil, fmt.Errorf("failed to query flow run %s: %w", id, err)
	}
	return &run, nil
}

// GetActiveFlowRun retrieves the most recently started active run for a session.
func (s *PostgresStore) GetActiveFlowRun(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE session_id = $1 AND status = $2
		ORDER BY started_at DESC LIMIT 1`, sessionID, models.FlowRunStatusActive)
	run, err := scanFlowRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveFlowRun failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query active flow run for %s: %w", sessionID, err)
	}
	return &run, nil
}

// UpdateFlowRun persists the current state and context snapshot of an active run.
func (s *PostgresStore) UpdateFlowRun(ctx context.Context, id, currentState, contextJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET current_state = $2, context = $3
		WHERE id = $1 AND status = $4`,
		id, currentState, nilIfEmpty(contextJSON), models.FlowRunStatusActive)
	if err != nil {
		slog.Error("PostgresStore UpdateFlowRun failed", "error", err, "flowRunID", id)
		return fmt.Errorf("failed to update flow run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore UpdateFlowRun skipped terminal or missing run", "flowRunID", id)
	}
	return nil
}

// UpdateFlowRunStatus transitions an active run to the given status.
func (s *PostgresStore) UpdateFlowRunStatus(ctx context.Context, id string, status models.FlowRunStatus, errorReason string) error {
	if !models.IsValidFlowRunStatus(status) {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, status)
	}
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status = $5`,
		id, status, nilIfEmpty(errorReason), completedAt, models.FlowRunStatusActive)
	if err != nil {
		slog.Error("PostgresStore UpdateFlowRunStatus failed", "error", err, "flowRunID", id, "status", status)
		return fmt.Errorf("failed to update status of flow run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("PostgresStore UpdateFlowRunStatus skipped terminal or missing run", "flowRunID", id, "status", status)
	} else {
		slog.Debug("PostgresStore UpdateFlowRunStatus succeeded", "flowRunID", id, "status", status)
	}
	return nil
}

// AbandonOtherActiveRuns marks every other active run for the session as abandoned.
func (s *PostgresStore) AbandonOtherActiveRuns(ctx context.Context, sessionID, excludeID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = $3, error = $4, completed_at = $5
		WHERE session_id = $1 AND id <> $2 AND status = $6`,
		sessionID, excludeID, models.FlowRunStatusAbandoned, reason, time.Now(), models.FlowRunStatusActive)
	if err != nil {
		slog.Error("PostgresStore AbandonOtherActiveRuns failed", "error", err, "sessionID", sessionID)
		return 0, fmt.Errorf("failed to abandon active runs for %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AbandonStaleRuns marks every active run started before the cutoff as abandoned.
func (s *PostgresStore) AbandonStaleRuns(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flow_run SET status = $1, error = $2, completed_at = $3
		WHERE status = $4 AND started_at < $5`,
		models.FlowRunStatusAbandoned, reason, time.Now(), models.FlowRunStatusActive, cutoff)
	if err != nil {
		slog.Error("PostgresStore AbandonStaleRuns failed", "error", err)
		return 0, fmt.Errorf("failed to abandon stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListFlowRuns returns all runs for a session, newest first.
func (s *PostgresStore) ListFlowRuns(ctx context.Context, sessionID string) ([]models.FlowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flow_id, session_id, current_state, context, status, started_at, completed_at, error
		FROM flow_run WHERE session_id = $1 ORDER BY started_at DESC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListFlowRuns query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query flow runs for %s: %w", sessionID, err)
	}
	defer rows.Close()
	var runs []models.FlowRun
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			slog.Error("PostgresStore ListFlowRuns scan failed", "error", err)
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListFlowRuns rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate flow run rows: %w", err)
	}
	return runs, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
