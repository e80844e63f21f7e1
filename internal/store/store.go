// Package store provides durable storage backends for FlowRelay flow runs.
//
// The flow_run table is the permanent source of truth for flow executions:
// the session cache may evict at any time, and recovery reads back from here.
// PostgreSQL and SQLite implementations are provided, plus an in-memory
// store for tests and DSN-less development runs.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// Store defines the interface for durable flow run storage.
// Only the session reconciliation service writes through this interface.
type Store interface {
	// CreateFlowRun inserts a new active flow run row.
	CreateFlowRun(ctx context.Context, run models.FlowRun) error

	// GetFlowRun retrieves a flow run by id, or nil if no row exists.
	GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error)

	// GetActiveFlowRun retrieves the most recently started active run for a
	// session, or nil if the session has no active run.
	GetActiveFlowRun(ctx context.Context, sessionID string) (*models.FlowRun, error)

	// UpdateFlowRun persists the current state and context snapshot of an
	// active run. Terminal rows are never updated.
	UpdateFlowRun(ctx context.Context, id, currentState, contextJSON string) error

	// UpdateFlowRunStatus transitions a run to the given status, recording
	// the error reason and stamping completed_at for terminal statuses.
	// Rows already terminal are left untouched.
	UpdateFlowRunStatus(ctx context.Context, id string, status models.FlowRunStatus, errorReason string) error

	// AbandonOtherActiveRuns marks every active run for the session other
	// than excludeID as abandoned with the given reason. Returns the number
	// of runs abandoned.
	AbandonOtherActiveRuns(ctx context.Context, sessionID, excludeID, reason string) (int, error)

	// AbandonStaleRuns marks every active run started before the cutoff as
	// abandoned with the given reason. Returns the number of runs abandoned.
	AbandonStaleRuns(ctx context.Context, cutoff time.Time, reason string) (int, error)

	// ListFlowRuns returns all runs for a session, newest first.
	ListFlowRuns(ctx context.Context, sessionID string) ([]models.FlowRun, error)

	// Close releases the underlying database resources.
	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string // database connection string (Postgres URL or SQLite file path)
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
// Postgres URLs and key=value DSNs are recognized; anything else is assumed
// to be a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
