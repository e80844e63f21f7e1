package store

import (
	"database/sql"
	"fmt"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanFlowRun scans a FlowRun from sql.Rows.
func scanFlowRun(rows *sql.Rows) (models.FlowRun, error) {
	var run models.FlowRun
	var contextJSON, errorReason sql.NullString
	var completedAt sql.NullTime
	err := rows.Scan(
		&run.ID, &run.FlowID, &run.SessionID, &run.CurrentState,
		&contextJSON, &run.Status, &run.StartedAt, &completedAt, &errorReason,
	)
	if err != nil {
		return run, fmt.Errorf("scan flow run failed: %w", err)
	}
	run.Context = contextJSON.String
	run.Error = errorReason.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// scanFlowRunRow scans a FlowRun from a single sql.Row.
func scanFlowRunRow(row *sql.Row) (models.FlowRun, error) {
	var run models.FlowRun
	var contextJSON, errorReason sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.FlowID, &run.SessionID, &run.CurrentState,
		&contextJSON, &run.Status, &run.StartedAt, &completedAt, &errorReason,
	)
	if err != nil {
		return run, err
	}
	run.Context = contextJSON.String
	run.Error = errorReason.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}
