// Package store provides durable storage backends for FlowRelay flow runs.
//
// This file implements an in-memory store used for tests and DSN-less
// development runs. It honors the same terminal-state rules as the SQL
// backends.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a simple in-memory flow run store.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]models.FlowRun
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]models.FlowRun)}
}

// CreateFlowRun inserts a new flow run row.
func (s *InMemoryStore) CreateFlowRun(ctx context.Context, run models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("flow run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// GetFlowRun retrieves a flow run by id, or nil if no row exists.
func (s *InMemoryStore) GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// GetActiveFlowRun retrieves the most recently started active run for a session.
func (s *InMemoryStore) GetActiveFlowRun(ctx context.Context, sessionID string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.FlowRun
	for id := range s.runs {
		run := s.runs[id]
		if run.SessionID != sessionID || run.Status != models.FlowRunStatusActive {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			r := run
			latest = &r
		}
	}
	return latest, nil
}

// UpdateFlowRun persists the current state and context snapshot of an active run.
func (s *InMemoryStore) UpdateFlowRun(ctx context.Context, id, currentState, contextJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != models.FlowRunStatusActive {
		return nil
	}
	run.CurrentState = currentState
	run.Context = contextJSON
	s.runs[id] = run
	return nil
}

// UpdateFlowRunStatus transitions an active run to the given status.
func (s *InMemoryStore) UpdateFlowRunStatus(ctx context.Context, id string, status models.FlowRunStatus, errorReason string) error {
	if !models.IsValidFlowRunStatus(status) {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != models.FlowRunStatusActive {
		return nil
	}
	run.Status = status
	run.Error = errorReason
	if status.IsTerminal() {
		now := time.Now()
		run.CompletedAt = &now
	}
	s.runs[id] = run
	return nil
}

// AbandonOtherActiveRuns marks every other active run for the session as abandoned.
func (s *InMemoryStore) AbandonOtherActiveRuns(ctx context.Context, sessionID, excludeID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for id, run := range s.runs {
		if run.SessionID != sessionID || run.ID == excludeID || run.Status != models.FlowRunStatusActive {
			continue
		}
		run.Status = models.FlowRunStatusAbandoned
		run.Error = reason
		run.CompletedAt = &now
		s.runs[id] = run
		count++
	}
	return count, nil
}

// AbandonStaleRuns marks every active run started before the cutoff as abandoned.
func (s *InMemoryStore) AbandonStaleRuns(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	now := time.Now()
	for id, run := range s.runs {
		if run.Status != models.FlowRunStatusActive || !run.StartedAt.Before(cutoff) {
			continue
		}
		run.Status = models.FlowRunStatusAbandoned
		run.Error = reason
		run.CompletedAt = &now
		s.runs[id] = run
		count++
	}
	return count, nil
}

// ListFlowRuns returns all runs for a session, newest first.
func (s *InMemoryStore) ListFlowRuns(ctx context.Context, sessionID string) ([]models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []models.FlowRun
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
