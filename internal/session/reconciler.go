// Package session implements the reconciliation protocol that keeps the
// ephemeral session cache and the durable flow run store coherent.
//
// The two stores are not covered by a transaction. The cache is written
// first within a turn and is treated as fresher on conflict; the durable
// store is the recovery source when the cache has evicted. Reconciliation
// collapses competing active runs so that each conversation holds at most
// one authoritative flow state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/store"
	"github.com/google/uuid"
)

// FlowSource identifies which store produced the returned flow context.
type FlowSource string

const (
	// SourceSynced means both stores agreed; the cache context was returned.
	SourceSynced FlowSource = "synced"
	// SourceCache means the cache context was returned without durable confirmation.
	SourceCache FlowSource = "redis"
	// SourceDB means the context was reconstructed from the durable row.
	SourceDB FlowSource = "db"
)

// Abandonment reasons recorded on superseded and cleaned-up runs.
const (
	ReasonSuperseded = "Superseded by new flow"
	ReasonOrphaned   = "Orphaned flow cleanup"
)

// DefaultStaleAgeMinutes bounds how long an interrupted conversation can
// hold the active slot before the periodic sweep abandons it.
const DefaultStaleAgeMinutes = 30

// ActiveFlow is the reconciled answer to "what flow is this conversation in".
type ActiveFlow struct {
	Context   *models.FlowContext `json:"context"`
	Source    FlowSource          `json:"source"`
	OutOfSync bool                `json:"out_of_sync"`
}

// Reconciler composes the session cache and the durable flow run store.
// It is the only component permitted to write flow_run rows or the flow
// pointer inside a session blob.
type Reconciler struct {
	cache cache.SessionCache
	store store.Store
}

// NewReconciler creates a Reconciler over the given cache and store.
func NewReconciler(sessionCache cache.SessionCache, st store.Store) *Reconciler {
	slog.Debug("Creating session Reconciler")
	return &Reconciler{cache: sessionCache, store: st}
}

// GetActiveFlow resolves the single authoritative flow state for a session,
// repairing divergence between the two stores as a side effect. It returns
// nil when the session has no active flow. Durable-store failures degrade
// to cache-only behavior; only a malformed stored snapshot propagates.
func (r *Reconciler) GetActiveFlow(ctx context.Context, sessionID string) (*ActiveFlow, error) {
	session, err := r.cache.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Reconciler cache read failed, continuing without cache", "error", err, "sessionID", sessionID)
		session = nil
	}
	var cached *models.FlowContext
	if session != nil {
		cached = session.FlowContext
	}

	activeRun, err := r.store.GetActiveFlowRun(ctx, sessionID)
	if err != nil {
		// Degraded mode: serve whatever the cache has.
		slog.Warn("Reconciler durable store unreachable, degrading to cache-only", "error", err, "sessionID", sessionID)
		if cached != nil {
			return &ActiveFlow{Context: cached, Source: SourceCache, OutOfSync: true}, nil
		}
		return nil, nil
	}

	switch {
	case cached != nil && activeRun != nil:
		if cached.FlowRunID == activeRun.ID {
			// Both stores agree; the cache context is fresher and richer.
			return &ActiveFlow{Context: cached, Source: SourceSynced, OutOfSync: false}, nil
		}
		// Two different active runs for one conversation. The durable row is
		// older by construction (the cache write happens after a run starts),
		// so the cache wins and the durable run is superseded.
		slog.Warn("Reconciler found diverged flow runs, superseding durable run",
			"sessionID", sessionID, "cacheFlowRunID", cached.FlowRunID, "dbFlowRunID", activeRun.ID)
		if err := r.store.UpdateFlowRunStatus(ctx, activeRun.ID, models.FlowRunStatusAbandoned, ReasonSuperseded); err != nil {
			slog.Warn("Reconciler failed to supersede durable run", "error", err, "flowRunID", activeRun.ID)
		}
		return &ActiveFlow{Context: cached, Source: SourceCache, OutOfSync: true}, nil

	case cached != nil:
		return r.reconcileCacheOnly(ctx, sessionID, session, cached)

	case activeRun != nil:
		return r.recoverFromDurable(ctx, sessionID, session, activeRun)

	default:
		return nil, nil
	}
}

// reconcileCacheOnly handles a cache flow pointer with no active durable row:
// either the run already finished elsewhere (stale cache, clear it) or the
// run simply has not been flushed durably yet (trust the cache).
func (r *Reconciler) reconcileCacheOnly(ctx context.Context, sessionID string, session *models.Session, cached *models.FlowContext) (*ActiveFlow, error) {
	if cached.FlowRunID != "" {
		run, err := r.store.GetFlowRun(ctx, cached.FlowRunID)
		if err != nil {
			slog.Warn("Reconciler flow run lookup failed, trusting cache", "error", err, "flowRunID", cached.FlowRunID)
			return &ActiveFlow{Context: cached, Source: SourceCache, OutOfSync: true}, nil
		}
		if run != nil {
			if run.Status.IsTerminal() {
				// The flow already finished elsewhere; the cache pointer is stale.
				slog.Info("Reconciler clearing stale cache flow pointer",
					"sessionID", sessionID, "flowRunID", run.ID, "runStatus", run.Status)
				r.clearFlowPointer(ctx, session)
				return nil, nil
			}
			return &ActiveFlow{Context: cached, Source: SourceCache, OutOfSync: false}, nil
		}
	}
	// No durable row at all: the run has not been flushed yet.
	return &ActiveFlow{Context: cached, Source: SourceCache, OutOfSync: true}, nil
}

// recoverFromDurable rebuilds the cache flow pointer from the durable row.
// This is the recovery path after cache eviction or a process restart.
func (r *Reconciler) recoverFromDurable(ctx context.Context, sessionID string, session *models.Session, run *models.FlowRun) (*ActiveFlow, error) {
	flowCtx, err := contextFromRun(run)
	if err != nil {
		// A snapshot that cannot be parsed at all is genuinely unexpected.
		slog.Error("Reconciler stored context snapshot is malformed", "error", err, "flowRunID", run.ID)
		return nil, err
	}

	if session == nil {
		session = models.NewSession(sessionID)
	}
	session.FlowContext = flowCtx
	if err := r.cache.SaveSession(ctx, session); err != nil {
		slog.Warn("Reconciler failed to write recovered context to cache", "error", err, "sessionID", sessionID)
	}
	slog.Info("Reconciler recovered flow from durable store",
		"sessionID", sessionID, "flowRunID", run.ID, "currentState", run.CurrentState)
	return &ActiveFlow{Context: flowCtx, Source: SourceDB, OutOfSync: true}, nil
}

// contextFromRun reconstructs a FlowContext from a durable row. The row's
// current_state overrides the snapshot, which may lag by a partial turn.
func contextFromRun(run *models.FlowRun) (*models.FlowContext, error) {
	var flowCtx *models.FlowContext
	if run.Context != "" {
		parsed, err := models.FlowContextFromJSON(run.Context)
		if err != nil {
			return nil, err
		}
		flowCtx = parsed
	} else {
		flowCtx = models.NewFlowContext(run.FlowID, run.SessionID, run.CurrentState)
	}
	flowCtx.FlowRunID = run.ID
	flowCtx.FlowID = run.FlowID
	flowCtx.SessionID = run.SessionID
	flowCtx.CurrentState = run.CurrentState
	return flowCtx, nil
}

// StartFlow begins a new flow run for a session: it abandons any lingering
// active rows, creates the durable row, then writes the cache pointer.
// Durable failures are non-fatal; the cache carries the turn.
func (r *Reconciler) StartFlow(ctx context.Context, sessionID, flowID, initialState string, flowCtx *models.FlowContext) (*models.FlowContext, error) {
	if sessionID == "" {
		return nil, models.ErrEmptySessionID
	}
	if flowID == "" {
		return nil, models.ErrEmptyFlowID
	}
	if flowCtx == nil {
		flowCtx = models.NewFlowContext(flowID, sessionID, initialState)
	}
	flowCtx.FlowRunID = uuid.NewString()
	flowCtx.FlowID = flowID
	flowCtx.SessionID = sessionID
	if flowCtx.CurrentState == "" {
		flowCtx.CurrentState = initialState
	}

	if n, err := r.store.AbandonOtherActiveRuns(ctx, sessionID, flowCtx.FlowRunID, ReasonOrphaned); err != nil {
		slog.Warn("Reconciler orphan cleanup failed during StartFlow", "error", err, "sessionID", sessionID)
	} else if n > 0 {
		slog.Warn("Reconciler abandoned lingering runs before new flow", "sessionID", sessionID, "abandoned", n)
	}

	contextJSON, err := flowCtx.ToJSON()
	if err != nil {
		return nil, err
	}
	run := models.FlowRun{
		ID:           flowCtx.FlowRunID,
		FlowID:       flowID,
		SessionID:    sessionID,
		CurrentState: flowCtx.CurrentState,
		Context:      contextJSON,
		Status:       models.FlowRunStatusActive,
		StartedAt:    time.Now(),
	}
	if err := r.store.CreateFlowRun(ctx, run); err != nil {
		slog.Warn("Reconciler durable run creation failed, continuing cache-only", "error", err, "flowRunID", run.ID)
	}

	r.writeFlowPointer(ctx, sessionID, flowCtx)
	slog.Info("Reconciler started flow", "sessionID", sessionID, "flowID", flowID, "flowRunID", flowCtx.FlowRunID)
	return flowCtx, nil
}

// SaveContext persists an advanced context for the current turn: the cache
// is updated first (it remains the live source of truth for the turn), then
// the durable row is synced best-effort.
func (r *Reconciler) SaveContext(ctx context.Context, sessionID string, flowCtx *models.FlowContext) error {
	if flowCtx == nil {
		return nil
	}
	r.writeFlowPointer(ctx, sessionID, flowCtx)
	r.SyncToDatabase(ctx, flowCtx.FlowRunID, flowCtx.CurrentState, flowCtx, models.FlowRunStatusActive)
	return nil
}

// SyncToDatabase persists the current context snapshot and state to the
// durable row, stamping completed_at when the status is terminal.
// Persistence failures are logged and swallowed: they must never abort the
// in-progress conversation turn.
func (r *Reconciler) SyncToDatabase(ctx context.Context, flowRunID, currentState string, flowCtx *models.FlowContext, status models.FlowRunStatus) {
	if flowRunID == "" {
		slog.Debug("Reconciler SyncToDatabase skipped, run not yet persisted")
		return
	}
	contextJSON := ""
	if flowCtx != nil {
		serialized, err := flowCtx.ToJSON()
		if err != nil {
			slog.Error("Reconciler failed to serialize context for sync", "error", err, "flowRunID", flowRunID)
			return
		}
		contextJSON = serialized
	}
	if err := r.store.UpdateFlowRun(ctx, flowRunID, currentState, contextJSON); err != nil {
		slog.Warn("Reconciler durable sync failed", "error", err, "flowRunID", flowRunID)
		return
	}
	if status.IsTerminal() {
		if err := r.store.UpdateFlowRunStatus(ctx, flowRunID, status, ""); err != nil {
			slog.Warn("Reconciler terminal status sync failed", "error", err, "flowRunID", flowRunID, "status", status)
		}
	}
}

// CompleteFlow persists the run as completed and clears the cache flow
// pointer, preserving the trimmed conversation history.
func (r *Reconciler) CompleteFlow(ctx context.Context, sessionID, flowRunID, finalState string, flowCtx *models.FlowContext) error {
	r.SyncToDatabase(ctx, flowRunID, finalState, flowCtx, models.FlowRunStatusCompleted)
	r.clearFlowPointerForSession(ctx, sessionID)
	slog.Info("Reconciler completed flow", "sessionID", sessionID, "flowRunID", flowRunID, "finalState", finalState)
	return nil
}

// FailFlow persists the run as failed with a reason and clears the cache
// flow pointer.
func (r *Reconciler) FailFlow(ctx context.Context, sessionID, flowRunID, finalState, reason string, flowCtx *models.FlowContext) error {
	if flowRunID != "" {
		contextJSON := ""
		if flowCtx != nil {
			if serialized, err := flowCtx.ToJSON(); err == nil {
				contextJSON = serialized
			}
		}
		if err := r.store.UpdateFlowRun(ctx, flowRunID, finalState, contextJSON); err != nil {
			slog.Warn("Reconciler durable sync failed during FailFlow", "error", err, "flowRunID", flowRunID)
		}
		if err := r.store.UpdateFlowRunStatus(ctx, flowRunID, models.FlowRunStatusFailed, reason); err != nil {
			slog.Warn("Reconciler failed-status sync failed", "error", err, "flowRunID", flowRunID)
		}
	}
	r.clearFlowPointerForSession(ctx, sessionID)
	slog.Info("Reconciler failed flow", "sessionID", sessionID, "flowRunID", flowRunID, "reason", reason)
	return nil
}

// AbandonFlow persists the run as abandoned with a reason and clears the
// cache flow pointer. Used when a conversation deliberately walks away from
// an in-progress flow.
func (r *Reconciler) AbandonFlow(ctx context.Context, sessionID, flowRunID, reason string) error {
	if flowRunID != "" {
		if err := r.store.UpdateFlowRunStatus(ctx, flowRunID, models.FlowRunStatusAbandoned, reason); err != nil {
			slog.Warn("Reconciler abandoned-status sync failed", "error", err, "flowRunID", flowRunID)
		}
	}
	r.clearFlowPointerForSession(ctx, sessionID)
	slog.Info("Reconciler abandoned flow", "sessionID", sessionID, "flowRunID", flowRunID, "reason", reason)
	return nil
}

// CleanupOrphanedFlows marks all other active rows for the session as
// abandoned. Invoked when deliberately starting a brand-new flow for a
// session that might still hold a lingering row from a crashed turn.
func (r *Reconciler) CleanupOrphanedFlows(ctx context.Context, sessionID, excludeFlowRunID string) (int, error) {
	n, err := r.store.AbandonOtherActiveRuns(ctx, sessionID, excludeFlowRunID, ReasonOrphaned)
	if err != nil {
		slog.Warn("Reconciler orphan cleanup failed", "error", err, "sessionID", sessionID)
		return 0, err
	}
	if n > 0 {
		slog.Info("Reconciler cleaned up orphaned flows", "sessionID", sessionID, "abandoned", n)
	}
	return n, nil
}

// CleanupStaleFlows abandons every active run older than maxAgeMinutes.
// This is the periodic sweep bounding how long an interrupted conversation
// can hold the active slot.
func (r *Reconciler) CleanupStaleFlows(ctx context.Context, maxAgeMinutes int) (int, error) {
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = DefaultStaleAgeMinutes
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	reason := fmt.Sprintf("Stale flow (>%d mins inactive)", maxAgeMinutes)
	n, err := r.store.AbandonStaleRuns(ctx, cutoff, reason)
	if err != nil {
		slog.Warn("Reconciler stale cleanup failed", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("Reconciler abandoned stale flows", "abandoned", n, "maxAgeMinutes", maxAgeMinutes)
	}
	return n, nil
}

// writeFlowPointer updates the flow pointer inside the session blob,
// preserving auxiliary conversation state. Cache failures are logged and
// swallowed; the in-memory context still carries the turn.
func (r *Reconciler) writeFlowPointer(ctx context.Context, sessionID string, flowCtx *models.FlowContext) {
	session, err := r.cache.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Reconciler cache read failed before pointer write", "error", err, "sessionID", sessionID)
		session = nil
	}
	if session == nil {
		session = models.NewSession(sessionID)
	}
	session.FlowContext = flowCtx
	if err := r.cache.SaveSession(ctx, session); err != nil {
		slog.Warn("Reconciler cache pointer write failed", "error", err, "sessionID", sessionID)
	}
}

// clearFlowPointerForSession loads the blob and clears its flow pointer.
func (r *Reconciler) clearFlowPointerForSession(ctx context.Context, sessionID string) {
	session, err := r.cache.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Reconciler cache read failed before pointer clear", "error", err, "sessionID", sessionID)
		return
	}
	if session == nil {
		return
	}
	r.clearFlowPointer(ctx, session)
}

// clearFlowPointer clears the flow pointer while preserving auxiliary
// conversation history, trimmed to its bounded window.
func (r *Reconciler) clearFlowPointer(ctx context.Context, session *models.Session) {
	session.FlowContext = nil
	session.TrimHistory(models.MaxHistoryEntries)
	if err := r.cache.SaveSession(ctx, session); err != nil {
		slog.Warn("Reconciler cache pointer clear failed", "error", err, "sessionID", session.SessionID)
	}
}
