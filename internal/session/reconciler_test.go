package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/store"
)

func newTestReconciler() (*Reconciler, *cache.InMemorySessionCache, *store.InMemoryStore) {
	c := cache.NewInMemorySessionCache()
	s := store.NewInMemoryStore()
	return NewReconciler(c, s), c, s
}

func saveCachedFlow(t *testing.T, c *cache.InMemorySessionCache, sessionID, flowRunID string) *models.FlowContext {
	t.Helper()
	flowCtx := models.NewFlowContext("order_flow", sessionID, "collect_address")
	flowCtx.FlowRunID = flowRunID
	session := models.NewSession(sessionID)
	session.FlowContext = flowCtx
	if err := c.SaveSession(context.Background(), session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	return flowCtx
}

func createDurableRun(t *testing.T, s *store.InMemoryStore, id, sessionID, state string) {
	t.Helper()
	flowCtx := models.NewFlowContext("order_flow", sessionID, state)
	flowCtx.FlowRunID = id
	contextJSON, err := flowCtx.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	run := models.FlowRun{
		ID:           id,
		FlowID:       "order_flow",
		SessionID:    sessionID,
		CurrentState: state,
		Context:      contextJSON,
		Status:       models.FlowRunStatusActive,
		StartedAt:    time.Now(),
	}
	if err := s.CreateFlowRun(context.Background(), run); err != nil {
		t.Fatalf("CreateFlowRun failed: %v", err)
	}
}

func TestGetActiveFlowBothStoresAgree(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	saveCachedFlow(t, c, "web-abc1", "fr1")
	createDurableRun(t, s, "fr1", "web-abc1", "collect_address")

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected active flow, got nil")
	}
	if active.Source != SourceSynced {
		t.Errorf("expected source %q, got %q", SourceSynced, active.Source)
	}
	if active.OutOfSync {
		t.Error("agreed stores must not be flagged out of sync")
	}
	if active.Context.FlowRunID != "fr1" {
		t.Errorf("expected fr1, got %s", active.Context.FlowRunID)
	}
}

func TestGetActiveFlowCacheOnlyNotYetFlushed(t *testing.T) {
	ctx := context.Background()
	r, c, _ := newTestReconciler()
	saveCachedFlow(t, c, "web-abc1", "fr2")

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected cached flow, got nil")
	}
	if active.Source != SourceCache {
		t.Errorf("expected source %q, got %q", SourceCache, active.Source)
	}
	if !active.OutOfSync {
		t.Error("missing durable row must be flagged out of sync")
	}
}

func TestGetActiveFlowCachePointerToTerminalRunIsCleared(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	saveCachedFlow(t, c, "web-abc1", "fr2")
	createDurableRun(t, s, "fr2", "web-abc1", "collect_address")
	if err := s.UpdateFlowRunStatus(ctx, "fr2", models.FlowRunStatusCompleted, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active != nil {
		t.Fatalf("flow finished elsewhere, expected nil, got %+v", active)
	}

	session, _ := c.GetSession(ctx, "web-abc1")
	if session == nil {
		t.Fatal("session blob must survive pointer clear")
	}
	if session.FlowContext != nil {
		t.Error("stale flow pointer was not cleared from the cache")
	}
}

func TestGetActiveFlowDivergedCacheWins(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	saveCachedFlow(t, c, "web-abc1", "fr3")
	createDurableRun(t, s, "fr4", "web-abc1", "confirm_order")

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected cached flow, got nil")
	}
	if active.Context.FlowRunID != "fr3" {
		t.Errorf("cache must win divergence, got %s", active.Context.FlowRunID)
	}
	if active.Source != SourceCache {
		t.Errorf("expected source %q, got %q", SourceCache, active.Source)
	}
	if !active.OutOfSync {
		t.Error("divergence must be flagged out of sync")
	}

	superseded, _ := s.GetFlowRun(ctx, "fr4")
	if superseded.Status != models.FlowRunStatusAbandoned {
		t.Errorf("diverged durable run not abandoned: %s", superseded.Status)
	}
	if superseded.Error != ReasonSuperseded {
		t.Errorf("expected reason %q, got %q", ReasonSuperseded, superseded.Error)
	}
}

func TestGetActiveFlowRecoversFromDurableAfterEviction(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	createDurableRun(t, s, "fr5", "web-abc1", "confirm_order")

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected recovered flow, got nil")
	}
	if active.Source != SourceDB {
		t.Errorf("expected source %q, got %q", SourceDB, active.Source)
	}
	if !active.OutOfSync {
		t.Error("recovery must be flagged out of sync")
	}
	if active.Context.FlowRunID != "fr5" || active.Context.CurrentState != "confirm_order" {
		t.Errorf("recovered context wrong: %+v", active.Context)
	}

	// The recovered pointer must be written back so the next turn is synced.
	session, _ := c.GetSession(ctx, "web-abc1")
	if session == nil || session.FlowContext == nil || session.FlowContext.FlowRunID != "fr5" {
		t.Error("recovered context was not written back to the cache")
	}
	again, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("second GetActiveFlow failed: %v", err)
	}
	if again.Source != SourceSynced {
		t.Errorf("expected synced on second read, got %q", again.Source)
	}
}

func TestGetActiveFlowRowStateOverridesSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestReconciler()

	// Snapshot lags the row by a step.
	flowCtx := models.NewFlowContext("order_flow", "web-abc1", "collect_address")
	flowCtx.FlowRunID = "fr5"
	contextJSON, _ := flowCtx.ToJSON()
	s.CreateFlowRun(ctx, models.FlowRun{
		ID: "fr5", FlowID: "order_flow", SessionID: "web-abc1",
		CurrentState: "confirm_order", Context: contextJSON,
		Status: models.FlowRunStatusActive, StartedAt: time.Now(),
	})

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active.Context.CurrentState != "confirm_order" {
		t.Errorf("row state must override snapshot, got %s", active.Context.CurrentState)
	}
}

func TestGetActiveFlowNoFlowAnywhere(t *testing.T) {
	r, _, _ := newTestReconciler()
	active, err := r.GetActiveFlow(context.Background(), "web-abc1")
	if err != nil {
		t.Fatalf("GetActiveFlow failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected nil, got %+v", active)
	}
}

func TestGetActiveFlowMalformedSnapshotPropagates(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestReconciler()
	s.CreateFlowRun(ctx, models.FlowRun{
		ID: "fr6", FlowID: "order_flow", SessionID: "web-abc1",
		CurrentState: "collect_address", Context: "{not json",
		Status: models.FlowRunStatusActive, StartedAt: time.Now(),
	})

	_, err := r.GetActiveFlow(ctx, "web-abc1")
	if err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
	if !errors.Is(err, models.ErrMalformedContext) {
		t.Errorf("expected ErrMalformedContext, got %v", err)
	}
}

// failingStore simulates an unreachable durable store.
type failingStore struct{}

var errStoreDown = errors.New("store unreachable")

func (failingStore) CreateFlowRun(context.Context, models.FlowRun) error { return errStoreDown }
func (failingStore) GetFlowRun(context.Context, string) (*models.FlowRun, error) {
	return nil, errStoreDown
}
func (failingStore) GetActiveFlowRun(context.Context, string) (*models.FlowRun, error) {
	return nil, errStoreDown
}
func (failingStore) UpdateFlowRun(context.Context, string, string, string) error {
	return errStoreDown
}
func (failingStore) UpdateFlowRunStatus(context.Context, string, models.FlowRunStatus, string) error {
	return errStoreDown
}
func (failingStore) AbandonOtherActiveRuns(context.Context, string, string, string) (int, error) {
	return 0, errStoreDown
}
func (failingStore) AbandonStaleRuns(context.Context, time.Time, string) (int, error) {
	return 0, errStoreDown
}
func (failingStore) ListFlowRuns(context.Context, string) ([]models.FlowRun, error) {
	return nil, errStoreDown
}
func (failingStore) Close() error { return nil }

func TestGetActiveFlowDegradesWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemorySessionCache()
	r := NewReconciler(c, failingStore{})
	saveCachedFlow(t, c, "web-abc1", "fr7")

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil {
		t.Fatalf("store outage must not surface: %v", err)
	}
	if active == nil {
		t.Fatal("expected cached flow despite store outage")
	}
	if active.Source != SourceCache || !active.OutOfSync {
		t.Errorf("expected degraded cache answer, got %+v", active)
	}

	// No cache either: nothing to serve, still no error.
	active, err = r.GetActiveFlow(ctx, "web-no-cache")
	if err != nil || active != nil {
		t.Errorf("expected nil/nil in full outage, got %+v, %v", active, err)
	}
}

func TestStartFlowCreatesBothSides(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()

	flowCtx, err := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}
	if flowCtx.FlowRunID == "" {
		t.Fatal("StartFlow must assign a run ID")
	}

	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run == nil || run.Status != models.FlowRunStatusActive {
		t.Errorf("durable row missing or inactive: %+v", run)
	}
	session, _ := c.GetSession(ctx, "web-abc1")
	if session == nil || session.FlowContext == nil || session.FlowContext.FlowRunID != flowCtx.FlowRunID {
		t.Error("cache pointer missing after StartFlow")
	}
}

func TestStartFlowAbandonsLingringRuns(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestReconciler()
	createDurableRun(t, s, "fr-old", "web-abc1", "collect_address")

	flowCtx, err := r.StartFlow(ctx, "web-abc1", "support_flow", "greet", nil)
	if err != nil {
		t.Fatalf("StartFlow failed: %v", err)
	}

	old, _ := s.GetFlowRun(ctx, "fr-old")
	if old.Status != models.FlowRunStatusAbandoned || old.Error != ReasonOrphaned {
		t.Errorf("lingering run not abandoned: %+v", old)
	}
	active, _ := s.GetActiveFlowRun(ctx, "web-abc1")
	if active == nil || active.ID != flowCtx.FlowRunID {
		t.Errorf("new run must be the only active one, got %+v", active)
	}
}

func TestStartFlowValidatesInput(t *testing.T) {
	r, _, _ := newTestReconciler()
	if _, err := r.StartFlow(context.Background(), "", "order_flow", "s0", nil); !errors.Is(err, models.ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
	if _, err := r.StartFlow(context.Background(), "web-abc1", "", "s0", nil); !errors.Is(err, models.ErrEmptyFlowID) {
		t.Errorf("expected ErrEmptyFlowID, got %v", err)
	}
}

func TestStartFlowSurvivesStoreOutage(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemorySessionCache()
	r := NewReconciler(c, failingStore{})

	flowCtx, err := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)
	if err != nil {
		t.Fatalf("StartFlow must degrade to cache-only: %v", err)
	}
	session, _ := c.GetSession(ctx, "web-abc1")
	if session == nil || session.FlowContext == nil || session.FlowContext.FlowRunID != flowCtx.FlowRunID {
		t.Error("cache pointer missing after degraded StartFlow")
	}
}

func TestSaveContextSyncsBothSides(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	flowCtx, _ := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)

	flowCtx.CurrentState = "confirm_order"
	flowCtx.SetData("address", "12 MG Road")
	if err := r.SaveContext(ctx, "web-abc1", flowCtx); err != nil {
		t.Fatalf("SaveContext failed: %v", err)
	}

	session, _ := c.GetSession(ctx, "web-abc1")
	if session.FlowContext.CurrentState != "confirm_order" {
		t.Errorf("cache not advanced: %s", session.FlowContext.CurrentState)
	}
	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run.CurrentState != "confirm_order" {
		t.Errorf("durable row not advanced: %s", run.CurrentState)
	}
	parsed, err := models.FlowContextFromJSON(run.Context)
	if err != nil {
		t.Fatalf("stored snapshot unparseable: %v", err)
	}
	if parsed.CollectedData["address"] != "12 MG Road" {
		t.Errorf("collected data not in durable snapshot: %+v", parsed.CollectedData)
	}
}

func TestCompleteFlowClearsPointerAndFinalizesRun(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	flowCtx, _ := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)

	if err := r.CompleteFlow(ctx, "web-abc1", flowCtx.FlowRunID, "done", flowCtx); err != nil {
		t.Fatalf("CompleteFlow failed: %v", err)
	}

	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run.Status != models.FlowRunStatusCompleted || run.CompletedAt == nil {
		t.Errorf("run not completed: %+v", run)
	}
	session, _ := c.GetSession(ctx, "web-abc1")
	if session == nil {
		t.Fatal("session blob must survive completion")
	}
	if session.FlowContext != nil {
		t.Error("flow pointer not cleared on completion")
	}

	active, err := r.GetActiveFlow(ctx, "web-abc1")
	if err != nil || active != nil {
		t.Errorf("completed session must have no active flow, got %+v, %v", active, err)
	}
}

func TestFailFlowRecordsReason(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	flowCtx, _ := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)

	if err := r.FailFlow(ctx, "web-abc1", flowCtx.FlowRunID, "collect_address", "validation retries exhausted", flowCtx); err != nil {
		t.Fatalf("FailFlow failed: %v", err)
	}

	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run.Status != models.FlowRunStatusFailed || run.Error != "validation retries exhausted" {
		t.Errorf("failure not recorded: %+v", run)
	}
	session, _ := c.GetSession(ctx, "web-abc1")
	if session.FlowContext != nil {
		t.Error("flow pointer not cleared on failure")
	}
}

func TestAbandonFlowRecordsReason(t *testing.T) {
	ctx := context.Background()
	r, c, s := newTestReconciler()
	flowCtx, _ := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)

	if err := r.AbandonFlow(ctx, "web-abc1", flowCtx.FlowRunID, "user walked away"); err != nil {
		t.Fatalf("AbandonFlow failed: %v", err)
	}

	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run.Status != models.FlowRunStatusAbandoned || run.Error != "user walked away" {
		t.Errorf("abandonment not recorded: %+v", run)
	}
	session, _ := c.GetSession(ctx, "web-abc1")
	if session.FlowContext != nil {
		t.Error("flow pointer not cleared on abandonment")
	}
}

func TestCleanupStaleFlows(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestReconciler()
	s.CreateFlowRun(ctx, models.FlowRun{
		ID: "fr-stale", FlowID: "order_flow", SessionID: "web-idle",
		CurrentState: "collect_address", Status: models.FlowRunStatusActive,
		StartedAt: time.Now().Add(-time.Hour),
	})
	s.CreateFlowRun(ctx, models.FlowRun{
		ID: "fr-live", FlowID: "order_flow", SessionID: "web-busy",
		CurrentState: "collect_address", Status: models.FlowRunStatusActive,
		StartedAt: time.Now(),
	})

	n, err := r.CleanupStaleFlows(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupStaleFlows failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale run abandoned, got %d", n)
	}
	stale, _ := s.GetFlowRun(ctx, "fr-stale")
	if stale.Status != models.FlowRunStatusAbandoned {
		t.Errorf("stale run not abandoned: %+v", stale)
	}
	if stale.Error != "Stale flow (>30 mins inactive)" {
		t.Errorf("unexpected stale reason: %q", stale.Error)
	}
	live, _ := s.GetFlowRun(ctx, "fr-live")
	if live.Status != models.FlowRunStatusActive {
		t.Error("fresh run must survive the sweep")
	}
}

// A run completed while its session was evicted from the cache stays
// terminal: the durable row refuses late writes, so a delayed sync from a
// stale context cannot resurrect it.
func TestCompletedRunRefusesLateSync(t *testing.T) {
	ctx := context.Background()
	r, _, s := newTestReconciler()
	flowCtx, _ := r.StartFlow(ctx, "web-abc1", "order_flow", "collect_address", nil)
	r.CompleteFlow(ctx, "web-abc1", flowCtx.FlowRunID, "done", flowCtx)

	r.SyncToDatabase(ctx, flowCtx.FlowRunID, "zombie_state", flowCtx, models.FlowRunStatusActive)

	run, _ := s.GetFlowRun(ctx, flowCtx.FlowRunID)
	if run.Status != models.FlowRunStatusCompleted || run.CurrentState == "zombie_state" {
		t.Errorf("terminal run was resurrected: %+v", run)
	}
}
