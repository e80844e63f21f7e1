// Package ingest implements the message ingestion front door for FlowRelay.
//
// The front door accepts inbound messages from channel adapters, collapses
// near-simultaneous repeats of the same message into a single processed
// event, resolves the sender's identity, fetches the active flow, and hands
// the turn to the externally-owned step executor. Whatever context and
// status the executor returns is persisted through the reconciler.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/identity"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/session"
	gocache "github.com/patrickmn/go-cache"
)

// Dedup window configuration constants
const (
	// DefaultDedupWindow is the rolling window within which identical
	// messages for a session collapse to one processed event.
	DefaultDedupWindow = 5 * time.Second
	// dedupCleanupInterval is how often expired fingerprints are evicted.
	dedupCleanupInterval = time.Minute
)

// StepResult is what the external step executor hands back after advancing
// a conversation turn.
type StepResult struct {
	Context *models.FlowContext  // nil means no flow is in progress after this turn
	Status  models.FlowRunStatus // lifecycle status the run should take
	Reason  string               // failure reason when Status is failed
	Reply   *models.Reply        // response for the channel adapter to render
}

// StepExecutor is the externally-owned flow engine contract. The front door
// never inspects step semantics.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, ident models.IdentityResolution, flowCtx *models.FlowContext, message string) (*StepResult, error)
}

// ExecutorFunc adapts a function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, ident models.IdentityResolution, flowCtx *models.FlowContext, message string) (*StepResult, error)

// ExecuteStep implements StepExecutor.
func (f ExecutorFunc) ExecuteStep(ctx context.Context, ident models.IdentityResolution, flowCtx *models.FlowContext, message string) (*StepResult, error) {
	return f(ctx, ident, flowCtx, message)
}

// FrontDoor deduplicates and routes inbound messages into the flow engine.
// The dedup cache is injectable state, not a package singleton, so tests can
// reset it between runs.
type FrontDoor struct {
	resolver   *identity.Resolver
	reconciler *session.Reconciler
	cache      cache.SessionCache
	executor   StepExecutor
	seen       *gocache.Cache
	window     time.Duration
}

// Opts holds configuration options for the front door.
type Opts struct {
	DedupWindow time.Duration
}

// Option defines a configuration option for the front door.
type Option func(*Opts)

// WithDedupWindow overrides the duplicate-suppression window.
func WithDedupWindow(window time.Duration) Option {
	return func(o *Opts) {
		o.DedupWindow = window
	}
}

// NewFrontDoor creates a front door over the given collaborators.
func NewFrontDoor(resolver *identity.Resolver, reconciler *session.Reconciler, sessionCache cache.SessionCache, executor StepExecutor, opts ...Option) *FrontDoor {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &FrontDoor{
		resolver:   resolver,
		reconciler: reconciler,
		cache:      sessionCache,
		executor:   executor,
		seen:       gocache.New(cfg.DedupWindow, dedupCleanupInterval),
		window:     cfg.DedupWindow,
	}
}

// fingerprint hashes the message text with the dedup window's time bucket so
// that exact repeats inside one window collapse to the same key.
func (f *FrontDoor) fingerprint(sessionID, message string, at time.Time) string {
	bucketSize := int64(f.window.Seconds())
	if bucketSize < 1 {
		bucketSize = 1
	}
	bucket := at.Unix() / bucketSize
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", sessionID, message, bucket))
	return hex.EncodeToString(sum[:])
}

// HandleMessage processes one inbound message. A duplicate inside the dedup
// window is dropped with no side effects: the returned reply is nil and
// duplicate is true. Otherwise the reply from the step executor is returned.
func (f *FrontDoor) HandleMessage(ctx context.Context, msg models.InboundMessage) (reply *models.Reply, duplicate bool, err error) {
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}

	key := f.fingerprint(msg.SessionID, msg.Message, time.Now())
	if addErr := f.seen.Add(key, struct{}{}, f.window); addErr != nil {
		slog.Debug("FrontDoor dropped duplicate message", "sessionID", msg.SessionID)
		return nil, true, nil
	}

	token := msg.RawToken
	if token == "" {
		token = msg.SessionID
	}
	ident := f.resolver.Resolve(ctx, token)
	ident.SessionID = msg.SessionID
	if msg.ChannelHint != "" && models.IsValidChannel(msg.ChannelHint) && ident.Channel == models.ChannelUnknown {
		ident.Channel = msg.ChannelHint
	}

	active, err := f.reconciler.GetActiveFlow(ctx, msg.SessionID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve active flow for %s: %w", msg.SessionID, err)
	}
	var flowCtx *models.FlowContext
	if active != nil {
		flowCtx = active.Context
		slog.Debug("FrontDoor resolved active flow",
			"sessionID", msg.SessionID, "flowRunID", flowCtx.FlowRunID, "source", active.Source, "outOfSync", active.OutOfSync)
	}

	result, err := f.executor.ExecuteStep(ctx, ident, flowCtx, msg.Message)
	if err != nil {
		return nil, false, fmt.Errorf("step executor failed for %s: %w", msg.SessionID, err)
	}
	if result == nil {
		return nil, false, nil
	}

	f.persistResult(ctx, msg.SessionID, result)
	f.appendHistory(ctx, msg.SessionID, msg.Message, result.Reply)
	return result.Reply, false, nil
}

// persistResult hands the executor's outcome back to the reconciler.
func (f *FrontDoor) persistResult(ctx context.Context, sessionID string, result *StepResult) {
	if result.Context == nil {
		return
	}
	flowCtx := result.Context
	switch {
	case result.Status == models.FlowRunStatusCompleted:
		if err := f.reconciler.CompleteFlow(ctx, sessionID, flowCtx.FlowRunID, flowCtx.CurrentState, flowCtx); err != nil {
			slog.Error("FrontDoor failed to complete flow", "error", err, "sessionID", sessionID)
		}
	case result.Status == models.FlowRunStatusFailed:
		if err := f.reconciler.FailFlow(ctx, sessionID, flowCtx.FlowRunID, flowCtx.CurrentState, result.Reason, flowCtx); err != nil {
			slog.Error("FrontDoor failed to fail flow", "error", err, "sessionID", sessionID)
		}
	case flowCtx.FlowRunID == "":
		// The executor started a brand-new flow this turn.
		if _, err := f.reconciler.StartFlow(ctx, sessionID, flowCtx.FlowID, flowCtx.CurrentState, flowCtx); err != nil {
			slog.Error("FrontDoor failed to start flow", "error", err, "sessionID", sessionID)
		}
	default:
		if err := f.reconciler.SaveContext(ctx, sessionID, flowCtx); err != nil {
			slog.Error("FrontDoor failed to save context", "error", err, "sessionID", sessionID)
		}
	}
}

// appendHistory records the user and assistant turns in the session blob's
// auxiliary history. Best effort: the flow pointer is left untouched.
func (f *FrontDoor) appendHistory(ctx context.Context, sessionID, message string, reply *models.Reply) {
	sess, err := f.cache.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("FrontDoor history read failed", "error", err, "sessionID", sessionID)
		return
	}
	if sess == nil {
		sess = models.NewSession(sessionID)
	}
	sess.AppendHistory("user", message)
	if reply != nil && reply.Text != "" {
		sess.AppendHistory("assistant", reply.Text)
	}
	if err := f.cache.SaveSession(ctx, sess); err != nil {
		slog.Warn("FrontDoor history write failed", "error", err, "sessionID", sessionID)
	}
}

// ResetDedup clears the duplicate-suppression cache. Intended for tests.
func (f *FrontDoor) ResetDedup() {
	f.seen.Flush()
}
