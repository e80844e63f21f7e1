// Package testutil provides common test utilities and helpers for FlowRelay tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/CanopyChat/FlowRelay/internal/api"
	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/identity"
	"github.com/CanopyChat/FlowRelay/internal/ingest"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/session"
	"github.com/CanopyChat/FlowRelay/internal/store"
)

// EchoExecutor is a step executor that advances a single-step flow and
// echoes the message back. Used by front-door and API tests.
func EchoExecutor() ingest.StepExecutor {
	return ingest.ExecutorFunc(func(ctx context.Context, ident models.IdentityResolution, flowCtx *models.FlowContext, message string) (*ingest.StepResult, error) {
		if flowCtx == nil {
			flowCtx = models.NewFlowContext("echo_flow", ident.SessionID, "echoing")
		}
		flowCtx.SetData("last_message", message)
		return &ingest.StepResult{
			Context: flowCtx,
			Status:  models.FlowRunStatusActive,
			Reply:   &models.Reply{Text: message},
		}, nil
	})
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across test files.
func NewTestServer() (*api.Server, *store.InMemoryStore, *cache.InMemorySessionCache) {
	st := store.NewInMemoryStore()
	sessionCache := cache.NewInMemorySessionCache()
	resolver := identity.NewResolver(sessionCache)
	reconciler := session.NewReconciler(sessionCache, st)
	frontDoor := ingest.NewFrontDoor(resolver, reconciler, sessionCache, EchoExecutor())
	return api.NewServer(frontDoor, reconciler, resolver), st, sessionCache
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}
