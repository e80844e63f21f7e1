package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/api"
	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/identity"
	"github.com/CanopyChat/FlowRelay/internal/ingest"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/session"
	"github.com/CanopyChat/FlowRelay/internal/store"
	"github.com/CanopyChat/FlowRelay/internal/testutil"
)

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestMessageEndpoint(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	rr := postJSON(t, server.Handler(), "/messages", models.InboundMessage{
		SessionID: "web-abc1",
		Message:   "hello there",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /messages")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	reply, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected reply object, got %v", response["result"])
	}
	if reply["text"] != "hello there" {
		t.Errorf("expected echo reply, got %v", reply["text"])
	}
}

func TestMessageEndpointRejectsInvalidJSON(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "POST /messages invalid JSON")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestMessageEndpointRejectsMissingFields(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	rr := postJSON(t, server.Handler(), "/messages", models.InboundMessage{SessionID: "web-abc1"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "POST /messages missing message")

	rr = postJSON(t, server.Handler(), "/messages", models.InboundMessage{Message: "hi"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "POST /messages missing session")
}

func TestMessageEndpointDropsDuplicates(t *testing.T) {
	st := store.NewInMemoryStore()
	sessionCache := cache.NewInMemorySessionCache()
	resolver := identity.NewResolver(sessionCache)
	reconciler := session.NewReconciler(sessionCache, st)
	// A wide dedup window keeps both sends inside one time bucket.
	frontDoor := ingest.NewFrontDoor(resolver, reconciler, sessionCache, testutil.EchoExecutor(),
		ingest.WithDedupWindow(time.Hour))
	server := api.NewServer(frontDoor, reconciler, resolver)

	msg := models.InboundMessage{SessionID: "web-abc1", Message: "hi"}
	rr := postJSON(t, server.Handler(), "/messages", msg)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first send")
	testutil.AssertJSONResponse(t, rr, "ok")

	rr = postJSON(t, server.Handler(), "/messages", msg)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "duplicate send")
	testutil.AssertJSONResponse(t, rr, "dropped")
}

func TestActiveFlowEndpoint(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	// No flow yet.
	req := httptest.NewRequest(http.MethodGet, "/sessions/web-abc1/flow", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET flow before any message")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	if response["result"] != nil {
		t.Errorf("expected nil result before any flow, got %v", response["result"])
	}

	// A message starts the echo flow.
	postJSON(t, server.Handler(), "/messages", models.InboundMessage{SessionID: "web-abc1", Message: "hi"})

	req = httptest.NewRequest(http.MethodGet, "/sessions/web-abc1/flow", nil)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET flow after message")
	response = testutil.AssertJSONResponse(t, rr, "ok")

	active, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected active flow object, got %v", response["result"])
	}
	if active["source"] != "synced" {
		t.Errorf("expected source synced, got %v", active["source"])
	}
	flowCtx, ok := active["context"].(map[string]interface{})
	if !ok || flowCtx["flow_id"] != "echo_flow" {
		t.Errorf("unexpected flow context: %v", active["context"])
	}
}

func TestVerifyPhoneEndpoint(t *testing.T) {
	server, _, sessionCache := testutil.NewTestServer()

	rr := postJSON(t, server.Handler(), "/sessions/web-abc1/verify", models.VerifyPhoneRequest{
		PhoneNumber: "9876543210",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST verify")
	testutil.AssertJSONResponse(t, rr, "ok")

	phone, err := sessionCache.GetPhoneMapping(context.Background(), "web-abc1")
	if err != nil || phone != "+919876543210" {
		t.Errorf("expected normalized mapping, got %q (err %v)", phone, err)
	}
	sess, _ := sessionCache.GetSession(context.Background(), "web-abc1")
	if sess == nil || !sess.Authenticated {
		t.Error("session not marked authenticated after verification")
	}
}

func TestVerifyPhoneEndpointRejectsInvalidNumber(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	rr := postJSON(t, server.Handler(), "/sessions/web-abc1/verify", models.VerifyPhoneRequest{
		PhoneNumber: "not-a-phone",
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "POST verify invalid phone")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestCleanupEndpoint(t *testing.T) {
	server, st, _ := testutil.NewTestServer()
	st.CreateFlowRun(context.Background(), models.FlowRun{
		ID: "fr-stale", FlowID: "order_flow", SessionID: "web-idle",
		CurrentState: "collect_address", Status: models.FlowRunStatusActive,
		StartedAt: time.Now().Add(-2 * time.Hour),
	})

	rr := postJSON(t, server.Handler(), "/admin/flows/cleanup", models.CleanupRequest{MaxAgeMinutes: 30})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST cleanup")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	result, ok := response["result"].(map[string]interface{})
	if !ok || result["abandoned"] != float64(1) {
		t.Errorf("expected 1 abandoned run, got %v", response["result"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /health")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestUnknownMethodRejected(t *testing.T) {
	server, _, _ := testutil.NewTestServer()

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /messages, got %d", rr.Code)
	}
}
