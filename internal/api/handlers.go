// Package api provides the request handlers for FlowRelay endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/CanopyChat/FlowRelay/internal/models"
)

// messageHandler handles POST /messages: the channel-adapter entry point.
func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("messageHandler invoked", "method", r.Method, "path", r.URL.Path)

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("messageHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("messageHandler validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, duplicate, err := s.frontDoor.HandleMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, models.ErrMalformedContext) {
			slog.Error("messageHandler malformed stored context", "error", err, "sessionID", msg.SessionID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Stored flow state is unreadable"))
			return
		}
		slog.Error("messageHandler processing failed", "error", err, "sessionID", msg.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	if duplicate {
		// Duplicate sends are dropped with no side effects and no reply.
		writeJSONResponse(w, http.StatusOK, models.Dropped())
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// activeFlowHandler handles GET /sessions/{id}/flow.
func (s *Server) activeFlowHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Session ID is required"))
		return
	}

	active, err := s.reconciler.GetActiveFlow(r.Context(), sessionID)
	if err != nil {
		slog.Error("activeFlowHandler reconciliation failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve active flow"))
		return
	}
	if active == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No active flow", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(active))
}

// verifyPhoneHandler handles POST /sessions/{id}/verify: links a verified
// phone number to a session after an out-of-band OTP check.
func (s *Server) verifyPhoneHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Session ID is required"))
		return
	}

	var req models.VerifyPhoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("verifyPhoneHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.resolver.LinkPhoneToSession(r.Context(), sessionID, req.PhoneNumber); err != nil {
		if errors.Is(err, models.ErrInvalidPhoneNumber) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
			return
		}
		slog.Error("verifyPhoneHandler linking failed", "error", err, "sessionID", sessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to link phone"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Phone linked", nil))
}

// cleanupHandler handles POST /admin/flows/cleanup: a manual stale sweep.
func (s *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CleanupRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}

	n, err := s.reconciler.CleanupStaleFlows(r.Context(), req.MaxAgeMinutes)
	if err != nil {
		slog.Error("cleanupHandler sweep failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clean up stale flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"abandoned": n}))
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
