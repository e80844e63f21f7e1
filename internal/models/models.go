// Package models defines the core data structures for FlowRelay.
//
// It includes types for flow runs, session blobs, identity resolution, and the
// API envelopes shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Channel identifies the conversational channel a raw token arrived on.
type Channel string

const (
	// ChannelWhatsApp is a phone-backed WhatsApp conversation.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelWeb is a browser chat-widget session.
	ChannelWeb Channel = "web"
	// ChannelTelegram is a Telegram bot session.
	ChannelTelegram Channel = "telegram"
	// ChannelSMS is a plain SMS conversation.
	ChannelSMS Channel = "sms"
	// ChannelVoice is a voice-call session.
	ChannelVoice Channel = "voice"
	// ChannelUnknown is any token whose shape matches no known channel.
	ChannelUnknown Channel = "unknown"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelWeb, ChannelTelegram, ChannelSMS, ChannelVoice, ChannelUnknown:
		return true
	default:
		return false
	}
}

// FlowRunStatus describes the lifecycle of a durable flow run row.
type FlowRunStatus string

const (
	// FlowRunStatusActive marks a run currently driving a conversation.
	FlowRunStatusActive FlowRunStatus = "active"
	// FlowRunStatusCompleted marks a run that finished normally.
	FlowRunStatusCompleted FlowRunStatus = "completed"
	// FlowRunStatusFailed marks a run that ended with an error.
	FlowRunStatusFailed FlowRunStatus = "failed"
	// FlowRunStatusAbandoned marks a run superseded or cleaned up.
	FlowRunStatusAbandoned FlowRunStatus = "abandoned"
)

// IsTerminal reports whether the status permits no further state writes.
func (s FlowRunStatus) IsTerminal() bool {
	switch s {
	case FlowRunStatusCompleted, FlowRunStatusFailed, FlowRunStatusAbandoned:
		return true
	default:
		return false
	}
}

// IsValidFlowRunStatus checks if the given status is supported.
func IsValidFlowRunStatus(s FlowRunStatus) bool {
	return s == FlowRunStatusActive || s.IsTerminal()
}

// Error variables for better error handling and testability
var (
	ErrEmptySessionID      = errors.New("session ID cannot be empty")
	ErrEmptyFlowID         = errors.New("flow ID cannot be empty")
	ErrEmptyMessage        = errors.New("message cannot be empty")
	ErrEmptyPhoneNumber    = errors.New("phone number cannot be empty")
	ErrInvalidPhoneNumber  = errors.New("invalid phone number")
	ErrFlowRunNotFound     = errors.New("flow run not found")
	ErrFlowRunTerminal     = errors.New("flow run is in a terminal state")
	ErrInvalidStatus       = errors.New("invalid flow run status")
	ErrMessageTooLong      = errors.New("message exceeds maximum length")
	ErrMalformedContext    = errors.New("stored flow context is malformed")
	ErrInvalidTransition   = errors.New("invalid flow run status transition")
	ErrSessionBlobMissing  = errors.New("session blob not found")
	ErrCacheUnavailable    = errors.New("session cache unavailable")
	ErrDuplicateActiveFlow = errors.New("session already has an active flow run")
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an inbound message body
	MaxMessageLength = 8192
	// MaxHistoryEntries bounds the trimmed conversation history kept in a session blob
	MaxHistoryEntries = 40
)

// FlowRun is the durable record of one flow execution. The row is the
// permanent source of truth when the session cache is empty or stale.
type FlowRun struct {
	ID           string        `json:"id"`
	FlowID       string        `json:"flow_id"`
	SessionID    string        `json:"session_id"`
	CurrentState string        `json:"current_state"`
	Context      string        `json:"context,omitempty"` // serialized FlowContext snapshot
	Status       FlowRunStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// CanTransitionTo reports whether the run may move to the given status.
// Terminal states are final; only active runs may transition.
func (r *FlowRun) CanTransitionTo(next FlowRunStatus) bool {
	if !IsValidFlowRunStatus(next) {
		return false
	}
	return r.Status == FlowRunStatusActive && next != FlowRunStatusActive
}

// HistoryEntry is one turn of trimmed conversation history kept in the
// session blob alongside the flow pointer.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the ephemeral per-conversation blob held in the session cache.
// FlowContext is nil when no flow is active; the remaining fields are
// auxiliary conversation state that must survive flow-context mutations.
type Session struct {
	SessionID     string            `json:"session_id"`
	FlowContext   *FlowContext      `json:"flow_context,omitempty"`
	History       []HistoryEntry    `json:"history,omitempty"`
	Profile       map[string]string `json:"profile,omitempty"`
	Authenticated bool              `json:"authenticated"`
	UserID        string            `json:"user_id,omitempty"`
	AuthToken     string            `json:"auth_token,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewSession creates an empty session blob for first contact.
func NewSession(sessionID string) *Session {
	now := time.Now()
	return &Session{
		SessionID: sessionID,
		Profile:   make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendHistory appends a turn and trims the history to MaxHistoryEntries.
func (s *Session) AppendHistory(role, content string) {
	s.History = append(s.History, HistoryEntry{Role: role, Content: content, Timestamp: time.Now()})
	s.TrimHistory(MaxHistoryEntries)
}

// TrimHistory bounds the conversation history to the last max entries.
func (s *Session) TrimHistory(max int) {
	if max >= 0 && len(s.History) > max {
		s.History = s.History[len(s.History)-max:]
	}
}

// IdentityResolution is the read-time projection of a raw channel token onto
// a canonical identity. It is created fresh per resolution call and never
// persisted as an entity.
type IdentityResolution struct {
	SessionID       string  `json:"session_id"`
	PhoneNumber     string  `json:"phone_number,omitempty"`
	IsPhoneVerified bool    `json:"is_phone_verified"`
	Channel         Channel `json:"channel"`
	UserID          string  `json:"user_id,omitempty"`
	AuthToken       string  `json:"auth_token,omitempty"`
}

// Reply is the opaque response payload handed back to a channel adapter.
// Either Text or Payload is set; structured payloads (buttons, lists) are
// rendered per-channel by the adapter, not here.
type Reply struct {
	Text    string          `json:"text,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InboundMessage is the per-message call supplied by a channel adapter.
type InboundMessage struct {
	SessionID   string  `json:"session_id"`
	RawToken    string  `json:"raw_token,omitempty"`
	Message     string  `json:"message"`
	ChannelHint Channel `json:"channel_hint,omitempty"`
}

// Validate checks the inbound message for required fields and length limits.
func (m *InboundMessage) Validate() error {
	if m.SessionID == "" {
		return ErrEmptySessionID
	}
	if m.Message == "" {
		return ErrEmptyMessage
	}
	if len(m.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// VerifyPhoneRequest links a verified phone number to a session.
type VerifyPhoneRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// Validate checks the verify request for required fields.
func (r *VerifyPhoneRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	return nil
}

// CleanupRequest triggers a manual stale-flow sweep.
type CleanupRequest struct {
	MaxAgeMinutes int `json:"max_age_minutes,omitempty"`
}
