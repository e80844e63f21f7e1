// Package models defines the flow execution context for FlowRelay flows.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// FlowContext is the serializable value object describing one flow
// execution's live state. It is carried in the session blob, snapshotted
// into the durable flow_run row, and handed to the step executor each turn.
type FlowContext struct {
	FlowID        string                 `json:"flow_id"`
	FlowRunID     string                 `json:"flow_run_id,omitempty"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	CurrentState  string                 `json:"current_state"`
	CollectedData map[string]interface{} `json:"collected_data,omitempty"`
	StepAttempts  map[string]int         `json:"step_attempts,omitempty"`
	PhoneNumber   string                 `json:"phone_number,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
}

// NewFlowContext creates a context for a fresh flow execution.
func NewFlowContext(flowID, sessionID, initialState string) *FlowContext {
	return &FlowContext{
		FlowID:        flowID,
		SessionID:     sessionID,
		CurrentState:  initialState,
		CollectedData: make(map[string]interface{}),
		StepAttempts:  make(map[string]int),
	}
}

// SetData records a collected value under key, dropping values that cannot
// be represented in JSON rather than failing the turn.
func (c *FlowContext) SetData(key string, value interface{}) {
	normalized, ok := normalizeJSONValue(value)
	if !ok {
		slog.Warn("FlowContext.SetData dropping non-serializable value", "key", key)
		return
	}
	if c.CollectedData == nil {
		c.CollectedData = make(map[string]interface{})
	}
	c.CollectedData[key] = normalized
}

// ClearData removes a collected value. Collected data otherwise grows
// monotonically across steps.
func (c *FlowContext) ClearData(key string) {
	delete(c.CollectedData, key)
}

// RecordAttempt increments and returns the retry counter for a step.
func (c *FlowContext) RecordAttempt(stepID string) int {
	if c.StepAttempts == nil {
		c.StepAttempts = make(map[string]int)
	}
	c.StepAttempts[stepID]++
	return c.StepAttempts[stepID]
}

// Sanitize rewrites collected data through JSON so that a subsequent
// round-trip is lossless. Non-serializable values are dropped.
func (c *FlowContext) Sanitize() {
	if c.CollectedData == nil {
		return
	}
	clean := make(map[string]interface{}, len(c.CollectedData))
	for k, v := range c.CollectedData {
		normalized, ok := normalizeJSONValue(v)
		if !ok {
			slog.Warn("FlowContext.Sanitize dropping non-serializable value", "key", k)
			continue
		}
		clean[k] = normalized
	}
	c.CollectedData = clean
}

// ToJSON serializes the context for durable storage. The context is
// sanitized first so the stored snapshot always round-trips.
func (c *FlowContext) ToJSON() (string, error) {
	c.Sanitize()
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to serialize flow context: %w", err)
	}
	return string(data), nil
}

// FlowContextFromJSON reconstructs a context from a stored snapshot.
func FlowContextFromJSON(data string) (*FlowContext, error) {
	var c FlowContext
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContext, err)
	}
	return &c, nil
}

// Clone returns a deep copy of the context via JSON round-trip.
func (c *FlowContext) Clone() *FlowContext {
	data, err := json.Marshal(c)
	if err != nil {
		// Fall back to a shallow copy; Sanitize on the copy drops the offender.
		copied := *c
		copied.Sanitize()
		return &copied
	}
	var copied FlowContext
	if err := json.Unmarshal(data, &copied); err != nil {
		copied = *c
	}
	return &copied
}

// normalizeJSONValue passes a value through JSON encoding so that numbers,
// nested objects and arrays take their canonical JSON-decoded shape.
func normalizeJSONValue(v interface{}) (interface{}, bool) {
	if v == nil {
		return nil, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var normalized interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, false
	}
	return normalized, true
}
