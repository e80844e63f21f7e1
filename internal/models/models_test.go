package models

import "testing"

func TestFlowRunStatusIsTerminal(t *testing.T) {
	cases := []struct {
		status   FlowRunStatus
		terminal bool
	}{
		{FlowRunStatusActive, false},
		{FlowRunStatusCompleted, true},
		{FlowRunStatusFailed, true},
		{FlowRunStatusAbandoned, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("IsTerminal(%s): expected %v, got %v", tc.status, tc.terminal, got)
		}
	}
}

func TestFlowRunCanTransitionTo(t *testing.T) {
	run := FlowRun{ID: "fr1", Status: FlowRunStatusActive}
	if !run.CanTransitionTo(FlowRunStatusCompleted) {
		t.Error("active run should be able to complete")
	}
	if run.CanTransitionTo(FlowRunStatusActive) {
		t.Error("active -> active is not a transition")
	}

	run.Status = FlowRunStatusCompleted
	if run.CanTransitionTo(FlowRunStatusAbandoned) {
		t.Error("terminal states are final")
	}
}

func TestSessionTrimHistory(t *testing.T) {
	s := NewSession("web-1")
	for i := 0; i < MaxHistoryEntries+10; i++ {
		s.AppendHistory("user", "hello")
	}
	if len(s.History) != MaxHistoryEntries {
		t.Errorf("expected history trimmed to %d, got %d", MaxHistoryEntries, len(s.History))
	}
}

func TestInboundMessageValidate(t *testing.T) {
	msg := InboundMessage{SessionID: "web-1", Message: "hi"}
	if err := msg.Validate(); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}

	msg = InboundMessage{Message: "hi"}
	if err := msg.Validate(); err != ErrEmptySessionID {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}

	msg = InboundMessage{SessionID: "web-1"}
	if err := msg.Validate(); err != ErrEmptyMessage {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}
