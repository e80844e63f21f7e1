package models

import (
	"reflect"
	"testing"
)

func TestFlowContextRoundTrip(t *testing.T) {
	c := NewFlowContext("order_flow", "web-abc1", "collect_address")
	c.FlowRunID = "fr1"
	c.PhoneNumber = "+919876543210"
	c.SetData("name", "Asha")
	c.SetData("quantity", float64(3))
	c.SetData("address", map[string]interface{}{
		"line1": "12 MG Road",
		"pin":   float64(560001),
	})
	c.SetData("items", []interface{}{"idli", "dosa"})
	c.RecordAttempt("collect_address")
	c.RecordAttempt("collect_address")

	serialized, err := c.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	restored, err := FlowContextFromJSON(serialized)
	if err != nil {
		t.Fatalf("FlowContextFromJSON failed: %v", err)
	}

	if !reflect.DeepEqual(restored.CollectedData, c.CollectedData) {
		t.Errorf("collected data did not round-trip: got %#v, want %#v", restored.CollectedData, c.CollectedData)
	}
	if !reflect.DeepEqual(restored.StepAttempts, c.StepAttempts) {
		t.Errorf("step attempts did not round-trip: got %#v, want %#v", restored.StepAttempts, c.StepAttempts)
	}
	if restored.FlowRunID != "fr1" || restored.CurrentState != "collect_address" {
		t.Errorf("identity fields did not round-trip: %+v", restored)
	}
}

func TestFlowContextDropsNonSerializableValues(t *testing.T) {
	c := NewFlowContext("order_flow", "web-abc1", "collect_address")
	c.SetData("ok", "kept")
	c.SetData("bad", make(chan int))

	if _, exists := c.CollectedData["bad"]; exists {
		t.Error("non-serializable value should have been dropped on SetData")
	}

	// A value smuggled in directly is dropped by Sanitize rather than failing.
	c.CollectedData["worse"] = func() {}
	c.Sanitize()
	if _, exists := c.CollectedData["worse"]; exists {
		t.Error("non-serializable value should have been dropped on Sanitize")
	}
	if c.CollectedData["ok"] != "kept" {
		t.Errorf("serializable value lost: %#v", c.CollectedData)
	}
}

func TestFlowContextFromJSONMalformed(t *testing.T) {
	if _, err := FlowContextFromJSON("{not json"); err == nil {
		t.Error("expected error for malformed snapshot, got nil")
	}
}

func TestRecordAttempt(t *testing.T) {
	c := NewFlowContext("f", "s", "start")
	if n := c.RecordAttempt("step1"); n != 1 {
		t.Errorf("first attempt: expected 1, got %d", n)
	}
	if n := c.RecordAttempt("step1"); n != 2 {
		t.Errorf("second attempt: expected 2, got %d", n)
	}
	if n := c.RecordAttempt("step2"); n != 1 {
		t.Errorf("other step: expected 1, got %d", n)
	}
}

func TestClearData(t *testing.T) {
	c := NewFlowContext("f", "s", "start")
	c.SetData("keep", "a")
	c.SetData("drop", "b")
	c.ClearData("drop")
	if _, exists := c.CollectedData["drop"]; exists {
		t.Error("cleared key still present")
	}
	if c.CollectedData["keep"] != "a" {
		t.Error("unrelated key lost")
	}
}

func TestClone(t *testing.T) {
	c := NewFlowContext("f", "s", "start")
	c.SetData("nested", map[string]interface{}{"k": "v"})
	copied := c.Clone()
	copied.CollectedData["nested"].(map[string]interface{})["k"] = "changed"
	if c.CollectedData["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("Clone should deep-copy collected data")
	}
}
