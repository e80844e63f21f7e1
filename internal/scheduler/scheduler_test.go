package scheduler

import (
	"context"
	"testing"
	"time"
)

type recordingCleaner struct {
	calls  chan int
	maxAge int
}

func (c *recordingCleaner) CleanupStaleFlows(ctx context.Context, maxAgeMinutes int) (int, error) {
	c.maxAge = maxAgeMinutes
	select {
	case c.calls <- 1:
	default:
	}
	return 1, nil
}

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expression", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if err := s.AddJob("@every 1m", func() {}); err != nil {
		t.Errorf("valid @every expression rejected: %v", err)
	}
}

func TestScheduleStaleFlowSweepRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	cleaner := &recordingCleaner{calls: make(chan int, 1)}
	if err := s.ScheduleStaleFlowSweep(cleaner, 10*time.Millisecond, 30); err != nil {
		t.Fatalf("ScheduleStaleFlowSweep failed: %v", err)
	}

	select {
	case <-cleaner.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run within 2s")
	}
	if cleaner.maxAge != 30 {
		t.Errorf("expected maxAgeMinutes 30, got %d", cleaner.maxAge)
	}
}
