// Package scheduler provides periodic job scheduling for FlowRelay.
//
// It drives the stale-flow sweep that bounds how long an interrupted
// conversation can hold the active slot.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// StaleFlowCleaner is the reconciliation operation the sweep invokes.
type StaleFlowCleaner interface {
	CleanupStaleFlows(ctx context.Context, maxAgeMinutes int) (int, error)
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser plus @every descriptors; panics in jobs recover
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleStaleFlowSweep runs the stale-flow cleanup every interval.
func (s *Scheduler) ScheduleStaleFlowSweep(cleaner StaleFlowCleaner, interval time.Duration, maxAgeMinutes int) error {
	return s.AddJob("@every "+interval.String(), func() {
		n, err := cleaner.CleanupStaleFlows(context.Background(), maxAgeMinutes)
		if err != nil {
			slog.Error("Stale flow sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Stale flow sweep abandoned runs", "abandoned", n)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
