// Package scheduler provides scheduling logic for LingoPipe.
//
// A cron wrapper drives two recurring jobs: the per-minute proactive sweep
// over the subscriber fleet, and hourly housekeeping of expired onboarding
// records and dedup markers.
package scheduler

import (
	"github.com/robfig/cron/v3"
)

// Cron expressions for the recurring jobs.
const (
	// SweepCronExpr runs the proactive sweep once a minute so every
	// subscriber's local send hour is observed regardless of timezone.
	SweepCronExpr = "* * * * *"
	// HousekeepingCronExpr runs cleanup at the top of every hour.
	HousekeepingCronExpr = "0 * * * *"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
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

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
