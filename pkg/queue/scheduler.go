package queue

import (
	"context"

	"github.com/guido-cesarano/taskqueue/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Scheduler drives recurring enqueues on a cron spec — a supplemented
// feature with no equivalent in the original source, carried forward from
// the teacher's Client.Schedule/StartCronScheduler because it is genuinely
// useful and was already idiomatic in the teacher's codebase (spec_full §5).
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler wraps a new cron.Cron (seconds-resolution, matching the
// teacher's cron.New(cron.WithSeconds())). No job runs until Start is called.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

// Schedule registers spec to enqueue fn with opts on every trigger. It
// returns the cron.EntryID so callers can later cancel it.
func (s *Scheduler) Schedule(p *Producer, spec, fn string, opts Options) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		if _, err := p.Enqueue(context.Background(), fn, opts); err != nil {
			logger.Component("scheduler").Error().Err(err).Str("spec", spec).Str("func", fn).Msg("scheduled enqueue failed")
		}
	})
}

// Remove cancels a previously scheduled entry.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
