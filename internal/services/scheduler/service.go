// Package scheduler owns the process-wide timer loop that turns cron
// expressions into dispatched job executions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/history"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = 30 * time.Second

// DispatchFunc hands a due job off to the runner. It is invoked on its own
// goroutine so a slow backup never stalls the timer loop.
type DispatchFunc func(jobID uint)

// NextTrigger computes the smallest instant strictly after the given time
// that matches the five-field cron expression, evaluated in the named
// timezone (UTC when empty). Pure: inject `after` to test without a clock.
func NextTrigger(expr, timezone string, after time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}

// entry is one registered job in the active set.
type entry struct {
	expr     string
	timezone string
	next     time.Time
}

// Service defines the interface for the cron scheduler.
type Service interface {
	Register(job models.BackupJob) error
	Unregister(jobID uint)
	Tick(now time.Time)
	Start(ctx context.Context)
}

// Impl implements the scheduler Service interface.
type Impl struct {
	store    history.Store
	dispatch DispatchFunc
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[uint]*entry
}

// New creates a new scheduler.
func New(logger zerolog.Logger, store history.Store, dispatch DispatchFunc, interval time.Duration) *Impl {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Impl{
		store:    store,
		dispatch: dispatch,
		interval: interval,
		logger:   logger,
		entries:  make(map[uint]*entry),
	}
}

// Register adds a job to the active set and computes its next trigger from
// now. Disabled jobs are removed instead. A malformed cron expression marks
// the job invalid in the store, excludes it from dispatch and is returned to
// the caller; it is never silently dropped.
func (s *Impl) Register(job models.BackupJob) error {
	if !job.Enabled {
		s.Unregister(job.ID)
		return nil
	}

	next, err := NextTrigger(job.ScheduleCron, job.Timezone, time.Now())
	if err != nil {
		s.Unregister(job.ID)
		if storeErr := s.store.UpdateJobStatus(job.ID, models.JobStatusInvalid); storeErr != nil {
			s.logger.Error().Err(storeErr).Uint("job_id", job.ID).Msg("failed to persist invalid job status")
		}
		if storeErr := s.store.UpdateJobNextRun(job.ID, nil); storeErr != nil {
			s.logger.Error().Err(storeErr).Uint("job_id", job.ID).Msg("failed to clear next run")
		}
		s.logger.Error().Err(err).Uint("job_id", job.ID).Str("job", job.Name).Msg("job excluded from scheduling")
		return err
	}

	s.mu.Lock()
	s.entries[job.ID] = &entry{expr: job.ScheduleCron, timezone: job.Timezone, next: next}
	s.mu.Unlock()

	if err := s.store.UpdateJobNextRun(job.ID, &next); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to persist next run")
	}

	s.logger.Info().Str("job", job.Name).Time("next_run", next).Msg("job scheduled")
	return nil
}

// Unregister removes a job from the active set. In-flight runs of the job
// are unaffected.
func (s *Impl) Unregister(jobID uint) {
	s.mu.Lock()
	_, existed := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()

	if existed {
		s.logger.Info().Uint("job_id", jobID).Msg("job unscheduled")
	}
}

// NextRun returns the job's next trigger, if it is in the active set.
func (s *Impl) NextRun(jobID uint) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Tick dispatches every job whose trigger has expired and immediately
// recomputes its next trigger from now. Dispatch happens out-of-band; the
// timer loop never waits on a run.
func (s *Impl) Tick(now time.Time) {
	due := s.collectDue(now)
	for _, jobID := range due {
		s.logger.Info().Uint("job_id", jobID).Msg("dispatching scheduled run")
		go s.dispatch(jobID)
	}
}

func (s *Impl) collectDue(now time.Time) []uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []uint
	for jobID, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due = append(due, jobID)

		next, err := NextTrigger(e.expr, e.timezone, now)
		if err != nil {
			// Cannot happen for an expression that parsed at registration,
			// but a stale entry must not fire forever.
			delete(s.entries, jobID)
			continue
		}
		e.next = next
		if storeErr := s.store.UpdateJobNextRun(jobID, &next); storeErr != nil {
			s.logger.Error().Err(storeErr).Uint("job_id", jobID).Msg("failed to persist next run")
		}
	}
	return due
}

// Start runs the timer loop until the context is cancelled.
func (s *Impl) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
