// Package jobs implements the management operations for backup job
// definitions: create, update, delete and the startup sync of declarative
// config definitions into the store.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/history"
	"github.com/borgsched/borgsched/internal/services/scheduler"
	"github.com/rs/zerolog"
)

// Service defines the job management interface consumed by CRUD callers.
type Service interface {
	Create(job *models.BackupJob) error
	Update(job *models.BackupJob) error
	Delete(jobID uint) error
	SyncConfig(cfg models.ServerConfig) error
}

// Impl implements the jobs Service interface.
type Impl struct {
	store  history.Store
	sched  scheduler.Service
	logger zerolog.Logger
}

// New creates a new job management service.
func New(logger zerolog.Logger, store history.Store, sched scheduler.Service) *Impl {
	return &Impl{store: store, sched: sched, logger: logger}
}

// Validate checks a job definition the same way admission does, plus the
// schedule fields that only matter to the scheduler.
func Validate(job *models.BackupJob) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(job.SourcePaths) == 0 {
		return fmt.Errorf("job %s: at least one source path is required", job.Name)
	}
	if job.Compression != "" && !models.SupportedCompression(job.Compression) {
		return fmt.Errorf("job %s: unsupported compression %q", job.Name, job.Compression)
	}
	if _, err := scheduler.NextTrigger(job.ScheduleCron, job.Timezone, time.Now()); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	return nil
}

// Create validates the definition, computes its next trigger synchronously
// and registers it with the scheduler.
func (s *Impl) Create(job *models.BackupJob) error {
	if err := Validate(job); err != nil {
		return err
	}

	if job.Enabled {
		next, err := scheduler.NextTrigger(job.ScheduleCron, job.Timezone, time.Now())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	}

	if err := s.store.CreateJob(job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.sched.Register(*job); err != nil {
		return err
	}

	s.logger.Info().Str("job", job.Name).Str("cron", job.ScheduleCron).Msg("job created")
	return nil
}

// Update re-validates the definition, recomputes the next trigger and
// re-registers the job. Disabling a job removes it from the active set but
// leaves an in-flight run untouched.
func (s *Impl) Update(job *models.BackupJob) error {
	if err := Validate(job); err != nil {
		return err
	}

	if job.Enabled {
		next, err := scheduler.NextTrigger(job.ScheduleCron, job.Timezone, time.Now())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	} else {
		job.NextRunAt = nil
	}

	if err := s.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if err := s.sched.Register(*job); err != nil {
		return err
	}

	s.logger.Info().Str("job", job.Name).Msg("job updated")
	return nil
}

// Delete removes the job from the store and the scheduler's active set.
// In-flight runs keep running; only future dispatch stops.
func (s *Impl) Delete(jobID uint) error {
	if err := s.store.DeleteJob(jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	s.sched.Unregister(jobID)
	s.logger.Info().Uint("job_id", jobID).Msg("job deleted")
	return nil
}

// SyncConfig upserts the repositories and jobs declared in the config file
// into the store and registers every enabled job. Called once at startup
// after interrupted-run reconciliation.
func (s *Impl) SyncConfig(cfg models.ServerConfig) error {
	for i := range cfg.Repositories {
		repo := cfg.Repositories[i]
		if err := s.store.UpsertRepository(&repo); err != nil {
			return fmt.Errorf("failed to sync repository %s: %w", repo.Name, err)
		}
	}

	for _, def := range cfg.Jobs {
		repo, err := s.store.GetRepositoryByName(def.Repository)
		if err != nil {
			return fmt.Errorf("job %s references unknown repository %q", def.Job.Name, def.Repository)
		}

		job := def.Job
		job.RepositoryID = repo.ID

		existing, err := s.store.GetJobByName(job.Name)
		switch {
		case errors.Is(err, history.ErrNotFound):
			if err := s.Create(&job); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Preserve identity and run tracking across restarts.
			job.ID = existing.ID
			job.CreatedAt = existing.CreatedAt
			job.LastRunAt = existing.LastRunAt
			job.LastStatus = existing.LastStatus
			if err := s.Update(&job); err != nil {
				return err
			}
		}
	}

	return nil
}
