// Package runner orchestrates a single backup run from admission to its
// persisted outcome.
package runner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/borg"
	"github.com/borgsched/borgsched/internal/services/connection"
	"github.com/borgsched/borgsched/internal/services/history"
	"github.com/borgsched/borgsched/internal/services/retention"
	"github.com/borgsched/borgsched/internal/services/supervisor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service defines the run orchestration interface exposed to the scheduler
// and to management callers.
type Service interface {
	RunNow(ctx context.Context, jobID uint) (*models.BackupJobRun, error)
	Dispatch(jobID uint)
	GetProgress(runID string) (models.ProgressSnapshot, bool)
	CancelRun(runID string) bool
	TestRepository(ctx context.Context, repoID uint) (*models.ConnectionResult, error)
	ListRuns(jobID uint, limit int) ([]models.BackupJobRun, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	store        history.Store
	connSvc      connection.Service
	superSvc     supervisor.Service
	retentionSvc retention.Service
	locks        *supervisor.LockRegistry

	binary   string
	hostname string
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*supervisor.Handle
}

// New creates a new job runner.
func New(
	logger zerolog.Logger,
	store history.Store,
	connSvc connection.Service,
	superSvc supervisor.Service,
	retentionSvc retention.Service,
	locks *supervisor.LockRegistry,
	binary string,
	hostname string,
) *Impl {
	if binary == "" {
		binary = "borg"
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
	}
	return &Impl{
		store:        store,
		connSvc:      connSvc,
		superSvc:     superSvc,
		retentionSvc: retentionSvc,
		locks:        locks,
		binary:       binary,
		hostname:     hostname,
		logger:       logger,
		active:       make(map[string]*supervisor.Handle),
	}
}

// Dispatch executes a scheduled job in the background. Errors end up in the
// run record; nothing here may take down the scheduler loop.
func (s *Impl) Dispatch(jobID uint) {
	if _, err := s.RunNow(context.Background(), jobID); err != nil {
		s.logger.Error().Err(err).Uint("job_id", jobID).Msg("scheduled run failed")
	}
}

// RunNow admits a run for the job, subject to the same per-repository
// exclusivity as scheduled runs. The returned record is either pending (and
// the run proceeds in the background) or immediately failed at admission.
func (s *Impl) RunNow(ctx context.Context, jobID uint) (*models.BackupJobRun, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	repo, err := s.store.GetRepository(job.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository %d: %w", job.RepositoryID, err)
	}

	if runErr := validateJob(job); runErr != nil {
		return s.rejectRun(job, runErr)
	}

	if !s.locks.TryAcquire(repo.ID) {
		s.logger.Warn().Str("job", job.Name).Str("repository", repo.Name).Msg("repository busy, run rejected")
		return s.rejectRun(job, models.NewRunError(models.ErrKindLockContention,
			"repository %s is locked by another operation", repo.Name))
	}

	run := &models.BackupJobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		StartedAt: time.Now().UTC(),
		Status:    models.RunPending,
	}
	if err := s.store.CreateRun(run); err != nil {
		s.locks.Release(repo.ID)
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	handle := supervisor.NewHandle(run.ID)
	s.mu.Lock()
	s.active[run.ID] = handle
	s.mu.Unlock()

	go s.execute(ctx, job, repo, run, handle)

	return run, nil
}

// rejectRun persists an admission failure as an immediately-failed run.
func (s *Impl) rejectRun(job *models.BackupJob, runErr *models.RunError) (*models.BackupJobRun, error) {
	now := time.Now().UTC()
	run := &models.BackupJobRun{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		StartedAt:    now,
		FinishedAt:   &now,
		Status:       models.RunFailed,
		ErrorKind:    runErr.Kind,
		ErrorMessage: runErr.Message,
	}
	if err := s.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to persist rejected run: %w", err)
	}
	return run, runErr
}

// validateJob rejects definitions that must never reach process execution.
func validateJob(job *models.BackupJob) *models.RunError {
	if len(job.SourcePaths) == 0 {
		return models.NewRunError(models.ErrKindValidation, "job %s has no source paths", job.Name)
	}
	if job.Compression != "" && !models.SupportedCompression(job.Compression) {
		return models.NewRunError(models.ErrKindValidation, "unsupported compression %q", job.Compression)
	}
	return nil
}

// execute drives one admitted run to its terminal state. The repository
// lock is held for the whole span, and the final run state is persisted
// before the lock is released so a subsequent run never observes an
// ambiguous record.
func (s *Impl) execute(ctx context.Context, job *models.BackupJob, repo *models.Repository, run *models.BackupJobRun, handle *supervisor.Handle) {
	startedAt := run.StartedAt
	defer func() {
		now := time.Now().UTC()
		run.FinishedAt = &now
		run.DurationSeconds = int(now.Sub(startedAt).Seconds())
		if err := s.store.FinishRun(run); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to persist run outcome")
		}
		if err := s.store.UpdateJobOutcome(job.ID, startedAt, run.Status); err != nil {
			s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to update job outcome")
		}
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
		s.locks.Release(repo.ID)
	}()

	if err := s.store.UpdateJobOutcome(job.ID, startedAt, models.RunRunning); err != nil {
		s.logger.Error().Err(err).Uint("job_id", job.ID).Msg("failed to mark job running")
	}

	s.logger.Info().Str("job", job.Name).Str("run_id", run.ID).Str("repository", repo.Name).Msg("starting backup run")

	// Pre-flight connection check, bounded by its own timeout.
	check := s.connSvc.Test(ctx, *repo)
	if err := s.store.UpdateRepositoryStatus(repo.ID, check.Status, check.CheckedAt); err != nil {
		s.logger.Error().Err(err).Uint("repository_id", repo.ID).Msg("failed to record connection status")
	}
	if check.Status != models.ConnectionConnected {
		s.failRun(run, handle, models.ErrKindConnection,
			fmt.Sprintf("repository %s: %s", check.Status, check.Message))
		return
	}

	// Pre-backup hook. A nonzero exit aborts the run before borg starts;
	// the hook's output is retained verbatim.
	if job.PreBackupScript != "" {
		output, err := s.superSvc.RunHook(ctx, job.PreBackupScript)
		run.LogOutput = appendLog(run.LogOutput, "pre-backup hook:\n"+output)
		if err != nil {
			s.failRun(run, handle, models.ErrKindHook, fmt.Sprintf("pre-backup hook failed: %v", err))
			return
		}
	}

	inv := borg.Invocation{
		ArchiveName:        job.ResolveArchiveName(s.hostname, startedAt),
		SourcePaths:        job.SourcePaths,
		ExclusionPatterns:  job.ExclusionPatterns,
		Compression:        job.Compression,
		CheckpointInterval: job.CheckpointInterval,
	}

	result, err := s.superSvc.Execute(ctx, handle, borg.BuildEnv(*repo), s.binary, borg.CreateArgs(*repo, inv)...)
	if err != nil {
		s.failRun(run, handle, models.ErrKindProcess, fmt.Sprintf("failed to start backup process: %v", err))
		return
	}

	run.LogOutput = appendLog(run.LogOutput, result.Log)

	switch result.Status {
	case models.RunCancelled:
		run.Status = models.RunCancelled
		run.ErrorMessage = "cancelled by caller"
		return
	case models.RunFailed:
		run.Status = models.RunFailed
		run.ErrorKind = models.ErrKindProcess
		run.ErrorMessage = result.LastErrorLine
		if run.ErrorMessage == "" {
			run.ErrorMessage = fmt.Sprintf("borg exited with code %d", result.ExitCode)
		}
		return
	}

	run.Status = models.RunSucceeded
	s.recordArchive(repo, run, inv.ArchiveName, borg.ParseCreateStats(result.Stdout))

	// Retention runs while the repository token is still held. A prune
	// problem is a warning on the run, never a backup failure.
	if job.AutoPrune {
		s.prune(ctx, job, repo, run)
	}

	// Post-backup hook only after success; the data is already stored, so a
	// hook failure cannot retroactively fail the run.
	if job.PostBackupScript != "" {
		output, err := s.superSvc.RunHook(ctx, job.PostBackupScript)
		run.LogOutput = appendLog(run.LogOutput, "post-backup hook:\n"+output)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", job.Name).Msg("post-backup hook failed")
			run.Warning = appendLog(run.Warning, fmt.Sprintf("post-backup hook failed: %v", err))
		}
	}

	s.logger.Info().Str("job", job.Name).Str("run_id", run.ID).Int("duration_s", run.DurationSeconds).Msg("backup run succeeded")
}

func (s *Impl) failRun(run *models.BackupJobRun, handle *supervisor.Handle, kind models.RunErrorKind, message string) {
	handle.Cancel()
	run.Status = models.RunFailed
	run.ErrorKind = kind
	run.ErrorMessage = message
	s.logger.Error().Str("run_id", run.ID).Str("kind", string(kind)).Msg(message)
}

// recordArchive stores the produced archive and copies its counters onto
// the run record.
func (s *Impl) recordArchive(repo *models.Repository, run *models.BackupJobRun, name string, stats *borg.CreateStats) {
	if stats == nil {
		s.logger.Warn().Str("run_id", run.ID).Msg("backup succeeded but emitted no stats object")
		return
	}

	archive := &models.Archive{
		RepositoryID:     repo.ID,
		Name:             name,
		BorgID:           stats.Archive.ID,
		Duration:         int(stats.Archive.Duration),
		OriginalSize:     stats.Archive.Stats.OriginalSize,
		CompressedSize:   stats.Archive.Stats.CompressedSize,
		DeduplicatedSize: stats.Archive.Stats.DeduplicatedSize,
		NFiles:           stats.Archive.Stats.NFiles,
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000000", stats.Archive.Start); err == nil {
		archive.StartTime = t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000000", stats.Archive.End); err == nil {
		archive.EndTime = t
	}

	if err := s.store.CreateArchive(archive); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to store archive record")
		return
	}

	run.ArchiveID = &archive.ID
	run.BytesProcessed = archive.OriginalSize
	run.BytesDeduplicated = archive.DeduplicatedSize
}

func (s *Impl) prune(ctx context.Context, job *models.BackupJob, repo *models.Repository, run *models.BackupJobRun) {
	result, err := s.retentionSvc.Enforce(ctx, *repo, job.Retention)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", job.Name).Msg("prune failed")
		run.Warning = appendLog(run.Warning, fmt.Sprintf("prune failed: %v", err))
		return
	}
	if result.Warning != "" {
		run.Warning = appendLog(run.Warning, result.Warning)
	}
	run.LogOutput = appendLog(run.LogOutput,
		fmt.Sprintf("prune: kept %d archives, removed %d", result.Kept, result.Removed))
}

// GetProgress returns the latest snapshot for a run. The second result is
// false when the run is not currently running.
func (s *Impl) GetProgress(runID string) (models.ProgressSnapshot, bool) {
	s.mu.Lock()
	handle, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return models.ProgressSnapshot{}, false
	}
	return handle.Progress()
}

// CancelRun requests cancellation of an active run. Returns false when the
// run is not active.
func (s *Impl) CancelRun(runID string) bool {
	s.mu.Lock()
	handle, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle.Cancel()
	return true
}

// TestRepository delegates to the connection validator and records the
// outcome on the repository.
func (s *Impl) TestRepository(ctx context.Context, repoID uint) (*models.ConnectionResult, error) {
	repo, err := s.store.GetRepository(repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository %d: %w", repoID, err)
	}

	result := s.connSvc.Test(ctx, *repo)
	if err := s.store.UpdateRepositoryStatus(repo.ID, result.Status, result.CheckedAt); err != nil {
		s.logger.Error().Err(err).Uint("repository_id", repo.ID).Msg("failed to record connection status")
	}
	return result, nil
}

// ListRuns returns a job's run history, most recent first.
func (s *Impl) ListRuns(jobID uint, limit int) ([]models.BackupJobRun, error) {
	return s.store.ListRuns(jobID, limit)
}

func appendLog(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}
