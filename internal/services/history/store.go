// Package history persists job definitions, run attempts and their outcomes.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the durable record of jobs, repositories and runs.
type Store interface {
	UpsertRepository(repo *models.Repository) error
	GetRepository(id uint) (*models.Repository, error)
	GetRepositoryByName(name string) (*models.Repository, error)
	UpdateRepositoryStatus(id uint, status models.ConnectionStatus, checked time.Time) error

	CreateJob(job *models.BackupJob) error
	UpdateJob(job *models.BackupJob) error
	DeleteJob(id uint) error
	GetJob(id uint) (*models.BackupJob, error)
	GetJobByName(name string) (*models.BackupJob, error)
	ListEnabledJobs() ([]models.BackupJob, error)
	UpdateJobOutcome(id uint, ranAt time.Time, status models.RunStatus) error
	UpdateJobStatus(id uint, status models.RunStatus) error
	UpdateJobNextRun(id uint, next *time.Time) error

	CreateRun(run *models.BackupJobRun) error
	FinishRun(run *models.BackupJobRun) error
	GetRun(id string) (*models.BackupJobRun, error)
	ListRuns(jobID uint, limit int) ([]models.BackupJobRun, error)
	ReconcileInterrupted() (int64, error)

	CreateArchive(archive *models.Archive) error
}

// Impl implements Store on a sqlite database.
type Impl struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the sqlite database at path.
func Open(log zerolog.Logger, path string) (*Impl, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&models.Repository{},
		&models.BackupJob{},
		&models.BackupJobRun{},
		&models.Archive{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Impl{db: db, logger: log}, nil
}

// UpsertRepository creates the repository or updates it by name.
func (s *Impl) UpsertRepository(repo *models.Repository) error {
	var existing models.Repository
	err := s.db.Where("name = ?", repo.Name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.Create(repo).Error
	case err != nil:
		return err
	default:
		repo.ID = existing.ID
		repo.CreatedAt = existing.CreatedAt
		return s.db.Save(repo).Error
	}
}

// GetRepository fetches a repository by id.
func (s *Impl) GetRepository(id uint) (*models.Repository, error) {
	var repo models.Repository
	if err := s.db.First(&repo, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &repo, nil
}

// GetRepositoryByName fetches a repository by its unique name.
func (s *Impl) GetRepositoryByName(name string) (*models.Repository, error) {
	var repo models.Repository
	if err := s.db.Where("name = ?", name).First(&repo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &repo, nil
}

// UpdateRepositoryStatus records the outcome of a connection test.
func (s *Impl) UpdateRepositoryStatus(id uint, status models.ConnectionStatus, checked time.Time) error {
	return s.db.Model(&models.Repository{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_status": status, "last_checked": checked}).Error
}

// CreateJob stores a new job definition.
func (s *Impl) CreateJob(job *models.BackupJob) error {
	return s.db.Create(job).Error
}

// UpdateJob saves an updated job definition.
func (s *Impl) UpdateJob(job *models.BackupJob) error {
	return s.db.Save(job).Error
}

// DeleteJob removes a job definition. Run history is kept.
func (s *Impl) DeleteJob(id uint) error {
	return s.db.Delete(&models.BackupJob{}, id).Error
}

// GetJob fetches a job by id.
func (s *Impl) GetJob(id uint) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobByName fetches a job by its unique name.
func (s *Impl) GetJobByName(name string) (*models.BackupJob, error) {
	var job models.BackupJob
	if err := s.db.Where("name = ?", name).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListEnabledJobs returns all jobs eligible for scheduling.
func (s *Impl) ListEnabledJobs() ([]models.BackupJob, error) {
	var jobs []models.BackupJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// UpdateJobOutcome records the last run time and status on the job.
func (s *Impl) UpdateJobOutcome(id uint, ranAt time.Time, status models.RunStatus) error {
	return s.db.Model(&models.BackupJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_run_at": ranAt, "last_status": status}).Error
}

// UpdateJobStatus sets the job's last status without touching run times.
func (s *Impl) UpdateJobStatus(id uint, status models.RunStatus) error {
	return s.db.Model(&models.BackupJob{}).Where("id = ?", id).
		Update("last_status", status).Error
}

// UpdateJobNextRun records the next trigger instant.
func (s *Impl) UpdateJobNextRun(id uint, next *time.Time) error {
	return s.db.Model(&models.BackupJob{}).Where("id = ?", id).
		Update("next_run_at", next).Error
}

// CreateRun appends a new run record.
func (s *Impl) CreateRun(run *models.BackupJobRun) error {
	return s.db.Create(run).Error
}

// FinishRun persists the final state of a run. The record is immutable
// afterwards; callers must write it before releasing the repository lock.
func (s *Impl) FinishRun(run *models.BackupJobRun) error {
	return s.db.Save(run).Error
}

// GetRun fetches a run by id.
func (s *Impl) GetRun(id string) (*models.BackupJobRun, error) {
	var run models.BackupJobRun
	if err := s.db.Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns a job's run history, most recent first.
func (s *Impl) ListRuns(jobID uint, limit int) ([]models.BackupJobRun, error) {
	var runs []models.BackupJobRun
	q := s.db.Where("job_id = ?", jobID).Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ReconcileInterrupted reclassifies runs still marked pending or running
// from before a restart. Called once at startup, before the scheduler loop;
// any such record belongs to a process that no longer exists.
func (s *Impl) ReconcileInterrupted() (int64, error) {
	now := time.Now().UTC()
	res := s.db.Model(&models.BackupJobRun{}).
		Where("status IN ?", []models.RunStatus{models.RunPending, models.RunRunning}).
		Updates(map[string]interface{}{
			"status":        models.RunInterrupted,
			"finished_at":   now,
			"error_message": "interrupted by daemon restart",
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Warn().Int64("count", res.RowsAffected).Msg("reclassified stale runs as interrupted")
	}
	return res.RowsAffected, nil
}

// CreateArchive stores a produced archive record.
func (s *Impl) CreateArchive(archive *models.Archive) error {
	return s.db.Create(archive).Error
}
