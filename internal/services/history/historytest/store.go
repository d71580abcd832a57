// Package historytest provides a function-field mock of history.Store for
// service tests.
package historytest

import (
	"time"

	"github.com/borgsched/borgsched/internal/models"
)

// MockStore implements history.Store. Each method delegates to the matching
// function field and is a no-op returning zero values when the field is nil.
type MockStore struct {
	UpsertRepositoryFunc       func(repo *models.Repository) error
	GetRepositoryFunc          func(id uint) (*models.Repository, error)
	GetRepositoryByNameFunc    func(name string) (*models.Repository, error)
	UpdateRepositoryStatusFunc func(id uint, status models.ConnectionStatus, checked time.Time) error

	CreateJobFunc        func(job *models.BackupJob) error
	UpdateJobFunc        func(job *models.BackupJob) error
	DeleteJobFunc        func(id uint) error
	GetJobFunc           func(id uint) (*models.BackupJob, error)
	GetJobByNameFunc     func(name string) (*models.BackupJob, error)
	ListEnabledJobsFunc  func() ([]models.BackupJob, error)
	UpdateJobOutcomeFunc func(id uint, ranAt time.Time, status models.RunStatus) error
	UpdateJobStatusFunc  func(id uint, status models.RunStatus) error
	UpdateJobNextRunFunc func(id uint, next *time.Time) error

	CreateRunFunc            func(run *models.BackupJobRun) error
	FinishRunFunc            func(run *models.BackupJobRun) error
	GetRunFunc               func(id string) (*models.BackupJobRun, error)
	ListRunsFunc             func(jobID uint, limit int) ([]models.BackupJobRun, error)
	ReconcileInterruptedFunc func() (int64, error)

	CreateArchiveFunc func(archive *models.Archive) error
}

func (m *MockStore) UpsertRepository(repo *models.Repository) error {
	if m.UpsertRepositoryFunc != nil {
		return m.UpsertRepositoryFunc(repo)
	}
	return nil
}

func (m *MockStore) GetRepository(id uint) (*models.Repository, error) {
	if m.GetRepositoryFunc != nil {
		return m.GetRepositoryFunc(id)
	}
	return &models.Repository{ID: id}, nil
}

func (m *MockStore) GetRepositoryByName(name string) (*models.Repository, error) {
	if m.GetRepositoryByNameFunc != nil {
		return m.GetRepositoryByNameFunc(name)
	}
	return &models.Repository{Name: name}, nil
}

func (m *MockStore) UpdateRepositoryStatus(id uint, status models.ConnectionStatus, checked time.Time) error {
	if m.UpdateRepositoryStatusFunc != nil {
		return m.UpdateRepositoryStatusFunc(id, status, checked)
	}
	return nil
}

func (m *MockStore) CreateJob(job *models.BackupJob) error {
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(job)
	}
	return nil
}

func (m *MockStore) UpdateJob(job *models.BackupJob) error {
	if m.UpdateJobFunc != nil {
		return m.UpdateJobFunc(job)
	}
	return nil
}

func (m *MockStore) DeleteJob(id uint) error {
	if m.DeleteJobFunc != nil {
		return m.DeleteJobFunc(id)
	}
	return nil
}

func (m *MockStore) GetJob(id uint) (*models.BackupJob, error) {
	if m.GetJobFunc != nil {
		return m.GetJobFunc(id)
	}
	return &models.BackupJob{ID: id}, nil
}

func (m *MockStore) GetJobByName(name string) (*models.BackupJob, error) {
	if m.GetJobByNameFunc != nil {
		return m.GetJobByNameFunc(name)
	}
	return &models.BackupJob{Name: name}, nil
}

func (m *MockStore) ListEnabledJobs() ([]models.BackupJob, error) {
	if m.ListEnabledJobsFunc != nil {
		return m.ListEnabledJobsFunc()
	}
	return nil, nil
}

func (m *MockStore) UpdateJobOutcome(id uint, ranAt time.Time, status models.RunStatus) error {
	if m.UpdateJobOutcomeFunc != nil {
		return m.UpdateJobOutcomeFunc(id, ranAt, status)
	}
	return nil
}

func (m *MockStore) UpdateJobStatus(id uint, status models.RunStatus) error {
	if m.UpdateJobStatusFunc != nil {
		return m.UpdateJobStatusFunc(id, status)
	}
	return nil
}

func (m *MockStore) UpdateJobNextRun(id uint, next *time.Time) error {
	if m.UpdateJobNextRunFunc != nil {
		return m.UpdateJobNextRunFunc(id, next)
	}
	return nil
}

func (m *MockStore) CreateRun(run *models.BackupJobRun) error {
	if m.CreateRunFunc != nil {
		return m.CreateRunFunc(run)
	}
	return nil
}

func (m *MockStore) FinishRun(run *models.BackupJobRun) error {
	if m.FinishRunFunc != nil {
		return m.FinishRunFunc(run)
	}
	return nil
}

func (m *MockStore) GetRun(id string) (*models.BackupJobRun, error) {
	if m.GetRunFunc != nil {
		return m.GetRunFunc(id)
	}
	return &models.BackupJobRun{ID: id}, nil
}

func (m *MockStore) ListRuns(jobID uint, limit int) ([]models.BackupJobRun, error) {
	if m.ListRunsFunc != nil {
		return m.ListRunsFunc(jobID, limit)
	}
	return nil, nil
}

func (m *MockStore) ReconcileInterrupted() (int64, error) {
	if m.ReconcileInterruptedFunc != nil {
		return m.ReconcileInterruptedFunc()
	}
	return 0, nil
}

func (m *MockStore) CreateArchive(archive *models.Archive) error {
	if m.CreateArchiveFunc != nil {
		return m.CreateArchiveFunc(archive)
	}
	return nil
}
