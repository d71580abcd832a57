package models

import "time"

// RunStatus is the state of a backup job run.
//
// State machine: pending -> running -> {succeeded, failed, cancelled}.
// Terminal states are final. "interrupted" is assigned at startup to runs
// that were still marked pending or running before a restart.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"

	// JobStatusInvalid is a job-level marker for definitions whose cron
	// expression failed validation; such jobs are excluded from dispatch
	// until corrected.
	JobStatusInvalid RunStatus = "invalid"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunInterrupted:
		return true
	}
	return false
}

// BackupJobRun is one execution attempt of a job. Append-only history:
// once FinishedAt is set the record is never modified again.
type BackupJobRun struct {
	ID        string `gorm:"primaryKey"` // uuid
	JobID     uint   `gorm:"index;not null"`
	ArchiveID *uint

	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus `gorm:"index"`

	LogOutput    string
	ErrorMessage string
	ErrorKind    RunErrorKind
	Warning      string // non-fatal prune / post-hook diagnostics

	BytesProcessed    int64
	BytesDeduplicated int64
	DurationSeconds   int
}

// Archive is one completed backup snapshot produced by a single run.
type Archive struct {
	ID           uint   `gorm:"primaryKey"`
	RepositoryID uint   `gorm:"index;not null"`
	Name         string `gorm:"not null"`
	BorgID       string

	StartTime time.Time
	EndTime   time.Time
	Duration  int // seconds

	OriginalSize     int64
	CompressedSize   int64
	DeduplicatedSize int64
	NFiles           int

	CreatedAt time.Time
}
