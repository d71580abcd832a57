package models

import (
	"database/sql/driver"
	"strings"
	"time"
)

// Compression methods accepted by borg create.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
	CompressionZlib = "zlib"
	CompressionLZMA = "lzma"
)

// SupportedCompression reports whether borg understands the given method.
func SupportedCompression(method string) bool {
	switch method {
	case CompressionNone, CompressionLZ4, CompressionZstd, CompressionZlib, CompressionLZMA:
		return true
	}
	return false
}

// RetentionPolicy defines how many archives to keep per generational bucket.
// A zero count means the bucket is unset and contributes no keep-marks.
type RetentionPolicy struct {
	KeepLast    int
	KeepHourly  int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
	KeepYearly  int
}

// IsZero reports whether no bucket is configured at all.
func (p RetentionPolicy) IsZero() bool {
	return p.KeepLast == 0 && p.KeepHourly == 0 && p.KeepDaily == 0 &&
		p.KeepWeekly == 0 && p.KeepMonthly == 0 && p.KeepYearly == 0
}

// BackupJob is a declarative, schedulable backup definition.
type BackupJob struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"uniqueIndex;not null"`
	RepositoryID uint   `gorm:"not null"`
	Enabled      bool

	SourcePaths       StringList `gorm:"type:text"`
	ExclusionPatterns StringList `gorm:"type:text"`

	ScheduleCron string // five-field cron expression
	Timezone     string // IANA name, e.g. "Europe/Berlin"; empty means UTC

	Compression         string
	ArchiveNameTemplate string // supports {hostname} and {now}
	CheckpointInterval  int    // seconds, passed through to borg create

	PreBackupScript  string
	PostBackupScript string

	Retention RetentionPolicy `gorm:"embedded"`
	AutoPrune bool

	LastRunAt  *time.Time
	LastStatus RunStatus
	NextRunAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResolveArchiveName expands the archive name template for one run.
func (j *BackupJob) ResolveArchiveName(hostname string, now time.Time) string {
	tmpl := j.ArchiveNameTemplate
	if tmpl == "" {
		tmpl = "{hostname}-{now}"
	}
	name := strings.ReplaceAll(tmpl, "{hostname}", hostname)
	return strings.ReplaceAll(name, "{now}", now.UTC().Format("2006-01-02T15:04:05"))
}

// StringList stores a slice of strings as a single newline separated column.
// Keeps sqlite rows readable without a join table.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	return strings.Join(l, "\n"), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	}
	if raw == "" {
		*l = nil
		return nil
	}
	*l = strings.Split(raw, "\n")
	return nil
}
