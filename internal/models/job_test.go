package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveArchiveName(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	job := &BackupJob{ArchiveNameTemplate: "{hostname}-docs-{now}"}
	assert.Equal(t, "host1-docs-2024-01-02T03:04:05", job.ResolveArchiveName("host1", now))

	// Empty template falls back to the default.
	job = &BackupJob{}
	assert.Equal(t, "host1-2024-01-02T03:04:05", job.ResolveArchiveName("host1", now))
}

func TestResolveArchiveName_ConvertsToUTC(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, berlin)

	job := &BackupJob{}
	assert.Equal(t, "h-2024-06-01T10:00:00", job.ResolveArchiveName("h", now))
}

func TestStringList_RoundTrip(t *testing.T) {
	list := StringList{"/home", "/etc", "/var/lib"}

	value, err := list.Value()
	require.NoError(t, err)
	assert.Equal(t, "/home\n/etc\n/var/lib", value)

	var scanned StringList
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, list, scanned)

	var empty StringList
	require.NoError(t, empty.Scan(""))
	assert.Nil(t, empty)
}

func TestRetentionPolicy_IsZero(t *testing.T) {
	assert.True(t, RetentionPolicy{}.IsZero())
	assert.False(t, RetentionPolicy{KeepDaily: 1}.IsZero())
	assert.False(t, RetentionPolicy{KeepLast: 2}.IsZero())
}

func TestSupportedCompression(t *testing.T) {
	for _, method := range []string{"none", "lz4", "zstd", "zlib", "lzma"} {
		assert.True(t, SupportedCompression(method), method)
	}
	assert.False(t, SupportedCompression("brotli"))
	assert.False(t, SupportedCompression("gzip"))
}

func TestRunStatus_Terminal(t *testing.T) {
	for _, status := range []RunStatus{RunSucceeded, RunFailed, RunCancelled, RunInterrupted} {
		assert.True(t, status.Terminal(), string(status))
	}
	for _, status := range []RunStatus{RunPending, RunRunning} {
		assert.False(t, status.Terminal(), string(status))
	}
}

func TestRunError(t *testing.T) {
	err := NewRunError(ErrKindLockContention, "repository %s is locked", "nas")

	assert.Equal(t, ErrKindLockContention, err.Kind)
	assert.Equal(t, "repository nas is locked", err.Message)
	assert.Equal(t, "lock_contention: repository nas is locked", err.Error())
}
