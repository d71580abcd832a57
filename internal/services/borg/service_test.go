package borg

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecutor is a mock implementation of CommandExecutor for testing.
type mockExecutor struct {
	executeWithEnvFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

func (m *mockExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	if m.executeWithEnvFunc != nil {
		return m.executeWithEnvFunc(ctx, env, name, args...)
	}
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func localRepo() models.Repository {
	return models.Repository{
		Name:       "local",
		URL:        "/backups/repo",
		Kind:       models.RepositoryLocal,
		Passphrase: "secret",
	}
}

func sshRepo() models.Repository {
	return models.Repository{
		Name:          "nas",
		URL:           "ssh://borg@nas.local:22/./repo",
		Kind:          models.RepositorySSH,
		SSHAuthMethod: models.SSHAuthKey,
		SSHKeyPath:    "/etc/borgsched/id_ed25519",
		RemotePath:    "borg-1.4",
		Passphrase:    "secret",
	}
}

func TestBuildEnv_LocalRepository(t *testing.T) {
	env := BuildEnv(localRepo())

	assert.Contains(t, env, "BORG_PASSPHRASE=secret")
	assert.Contains(t, env, "BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK=yes")
	assert.Contains(t, env, "BORG_RELOCATED_REPO_ACCESS_IS_OK=yes")
	for _, e := range env {
		assert.NotContains(t, e, "BORG_RSH")
	}
}

func TestBuildEnv_NoPassphrase(t *testing.T) {
	repo := localRepo()
	repo.Passphrase = ""

	env := BuildEnv(repo)

	for _, e := range env {
		assert.NotContains(t, e, "BORG_PASSPHRASE")
	}
}

func TestBuildEnv_SSHKeyAuth(t *testing.T) {
	env := BuildEnv(sshRepo())

	assert.Contains(t, env, "BORG_RSH=ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o LogLevel=ERROR -o BatchMode=yes -i /etc/borgsched/id_ed25519")
}

func TestBuildEnv_SSHPasswordAuth(t *testing.T) {
	repo := sshRepo()
	repo.SSHAuthMethod = models.SSHAuthPassword
	repo.SSHKeyPath = ""
	repo.SSHPassword = "hunter2"

	env := BuildEnv(repo)

	assert.Contains(t, env, "SSHPASS=hunter2")
	assert.Contains(t, env, "BORG_RSH=sshpass -e ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o LogLevel=ERROR -o BatchMode=yes")
}

func TestCreateArgs(t *testing.T) {
	inv := Invocation{
		ArchiveName:        "host-2024-01-02T03:04:05",
		SourcePaths:        []string{"/home", "/etc"},
		ExclusionPatterns:  []string{"*.tmp", "*/cache/*"},
		Compression:        models.CompressionZstd,
		CheckpointInterval: 1800,
	}

	args := CreateArgs(sshRepo(), inv)

	assert.Equal(t, []string{
		"create", "--stats", "--json", "--progress", "--log-json",
		"--remote-path", "borg-1.4",
		"--compression", "zstd",
		"--checkpoint-interval", "1800",
		"--exclude", "*.tmp",
		"--exclude", "*/cache/*",
		"ssh://borg@nas.local:22/./repo::host-2024-01-02T03:04:05",
		"/home", "/etc",
	}, args)
}

func TestCreateArgs_MinimalLocal(t *testing.T) {
	inv := Invocation{
		ArchiveName: "host-2024-01-02T03:04:05",
		SourcePaths: []string{"/data"},
		Compression: models.CompressionNone,
	}

	args := CreateArgs(localRepo(), inv)

	assert.Equal(t, []string{
		"create", "--stats", "--json", "--progress", "--log-json",
		"/backups/repo::host-2024-01-02T03:04:05",
		"/data",
	}, args)
}

func TestParseCreateStats(t *testing.T) {
	stdout := []byte(`{
		"archive": {
			"id": "abc123",
			"name": "host-2024-01-02T03:04:05",
			"start": "2024-01-02T03:04:05.000000",
			"end": "2024-01-02T03:06:05.000000",
			"duration": 120.0,
			"stats": {
				"original_size": 1000,
				"compressed_size": 600,
				"deduplicated_size": 200,
				"nfiles": 12
			}
		}
	}`)

	stats := ParseCreateStats(stdout)

	require.NotNil(t, stats)
	assert.Equal(t, "abc123", stats.Archive.ID)
	assert.Equal(t, 120.0, stats.Archive.Duration)
	assert.Equal(t, int64(200), stats.Archive.Stats.DeduplicatedSize)
	assert.Equal(t, 12, stats.Archive.Stats.NFiles)
}

func TestParseCreateStats_EmptyOutput(t *testing.T) {
	assert.Nil(t, ParseCreateStats(nil))
	assert.Nil(t, ParseCreateStats([]byte("")))
	assert.Nil(t, ParseCreateStats([]byte("{}")))
	assert.Nil(t, ParseCreateStats([]byte("not json")))
}

func TestListArchives(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "borg", name)
			assert.Equal(t, []string{"list", "--json", "/backups/repo"}, args)
			return []byte(`{
				"archives": [
					{"archive": "host-2024-01-01T02:00:00", "id": "aaa", "time": "2024-01-01T02:00:00.000000"},
					{"archive": "host-2024-01-02T02:00:00", "id": "bbb", "time": "2024-01-02T02:00:00"}
				]
			}`), nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	archives, err := svc.ListArchives(context.Background(), localRepo())

	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "host-2024-01-01T02:00:00", archives[0].Name)
	assert.Equal(t, "aaa", archives[0].BorgID)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), archives[0].Time)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), archives[1].Time)
}

func TestListArchives_SkipsUnparseableTimestamps(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			return []byte(`{"archives": [{"archive": "broken", "id": "x", "time": "yesterday"}]}`), nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	archives, err := svc.ListArchives(context.Background(), localRepo())

	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestListArchives_CommandError(t *testing.T) {
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			return []byte("Repository /backups/repo does not exist."), errors.New("exit status 2")
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	_, err := svc.ListArchives(context.Background(), localRepo())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDeleteArchives_EmptyListIsNoop(t *testing.T) {
	called := false
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			called = true
			return nil, nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	_, err := svc.DeleteArchives(context.Background(), localRepo(), nil)

	require.NoError(t, err)
	assert.False(t, called)
}

func TestDeleteArchives_BatchesNames(t *testing.T) {
	var gotArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			gotArgs = args
			return []byte("done"), nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	_, err := svc.DeleteArchives(context.Background(), localRepo(), []string{"a1", "a2", "a3"})

	require.NoError(t, err)
	assert.Equal(t, []string{"delete", "/backups/repo", "a1", "a2", "a3"}, gotArgs)
}

func TestCompact_RemotePath(t *testing.T) {
	var gotArgs []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			gotArgs = args
			return nil, nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	_, err := svc.Compact(context.Background(), sshRepo())

	require.NoError(t, err)
	assert.Equal(t, []string{"compact", "--remote-path", "borg-1.4", "ssh://borg@nas.local:22/./repo"}, gotArgs)
}

func TestInfo_PassesEnvThrough(t *testing.T) {
	var gotEnv []string
	executor := &mockExecutor{
		executeWithEnvFunc: func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
			gotEnv = env
			return []byte(`{"repository": {}}`), nil
		},
	}

	svc := NewWithExecutor(testLogger(), "borg", executor)
	_, err := svc.Info(context.Background(), sshRepo())

	require.NoError(t, err)
	assert.Contains(t, gotEnv, "BORG_PASSPHRASE=secret")
}
