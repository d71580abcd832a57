//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/borg"
	"github.com/borgsched/borgsched/internal/services/retention"
	"github.com/borgsched/borgsched/internal/services/supervisor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a borg binary on PATH. The repository is created fresh in a
// temporary directory for every test run.
func getTestRepo(t *testing.T) models.Repository {
	t.Helper()

	if _, err := exec.LookPath("borg"); err != nil {
		t.Skip("borg binary not found on PATH")
	}

	repoDir := t.TempDir() + "/repo"
	cmd := exec.Command("borg", "init", "--encryption", "none", repoDir)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	return models.Repository{
		ID:   1,
		Name: "integration",
		URL:  repoDir,
		Kind: models.RepositoryLocal,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func writeTestData(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(dataDir+"/test.txt", []byte("test data for backup"), 0o600))
	return dataDir
}

func TestBorgCreateAndList_Integration(t *testing.T) {
	repo := getTestRepo(t)
	dataDir := writeTestData(t)

	svc := borg.New(testLogger(), "borg")
	superSvc := supervisor.New(testLogger())
	handle := supervisor.NewHandle("integration-run")

	inv := borg.Invocation{
		ArchiveName: "integration-archive",
		SourcePaths: []string{dataDir},
		Compression: models.CompressionLZ4,
	}
	result, err := superSvc.Execute(context.Background(), handle,
		borg.BuildEnv(repo), "borg", borg.CreateArgs(repo, inv)...)

	require.NoError(t, err)
	require.Equal(t, models.RunSucceeded, result.Status)

	stats := borg.ParseCreateStats(result.Stdout)
	require.NotNil(t, stats)
	assert.Equal(t, "integration-archive", stats.Archive.Name)
	assert.Positive(t, stats.Archive.Stats.NFiles)

	archives, err := svc.ListArchives(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "integration-archive", archives[0].Name)
}

func TestBorgInfo_Integration(t *testing.T) {
	repo := getTestRepo(t)

	svc := borg.New(testLogger(), "borg")
	_, err := svc.Info(context.Background(), repo)

	require.NoError(t, err)
}

func TestRetentionEnforce_Integration(t *testing.T) {
	repo := getTestRepo(t)
	dataDir := writeTestData(t)

	svc := borg.New(testLogger(), "borg")
	superSvc := supervisor.New(testLogger())

	for _, name := range []string{"keep-a", "keep-b", "keep-c"} {
		handle := supervisor.NewHandle(name)
		inv := borg.Invocation{ArchiveName: name, SourcePaths: []string{dataDir}}
		result, err := superSvc.Execute(context.Background(), handle,
			borg.BuildEnv(repo), "borg", borg.CreateArgs(repo, inv)...)
		require.NoError(t, err)
		require.Equal(t, models.RunSucceeded, result.Status)
	}

	retentionSvc := retention.New(testLogger(), svc)
	result, err := retentionSvc.Enforce(context.Background(), repo, models.RetentionPolicy{KeepLast: 1})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Kept)
	assert.Equal(t, 2, result.Removed)

	archives, err := svc.ListArchives(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}
