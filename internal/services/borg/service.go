// Package borg wraps invocations of the external borg binary.
package borg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the borg operations that run to completion and are
// consumed via their captured output. Long-running create invocations are
// streamed by the supervisor instead and only borrow the command builders.
type Service interface {
	Info(ctx context.Context, repo models.Repository) ([]byte, error)
	ListArchives(ctx context.Context, repo models.Repository) ([]ArchiveInfo, error)
	DeleteArchives(ctx context.Context, repo models.Repository, names []string) ([]byte, error)
	Compact(ctx context.Context, repo models.Repository) ([]byte, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Invocation is the fully resolved parameter set for one borg create call.
type Invocation struct {
	ArchiveName        string
	SourcePaths        []string
	ExclusionPatterns  []string
	Compression        string
	CheckpointInterval int // seconds
}

// ArchiveInfo is one entry of borg list --json.
type ArchiveInfo struct {
	Name   string
	BorgID string
	Time   time.Time
}

// Impl implements the Service interface.
type Impl struct {
	binary   string
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new borg service invoking the given binary.
func New(logger zerolog.Logger, binary string) *Impl {
	if binary == "" {
		binary = "borg"
	}
	return &Impl{
		binary:   binary,
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new borg service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, binary string, executor CommandExecutor) *Impl {
	svc := New(logger, binary)
	svc.executor = executor
	return svc
}

// Binary returns the configured borg binary name.
func (s *Impl) Binary() string {
	return s.binary
}

// BuildEnv returns the environment variables needed to reach the repository:
// passphrase, prompt suppression and, for SSH repositories, the BORG_RSH
// command including key or sshpass password authentication.
func BuildEnv(repo models.Repository) []string {
	env := []string{
		"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK=yes",
		"BORG_RELOCATED_REPO_ACCESS_IS_OK=yes",
	}
	if repo.Passphrase != "" {
		env = append(env, fmt.Sprintf("BORG_PASSPHRASE=%s", repo.Passphrase))
	}

	if repo.Kind == models.RepositorySSH {
		rsh := "ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o LogLevel=ERROR -o BatchMode=yes"
		if repo.SSHAuthMethod == models.SSHAuthKey && repo.SSHKeyPath != "" {
			rsh += " -i " + repo.SSHKeyPath
		}
		if repo.SSHAuthMethod == models.SSHAuthPassword && repo.SSHPassword != "" {
			env = append(env, fmt.Sprintf("SSHPASS=%s", repo.SSHPassword))
			rsh = "sshpass -e " + rsh
		}
		env = append(env, fmt.Sprintf("BORG_RSH=%s", rsh))
	}

	return env
}

// remoteArgs returns the --remote-path flag for SSH repositories.
func remoteArgs(repo models.Repository) []string {
	if repo.Kind == models.RepositorySSH && repo.RemotePath != "" {
		return []string{"--remote-path", repo.RemotePath}
	}
	return nil
}

// CreateArgs builds the argument list for borg create, with progress and
// stats emitted as JSON lines for the supervisor to stream.
func CreateArgs(repo models.Repository, inv Invocation) []string {
	args := []string{"create", "--stats", "--json", "--progress", "--log-json"}
	args = append(args, remoteArgs(repo)...)

	if inv.Compression != "" && inv.Compression != models.CompressionNone {
		args = append(args, "--compression", inv.Compression)
	}
	if inv.CheckpointInterval > 0 {
		args = append(args, "--checkpoint-interval", strconv.Itoa(inv.CheckpointInterval))
	}
	for _, pattern := range inv.ExclusionPatterns {
		args = append(args, "--exclude", pattern)
	}

	args = append(args, fmt.Sprintf("%s::%s", repo.URL, inv.ArchiveName))
	args = append(args, inv.SourcePaths...)
	return args
}

// CreateStats is the final JSON object borg create --stats --json prints on
// stdout after a successful run.
type CreateStats struct {
	Archive struct {
		ID       string  `json:"id"`
		Name     string  `json:"name"`
		Start    string  `json:"start"`
		End      string  `json:"end"`
		Duration float64 `json:"duration"`
		Stats    struct {
			OriginalSize     int64 `json:"original_size"`
			CompressedSize   int64 `json:"compressed_size"`
			DeduplicatedSize int64 `json:"deduplicated_size"`
			NFiles           int   `json:"nfiles"`
		} `json:"stats"`
	} `json:"archive"`
}

// ParseCreateStats decodes the stdout of borg create --stats --json.
// Returns nil when the output holds no archive object; callers treat that as
// a missing-stats run, not a failure.
func ParseCreateStats(stdout []byte) *CreateStats {
	var stats CreateStats
	if err := json.Unmarshal(stdout, &stats); err != nil {
		return nil
	}
	if stats.Archive.ID == "" && stats.Archive.Name == "" {
		return nil
	}
	return &stats
}

// Info queries the repository. Used as the pre-flight reachability probe.
func (s *Impl) Info(ctx context.Context, repo models.Repository) ([]byte, error) {
	s.logger.Debug().Str("repository", repo.Name).Msg("querying repository info")

	args := []string{"info", "--json"}
	args = append(args, remoteArgs(repo)...)
	args = append(args, repo.URL)

	return s.executor.ExecuteWithEnv(ctx, BuildEnv(repo), s.binary, args...)
}

// listResponse is the JSON structure returned by borg list --json.
type listResponse struct {
	Archives []struct {
		Archive string `json:"archive"`
		ID      string `json:"id"`
		Time    string `json:"time"`
	} `json:"archives"`
}

// ListArchives returns all archives in the repository.
func (s *Impl) ListArchives(ctx context.Context, repo models.Repository) ([]ArchiveInfo, error) {
	s.logger.Debug().Str("repository", repo.Name).Msg("listing archives")

	args := []string{"list", "--json"}
	args = append(args, remoteArgs(repo)...)
	args = append(args, repo.URL)

	output, err := s.executor.ExecuteWithEnv(ctx, BuildEnv(repo), s.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w, output: %s", err, string(output))
	}

	var resp listResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse archive list: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(resp.Archives))
	for _, a := range resp.Archives {
		// borg emits local time without zone, e.g. "2024-01-02T03:04:05.000000"
		t, err := parseArchiveTime(a.Time)
		if err != nil {
			s.logger.Warn().Str("archive", a.Archive).Str("time", a.Time).Msg("skipping archive with unparseable timestamp")
			continue
		}
		archives = append(archives, ArchiveInfo{Name: a.Archive, BorgID: a.ID, Time: t})
	}

	s.logger.Debug().Int("count", len(archives)).Msg("archives listed")
	return archives, nil
}

func parseArchiveTime(raw string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.000000",
		"2006-01-02T15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized archive timestamp %q", raw)
}

// DeleteArchives removes the named archives in a single batch invocation.
func (s *Impl) DeleteArchives(ctx context.Context, repo models.Repository, names []string) ([]byte, error) {
	if len(names) == 0 {
		return nil, nil
	}

	s.logger.Info().Str("repository", repo.Name).Int("count", len(names)).Msg("deleting archives")

	args := []string{"delete"}
	args = append(args, remoteArgs(repo)...)
	args = append(args, repo.URL)
	args = append(args, names...)

	output, err := s.executor.ExecuteWithEnv(ctx, BuildEnv(repo), s.binary, args...)
	if err != nil {
		return output, fmt.Errorf("failed to delete archives: %w, output: %s", err, string(output))
	}
	return output, nil
}

// Compact reclaims space freed by deleted archives.
func (s *Impl) Compact(ctx context.Context, repo models.Repository) ([]byte, error) {
	s.logger.Info().Str("repository", repo.Name).Msg("compacting repository")

	args := []string{"compact"}
	args = append(args, remoteArgs(repo)...)
	args = append(args, repo.URL)

	output, err := s.executor.ExecuteWithEnv(ctx, BuildEnv(repo), s.binary, args...)
	if err != nil {
		return output, fmt.Errorf("failed to compact repository: %w, output: %s", err, string(output))
	}
	return output, nil
}
