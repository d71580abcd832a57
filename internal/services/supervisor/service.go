// Package supervisor starts, monitors and kills the external backup process
// and enforces per-repository mutual exclusion.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/borgsched/borgsched/internal/models"
	"github.com/borgsched/borgsched/internal/services/progress"
	"github.com/rs/zerolog"
)

// Service defines the interface for supervised process execution.
type Service interface {
	Execute(ctx context.Context, handle *Handle, env []string, name string, args ...string) (*Result, error)
	RunHook(ctx context.Context, script string) (string, error)
}

// Result is the classified outcome of one supervised process.
type Result struct {
	Status        models.RunStatus // succeeded, failed or cancelled
	ExitCode      int
	Stdout        []byte // final stats object for borg create --json
	Log           string // non-progress output lines
	LastErrorLine string
}

// Impl implements the supervisor Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new process supervisor.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Execute spawns the command in its own process group and supervises it to
// completion. Stderr is read incrementally: progress records feed the
// handle's snapshot, everything else lands in the log buffer. Stdout is
// captured whole for the final stats object. A cancellation request sends
// SIGTERM to the process group and the run is reported cancelled once the
// process has confirmed exit, regardless of its exit code.
func (s *Impl) Execute(ctx context.Context, handle *Handle, env []string, name string, args ...string) (*Result, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	// Own process group so a termination signal reaches borg's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	handle.setStatus(models.RunRunning)
	s.logger.Info().Str("run_id", handle.RunID()).Str("command", name).Int("pid", cmd.Process.Pid).Msg("process started")

	done := make(chan struct{})
	go s.watchCancellation(ctx, handle, cmd.Process.Pid, done)

	var logBuf strings.Builder
	// Error-level diagnostics win over whatever borg prints last.
	var lastErrorLine string
	var lastLine string

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if snap, ok := progress.Parse(handle.latest(), line); ok {
			handle.publish(snap)
			continue
		}
		if msg, isError, ok := progress.ParseLogMessage(line); ok {
			logBuf.WriteString(msg)
			logBuf.WriteByte('\n')
			if msg != "" {
				lastLine = msg
				if isError {
					lastErrorLine = msg
				}
			}
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lastLine = trimmed
		}
		logBuf.WriteString(line)
		logBuf.WriteByte('\n')
	}
	if lastErrorLine == "" {
		lastErrorLine = lastLine
	}

	waitErr := cmd.Wait()
	close(done)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			if lastErrorLine == "" {
				lastErrorLine = waitErr.Error()
			}
		}
	}

	result := &Result{
		ExitCode:      exitCode,
		Stdout:        stdout.Bytes(),
		Log:           logBuf.String(),
		LastErrorLine: lastErrorLine,
	}

	switch {
	case handle.CancelRequested():
		result.Status = models.RunCancelled
	case exitCode == 0:
		result.Status = models.RunSucceeded
	default:
		result.Status = models.RunFailed
	}
	handle.setStatus(result.Status)

	s.logger.Info().
		Str("run_id", handle.RunID()).
		Str("status", string(result.Status)).
		Int("exit_code", exitCode).
		Msg("process finished")

	return result, nil
}

// watchCancellation delivers SIGTERM to the process group when the handle is
// cancelled or the context expires before the process has finished.
func (s *Impl) watchCancellation(ctx context.Context, handle *Handle, pid int, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-handle.cancelCh:
		s.logger.Warn().Str("run_id", handle.RunID()).Msg("cancellation requested, terminating process group")
	case <-ctx.Done():
		handle.Cancel()
		s.logger.Warn().Str("run_id", handle.RunID()).Msg("context cancelled, terminating process group")
	}
	// Negative pid addresses the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to signal process group")
	}
}

// RunHook executes a pre/post backup shell command and returns its combined
// output verbatim.
func (s *Impl) RunHook(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("hook failed: %w", err)
	}
	return string(output), nil
}
