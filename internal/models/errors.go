package models

import "fmt"

// RunErrorKind classifies why a run failed. The kind is persisted alongside
// the human readable message so callers can react without string matching.
type RunErrorKind string

const (
	// ErrKindValidation covers bad cron expressions, empty source path lists
	// and unsupported compression. Rejected at admission, never executed.
	ErrKindValidation RunErrorKind = "validation"
	// ErrKindConnection means the pre-flight connection test failed; no
	// process was spawned.
	ErrKindConnection RunErrorKind = "connection"
	// ErrKindLockContention means the repository was already busy with
	// another operation. The run is rejected, not queued.
	ErrKindLockContention RunErrorKind = "lock_contention"
	// ErrKindHook means the pre-backup hook exited nonzero.
	ErrKindHook RunErrorKind = "hook"
	// ErrKindProcess means borg itself exited nonzero.
	ErrKindProcess RunErrorKind = "process"
)

// RunError carries a classified failure through the runner into the
// persisted run record.
type RunError struct {
	Kind    RunErrorKind
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRunError builds a classified run error.
func NewRunError(kind RunErrorKind, format string, args ...interface{}) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
