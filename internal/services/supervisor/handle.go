package supervisor

import (
	"sync"
	"sync/atomic"

	"github.com/borgsched/borgsched/internal/models"
)

// Handle tracks one supervised run: its state machine and the latest
// published progress snapshot. Snapshot reads are lock-free; the executing
// goroutine is the single writer and replacement is atomic, so pollers never
// observe a torn value and never block the writer.
type Handle struct {
	runID string

	mu     sync.Mutex
	status models.RunStatus

	snapshot  atomic.Value // models.ProgressSnapshot
	cancelled atomic.Bool
	cancelCh  chan struct{}
}

// NewHandle creates a handle in the pending state.
func NewHandle(runID string) *Handle {
	h := &Handle{
		runID:    runID,
		status:   models.RunPending,
		cancelCh: make(chan struct{}),
	}
	h.snapshot.Store(models.ProgressSnapshot{})
	return h
}

// RunID returns the identity of the supervised run.
func (h *Handle) RunID() string {
	return h.runID
}

// Status returns the current run state.
func (h *Handle) Status() models.RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(status models.RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status = status
}

// Progress returns the latest snapshot. The second result is false once the
// run is no longer in the running state.
func (h *Handle) Progress() (models.ProgressSnapshot, bool) {
	snap := h.snapshot.Load().(models.ProgressSnapshot)
	return snap, h.Status() == models.RunRunning
}

func (h *Handle) publish(snap models.ProgressSnapshot) {
	h.snapshot.Store(snap)
}

func (h *Handle) latest() models.ProgressSnapshot {
	return h.snapshot.Load().(models.ProgressSnapshot)
}

// Cancel requests a cooperative cancellation. The run transitions to
// cancelled only after the external process has actually exited; calling
// Cancel on a finished run is a no-op.
func (h *Handle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		close(h.cancelCh)
	}
}

// CancelRequested reports whether Cancel has been called.
func (h *Handle) CancelRequested() bool {
	return h.cancelled.Load()
}
