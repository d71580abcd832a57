package supervisor

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockRegistry serializes operations per repository. Each repository id maps
// to a single-slot semaphore; TryAcquire never blocks, so a colliding caller
// gets an immediate lock-contention answer instead of queueing.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[uint]*semaphore.Weighted
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[uint]*semaphore.Weighted)}
}

func (r *LockRegistry) lock(repoID uint) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[repoID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.locks[repoID] = sem
	}
	return sem
}

// TryAcquire takes the exclusive token for a repository without blocking.
// It returns false when another operation already holds it.
func (r *LockRegistry) TryAcquire(repoID uint) bool {
	return r.lock(repoID).TryAcquire(1)
}

// Release returns the token. Must only be called by the current holder.
func (r *LockRegistry) Release(repoID uint) {
	r.lock(repoID).Release(1)
}
