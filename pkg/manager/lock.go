package manager

import "sync"

// VolumeLockManager provides per-volume mutex management for serializing
// operations on individual volumes while allowing concurrent operations
// on different volumes.
type VolumeLockManager struct {
	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps volume label to per-volume lock
	locks map[string]*volumeLock
}

// volumeLock is a per-volume mutex. refs counts holders plus waiters; the
// entry leaves the map only when it drops to zero, so every caller unlocks
// the same mutex it locked.
type volumeLock struct {
	mu   sync.Mutex
	refs int
}

// NewVolumeLockManager creates a new VolumeLockManager
func NewVolumeLockManager() *VolumeLockManager {
	return &VolumeLockManager{
		locks: make(map[string]*volumeLock),
	}
}

// Lock acquires the per-volume lock for label, creating it on first use.
// This method blocks until the lock is acquired.
func (vlm *VolumeLockManager) Lock(label string) {
	vlm.mu.Lock()
	lock, exists := vlm.locks[label]
	if !exists {
		lock = &volumeLock{}
		vlm.locks[label] = lock
	}
	lock.refs++
	// Release the map lock before waiting on the volume
	vlm.mu.Unlock()

	lock.mu.Lock()
}

// Unlock releases the per-volume lock for label.
// The lock must have been previously acquired with Lock().
func (vlm *VolumeLockManager) Unlock(label string) {
	vlm.mu.Lock()
	lock, exists := vlm.locks[label]
	if !exists {
		vlm.mu.Unlock()
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(vlm.locks, label)
	}
	vlm.mu.Unlock()

	lock.mu.Unlock()
}

// Forget releases the lock of a deleted volume. The caller must hold it.
// Waiters queued on the old volume still get and release the same mutex,
// so a volume re-added under label never shares a holder with them.
func (vlm *VolumeLockManager) Forget(label string) {
	vlm.Unlock(label)
}

// refs returns the number of holders and waiters of label
func (vlm *VolumeLockManager) refs(label string) int {
	vlm.mu.Lock()
	defer vlm.mu.Unlock()
	if lock, ok := vlm.locks[label]; ok {
		return lock.refs
	}
	return 0
}
