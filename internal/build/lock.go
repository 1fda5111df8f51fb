package build

import "sync"

// LockManager hands out one non-blocking lock per workspace so a workspace
// never runs two pipelines at once. Different workspaces do not contend.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// TryLock acquires the lock for name without blocking and reports whether
// it succeeded. The caller must Unlock after a successful TryLock.
func (lm *LockManager) TryLock(name string) bool {
	lm.mu.Lock()
	lock, exists := lm.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		lm.locks[name] = lock
	}
	lm.mu.Unlock()

	return lock.TryLock()
}

// Unlock releases the lock for name. Unknown names are ignored.
func (lm *LockManager) Unlock(name string) {
	lm.mu.Lock()
	lock := lm.locks[name]
	lm.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
}
