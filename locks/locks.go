// Package locks provides the dispatch lock manager: per
// (node, entity type, entity) mutual exclusion that suppresses duplicate
// concurrent dispatches. There is no blocking wait; callers that fail to
// acquire skip the work.
package locks

import (
	"sync"
)

type lockKey struct {
	NodeID     string
	EntityType string
	EntityID   string
}

// DispatchLockManager holds the set of in-flight dispatch locks.
type DispatchLockManager struct {
	mu   sync.Mutex
	held map[lockKey]struct{}
}

// NewDispatchLockManager creates an empty lock manager.
func NewDispatchLockManager() *DispatchLockManager {
	return &DispatchLockManager{held: make(map[lockKey]struct{})}
}

// Acquire atomically takes the lock for the triple if free and reports
// whether it was acquired.
func (m *DispatchLockManager) Acquire(nodeID, entityType, entityID string) bool {
	key := lockKey{nodeID, entityType, entityID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.held[key]; taken {
		return false
	}
	m.held[key] = struct{}{}
	return true
}

// Release frees the lock for the triple. Releasing an unheld lock is a
// no-op.
func (m *DispatchLockManager) Release(nodeID, entityType, entityID string) {
	key := lockKey{nodeID, entityType, entityID}

	m.mu.Lock()
	delete(m.held, key)
	m.mu.Unlock()
}

// IsHeld reports whether the triple is currently locked.
func (m *DispatchLockManager) IsHeld(nodeID, entityType, entityID string) bool {
	key := lockKey{nodeID, entityType, entityID}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, taken := m.held[key]
	return taken
}

// WithLock runs fn while holding the lock, releasing it on every exit
// path. Returns false without running fn when the lock is already held.
func (m *DispatchLockManager) WithLock(nodeID, entityType, entityID string, fn func() error) (bool, error) {
	if !m.Acquire(nodeID, entityType, entityID) {
		return false, nil
	}
	defer m.Release(nodeID, entityType, entityID)
	return true, fn()
}
