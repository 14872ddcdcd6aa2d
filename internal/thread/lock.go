package thread

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockToken proves ownership of a thread lock. Only the holder of the token
// returned by Acquire can release the lock; a stale token from an earlier
// acquisition is ignored.
type LockToken struct {
	ThreadID   uuid.UUID
	HolderID   uuid.UUID
	AcquiredAt time.Time
}

// LockManager serializes generations per thread. Locks are advisory: they
// gate generation starts, not reads, so listing messages on a locked thread
// always works.
//
// LockManager is safe for concurrent use by multiple goroutines.
type LockManager struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*LockToken
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[uuid.UUID]*LockToken)}
}

// Acquire takes the lock for threadID on behalf of holderID, usually a
// session or job id. It returns ErrBusy without blocking when another
// generation already holds the thread.
func (m *LockManager) Acquire(threadID, holderID uuid.UUID) (*LockToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.locks[threadID]; held {
		return nil, ErrBusy
	}

	token := &LockToken{ThreadID: threadID, HolderID: holderID, AcquiredAt: time.Now()}
	m.locks[threadID] = token
	return token, nil
}

// Release frees the lock held by token. Releasing an already-released or
// superseded token is a no-op, so callers can release unconditionally in a
// defer. Token identity, not thread ID, decides whether the release applies:
// a stale token never frees a lock acquired later by someone else.
func (m *LockManager) Release(token *LockToken) {
	if token == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, held := m.locks[token.ThreadID]; held && current == token {
		delete(m.locks, token.ThreadID)
	}
}

// Locked reports whether threadID is currently held.
func (m *LockManager) Locked(threadID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, held := m.locks[threadID]
	return held
}

// Holder returns the id the current lock was acquired for, or false when the
// thread is unlocked.
func (m *LockManager) Holder(threadID uuid.UUID) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, held := m.locks[threadID]
	if !held {
		return uuid.Nil, false
	}
	return token.HolderID, true
}
