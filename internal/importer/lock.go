package importer

import "sync"

// UserLocks records which users have an import in flight in this process
type UserLocks struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

// NewUserLocks creates an empty lock set
func NewUserLocks() *UserLocks {
	return &UserLocks{active: make(map[int64]struct{})}
}

// Acquire marks userID as importing. ok is false if it already was.
func (l *UserLocks) Acquire(userID int64) (*Guard, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.active[userID]; busy {
		return nil, false
	}
	l.active[userID] = struct{}{}
	return &Guard{locks: l, userID: userID}, true
}

// IsHeld reports whether userID currently has an import in flight
func (l *UserLocks) IsHeld(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, busy := l.active[userID]
	return busy
}

// Guard is the right to import for one user. Release it on every exit path.
type Guard struct {
	locks  *UserLocks
	userID int64
	once   sync.Once
}

// UserID returns the user the guard was acquired for
func (g *Guard) UserID() int64 {
	return g.userID
}

// Release frees the user for another import. Extra calls are no-ops.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.locks.mu.Lock()
		delete(g.locks.active, g.userID)
		g.locks.mu.Unlock()
	})
}
