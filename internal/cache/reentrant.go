package cache

import "sync"

// ReentrantLock is a mutual-exclusion lock that the same ownership chain may
// acquire more than once. Invalidation hooks fire while a resolution already
// holds the L1 lock, and sync.Mutex self-deadlocks on re-entry, so ownership
// is tracked explicitly by token: a holder re-locking with its own token
// increments a depth counter instead of blocking.
type ReentrantLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Token
	depth int
}

func NewReentrantLock() *ReentrantLock {
	l := &ReentrantLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the lock on behalf of tok, blocking until any other owner
// releases it. Re-entry by the current owner returns immediately.
func (l *ReentrantLock) Lock(tok *Token) {
	if tok == nil {
		panic("cache: Lock with nil token")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == tok {
		l.depth++
		return
	}
	for l.owner != nil {
		l.cond.Wait()
	}
	l.owner = tok
	l.depth = 1
}

// Unlock releases one level of ownership. The lock is handed to waiters only
// when the outermost Lock is undone.
func (l *ReentrantLock) Unlock(tok *Token) {
	if tok == nil {
		panic("cache: Unlock with nil token")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != tok {
		panic("cache: Unlock by non-owner token")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.cond.Signal()
	}
}

// Holds reports whether tok currently owns the lock.
func (l *ReentrantLock) Holds(tok *Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == tok
}
