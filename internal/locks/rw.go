package locks

import (
	"context"
	"sync"
)

// RWLock is a named reader/writer lock recorded on the context.
type RWLock struct {
	name string
	mu   sync.RWMutex
}

// NewRWLock creates a reader/writer lock.
func NewRWLock(name string) *RWLock {
	return &RWLock{name: name}
}

// WithRead runs fn holding the read lock. Nested calls from a flow that
// already holds the lock run fn directly.
func (l *RWLock) WithRead(ctx context.Context, fn func(ctx context.Context)) {
	if heldMode(ctx, l.name, nil) != 0 {
		fn(ctx)
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(withScope(ctx, l.name, nil, Read))
}

// WithWrite runs fn holding the write lock. Upgrading a held read lock is a
// programming error.
func (l *RWLock) WithWrite(ctx context.Context, fn func(ctx context.Context)) {
	switch heldMode(ctx, l.name, nil) {
	case Write:
		fn(ctx)
		return
	case Read:
		fail("%s: cannot upgrade read lock to write lock", l.name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(withScope(ctx, l.name, nil, Write))
}

// AssertWriteHeld panics when assertions are enabled and ctx does not hold the write lock.
func (l *RWLock) AssertWriteHeld(ctx context.Context) {
	if assertions.Load() && heldMode(ctx, l.name, nil) != Write {
		fail("%s write lock must be held", l.name)
	}
}

// AssertHeld panics when assertions are enabled and ctx holds neither lock mode.
func (l *RWLock) AssertHeld(ctx context.Context) {
	if assertions.Load() && heldMode(ctx, l.name, nil) == 0 {
		fail("%s lock must be held", l.name)
	}
}

// AssertNotHeld panics when assertions are enabled and ctx holds the lock.
func (l *RWLock) AssertNotHeld(ctx context.Context) {
	if assertions.Load() && heldMode(ctx, l.name, nil) != 0 {
		fail("%s lock is already held", l.name)
	}
}
