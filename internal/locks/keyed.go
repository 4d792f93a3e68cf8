package locks

import (
	"context"
	"sync"
)

// TaskKey and ExecContextKey name the keyed locker scopes.
const (
	TaskKey        = "task"
	ExecContextKey = "exec-context"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker hands out one exclusive section per key. Entries are
// reference counted and dropped once the last holder or waiter leaves.
type KeyedLocker[K comparable] struct {
	name    string
	mu      sync.Mutex
	entries map[K]*entry
}

// NewKeyedLocker creates a locker whose scope is identified by name.
func NewKeyedLocker[K comparable](name string) *KeyedLocker[K] {
	return &KeyedLocker[K]{
		name:    name,
		entries: make(map[K]*entry),
	}
}

func (l *KeyedLocker[K]) acquire(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *KeyedLocker[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock blocks until key is free or ctx is done. The returned context carries
// the lock scope and must be passed to code that asserts the lock is held.
func (l *KeyedLocker[K]) Lock(ctx context.Context, key K) (context.Context, func(), error) {
	l.AssertNotHeld(ctx, key)
	e := l.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return ctx, nil, ctx.Err()
	}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}
	return withScope(ctx, l.name, key, Write), unlock, nil
}

// WithLock runs fn inside the exclusive section of key.
func (l *KeyedLocker[K]) WithLock(ctx context.Context, key K, fn func(ctx context.Context) error) error {
	lctx, unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(lctx)
}

// IsHeld reports whether ctx holds the lock for key.
func (l *KeyedLocker[K]) IsHeld(ctx context.Context, key K) bool {
	return heldMode(ctx, l.name, key) != 0
}

// AssertHeld panics when assertions are enabled and ctx does not hold key.
func (l *KeyedLocker[K]) AssertHeld(ctx context.Context, key K) {
	if assertions.Load() && !l.IsHeld(ctx, key) {
		fail("%s lock for %v must be held", l.name, key)
	}
}

// AssertNotHeld panics when assertions are enabled and ctx already holds key.
func (l *KeyedLocker[K]) AssertNotHeld(ctx context.Context, key K) {
	if assertions.Load() && l.IsHeld(ctx, key) {
		fail("%s lock for %v is already held", l.name, key)
	}
}

// Len returns the number of live entries.
func (l *KeyedLocker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
