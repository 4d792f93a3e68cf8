// Package locks provides keyed exclusive sections and the queue-wide
// reader/writer lock. Held locks are recorded on the context so that entry
// points can assert whether their caller already owns a given lock.
package locks

import (
	"context"
	"fmt"
	"sync/atomic"

	"yqhp/dispatcher/pkg/types"
)

var assertions atomic.Bool

func init() {
	assertions.Store(true)
}

// EnableAssertions toggles lock-presence assertions process-wide.
func EnableAssertions(on bool) {
	assertions.Store(on)
}

// AssertionsEnabled reports the current assertion mode.
func AssertionsEnabled() bool {
	return assertions.Load()
}

type scopeCtxKey struct{}

// Mode is the way a lock is held within a scope.
type Mode int

const (
	Read Mode = iota + 1
	Write
)

// scope is an immutable linked list of locks held by the calling flow.
type scope struct {
	parent *scope
	lock   string
	key    any
	mode   Mode
}

func withScope(ctx context.Context, lock string, key any, mode Mode) context.Context {
	parent, _ := ctx.Value(scopeCtxKey{}).(*scope)
	return context.WithValue(ctx, scopeCtxKey{}, &scope{parent: parent, lock: lock, key: key, mode: mode})
}

// heldMode returns the mode in which ctx holds lock/key, or 0.
func heldMode(ctx context.Context, lock string, key any) Mode {
	if ctx == nil {
		return 0
	}
	s, _ := ctx.Value(scopeCtxKey{}).(*scope)
	for ; s != nil; s = s.parent {
		if s.lock == lock && s.key == key {
			return s.mode
		}
	}
	return 0
}

func fail(format string, args ...any) {
	panic(&types.InvariantError{Msg: fmt.Sprintf(format, args...)})
}
