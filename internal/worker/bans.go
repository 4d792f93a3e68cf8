package worker

import (
	"sync"
	"time"
)

// Bans keeps cores out of matching for a cool-down window after a hard
// incompatibility was detected.
type Bans struct {
	mu       sync.Mutex
	since    map[int64]time.Time
	duration time.Duration
	now      func() time.Time
}

// NewBans creates a ban list with the given cool-down.
func NewBans(duration time.Duration) *Bans {
	return &Bans{
		since:    make(map[int64]time.Time),
		duration: duration,
		now:      time.Now,
	}
}

// Ban starts or restarts the cool-down of a core.
func (b *Bans) Ban(coreID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.since[coreID] = b.now()
}

// IsBanned reports whether the core is cooling down. Expired bans are dropped.
func (b *Bans) IsBanned(coreID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	since, ok := b.since[coreID]
	if !ok {
		return false
	}
	if b.now().Sub(since) >= b.duration {
		delete(b.since, coreID)
		return false
	}
	return true
}

// BannedSince returns when the ban started.
func (b *Bans) BannedSince(coreID int64) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.since[coreID]
	return t, ok
}

// Lift removes a ban.
func (b *Bans) Lift(coreID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.since, coreID)
}
