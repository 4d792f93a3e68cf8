// Package worker tracks worker cores: registration, liveness, cool-down bans
// and confirmation of assignments.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/dispatcher/pkg/types"
)

// CoreState is the liveness state of a core.
type CoreState string

const (
	CoreStateOnline  CoreState = "online"
	CoreStateOffline CoreState = "offline"
)

// CoreInfo is what a core reported about itself.
type CoreInfo struct {
	Capabilities types.WorkerCapabilities
	RegisteredAt time.Time
}

// CoreStatus is the current liveness of a core.
type CoreStatus struct {
	State       CoreState
	LastSeen    time.Time
	LiveTaskIDs []int64
}

// CoreEventType is the type of a registry notification.
type CoreEventType string

const (
	CoreEventRegistered   CoreEventType = "registered"
	CoreEventUnregistered CoreEventType = "unregistered"
	CoreEventOnline       CoreEventType = "online"
	CoreEventOffline      CoreEventType = "offline"
)

// CoreEvent is delivered to Watch subscribers.
type CoreEvent struct {
	Type   CoreEventType
	CoreID int64
}

// Registry is an in-memory registry of cores.
type Registry struct {
	cores  map[int64]*CoreInfo
	status map[int64]*CoreStatus

	subscribers []chan CoreEvent
	subMu       sync.RWMutex

	mu  sync.RWMutex
	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cores:  make(map[int64]*CoreInfo),
		status: make(map[int64]*CoreStatus),
		now:    time.Now,
	}
}

// Register adds a core or refreshes its capabilities.
func (r *Registry) Register(ctx context.Context, caps types.WorkerCapabilities) error {
	if caps.CoreID == 0 {
		return fmt.Errorf("core id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if info, exists := r.cores[caps.CoreID]; exists {
		info.Capabilities = caps
		r.touch(caps.CoreID, now, nil)
		return nil
	}

	r.cores[caps.CoreID] = &CoreInfo{Capabilities: caps, RegisteredAt: now}
	r.status[caps.CoreID] = &CoreStatus{State: CoreStateOnline, LastSeen: now}
	r.notifyEvent(CoreEvent{Type: CoreEventRegistered, CoreID: caps.CoreID})
	return nil
}

// Unregister removes a core.
func (r *Registry) Unregister(ctx context.Context, coreID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cores[coreID]; !exists {
		return fmt.Errorf("core not found: %d", coreID)
	}
	delete(r.cores, coreID)
	delete(r.status, coreID)
	r.notifyEvent(CoreEvent{Type: CoreEventUnregistered, CoreID: coreID})
	return nil
}

// Heartbeat records that the core is alive and which tasks it is running.
func (r *Registry) Heartbeat(ctx context.Context, coreID int64, liveTaskIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.status[coreID]; !exists {
		return fmt.Errorf("core not found: %d", coreID)
	}
	r.touch(coreID, r.now(), liveTaskIDs)
	return nil
}

func (r *Registry) touch(coreID int64, now time.Time, liveTaskIDs []int64) {
	status := r.status[coreID]
	status.LastSeen = now
	if liveTaskIDs != nil {
		status.LiveTaskIDs = slice.Unique(liveTaskIDs)
	}
	if status.State == CoreStateOffline {
		status.State = CoreStateOnline
		r.notifyEvent(CoreEvent{Type: CoreEventOnline, CoreID: coreID})
	}
}

// MarkOffline marks a core as offline.
func (r *Registry) MarkOffline(ctx context.Context, coreID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[coreID]
	if !exists {
		return fmt.Errorf("core not found: %d", coreID)
	}
	if status.State != CoreStateOffline {
		status.State = CoreStateOffline
		r.notifyEvent(CoreEvent{Type: CoreEventOffline, CoreID: coreID})
	}
	return nil
}

// Get returns a copy of the core's info.
func (r *Registry) Get(ctx context.Context, coreID int64) (CoreInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.cores[coreID]
	if !exists {
		return CoreInfo{}, fmt.Errorf("core not found: %d", coreID)
	}
	return *info, nil
}

// Status returns a copy of the core's status.
func (r *Registry) Status(ctx context.Context, coreID int64) (CoreStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, exists := r.status[coreID]
	if !exists {
		return CoreStatus{}, fmt.Errorf("core not found: %d", coreID)
	}
	c := *status
	c.LiveTaskIDs = append([]int64(nil), status.LiveTaskIDs...)
	return c, nil
}

// IsTaskLive reports whether the core's last heartbeat listed the task.
func (r *Registry) IsTaskLive(coreID, taskID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.status[coreID]
	return ok && slice.Contain(status.LiveTaskIDs, taskID)
}

// List returns the ids of cores in the given states, all cores when none given.
func (r *Registry) List(ctx context.Context, states ...CoreState) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.cores))
	for id := range r.cores {
		if len(states) > 0 && !slice.Contain(states, r.status[id].State) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SilentSince returns online cores not seen since the cutoff.
func (r *Registry) SilentSince(cutoff time.Time) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int64
	for id, status := range r.status {
		if status.State == CoreStateOnline && status.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of registered cores.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cores)
}

// Watch streams registry events until ctx is done.
func (r *Registry) Watch(ctx context.Context) <-chan CoreEvent {
	ch := make(chan CoreEvent, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()
	return ch
}

func (r *Registry) notifyEvent(event CoreEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Registry) removeSubscriber(ch chan CoreEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}
