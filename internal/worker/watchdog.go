package worker

import (
	"sort"
	"sync"
	"time"
)

// Assignment is a task handed to a core that has not finished yet.
type Assignment struct {
	ExecContextID int64
	TaskID        int64
	CoreID        int64
	Deadline      time.Time
}

// Watchdog tracks assignments until the core reports a result. A core that
// keeps listing the task as live extends the deadline.
type Watchdog struct {
	mu      sync.Mutex
	pending map[int64]*Assignment
	timeout time.Duration
	now     func() time.Time
}

// NewWatchdog creates a watchdog with the given staleness timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{
		pending: make(map[int64]*Assignment),
		timeout: timeout,
		now:     time.Now,
	}
}

// Track starts watching an assignment.
func (w *Watchdog) Track(execContextID, taskID, coreID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[taskID] = &Assignment{
		ExecContextID: execContextID,
		TaskID:        taskID,
		CoreID:        coreID,
		Deadline:      w.now().Add(w.timeout),
	}
}

// ConfirmLive extends the deadline of every tracked task the core reports.
func (w *Watchdog) ConfirmLive(coreID int64, liveTaskIDs []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := w.now().Add(w.timeout)
	for _, id := range liveTaskIDs {
		if a, ok := w.pending[id]; ok && a.CoreID == coreID {
			a.Deadline = deadline
		}
	}
}

// Forget stops watching a task.
func (w *Watchdog) Forget(taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, taskID)
}

// Stale removes and returns assignments whose deadline has passed.
func (w *Watchdog) Stale() []Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var out []Assignment
	for id, a := range w.pending {
		if now.After(a.Deadline) {
			out = append(out, *a)
			delete(w.pending, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Len returns the number of watched assignments.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
