package queue

import (
	"errors"

	"yqhp/dispatcher/pkg/types"
)

const (
	DefaultGroupSize    = 10
	DefaultMinQueueSize = 25
	MaxPriority         = 2_000_000
	// InternalPriority places internal tasks ahead of every external group.
	InternalPriority = MaxPriority + 1
)

var (
	ErrNoSuchElement          = errors.New("queue: no such element")
	ErrConcurrentModification = errors.New("queue: concurrent modification")
)

// TaskQueue holds groups sorted by descending priority. It performs no
// locking of its own.
type TaskQueue struct {
	groupSize    int
	minQueueSize int
	groups       []*taskGroup
	// modCount changes whenever groups are inserted or removed.
	modCount uint64
}

// New creates a queue. Non-positive sizes fall back to the defaults.
func New(minQueueSize, groupSize int) *TaskQueue {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	if minQueueSize < 0 {
		minQueueSize = DefaultMinQueueSize
	}
	return &TaskQueue{groupSize: groupSize, minQueueSize: minQueueSize}
}

// ClampPriority bounds a configured priority to MaxPriority.
func ClampPriority(p int) int {
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func (q *TaskQueue) insertGroup(idx int, g *taskGroup) {
	q.groups = append(q.groups, nil)
	copy(q.groups[idx+1:], q.groups[idx:])
	q.groups[idx] = g
	q.modCount++
}

// AddNewTask registers a task. It returns false when the task id is already
// in the queue.
func (q *TaskQueue) AddNewTask(t QueuedTask) bool {
	if q.AlreadyRegistered(t.TaskID) {
		return false
	}
	t.Priority = ClampPriority(t.Priority)
	q.placeTask(t)
	return true
}

func (q *TaskQueue) placeTask(t QueuedTask) *slot {
	// a. open group with same exec context and priority and a free slot
	for _, g := range q.groups {
		if !g.locked && g.execContextID == t.ExecContextID && g.priority == t.Priority && !g.isFull() {
			return g.addTask(t)
		}
	}

	g := newTaskGroup(t.ExecContextID, t.Priority, q.groupSize)
	s := g.addTask(t)

	// b. right after the last open group of this exec context with the same priority
	last := -1
	for i, og := range q.groups {
		if !og.locked && !og.isEmpty() && og.execContextID == t.ExecContextID && og.priority == t.Priority {
			last = i
		}
	}
	if last >= 0 {
		q.insertGroup(last+1, g)
		return s
	}

	// c. ahead of the first group with a lower priority
	for i, og := range q.groups {
		if !og.isEmpty() && og.priority < t.Priority {
			q.insertGroup(i, g)
			return s
		}
	}

	// d. at the end
	q.insertGroup(len(q.groups), g)
	return s
}

// AddNewInternalTask registers an internal-function task. It is placed
// ahead of all external work and marked assigned so the matcher never yields it.
func (q *TaskQueue) AddNewInternalTask(t QueuedTask) bool {
	if q.AlreadyRegistered(t.TaskID) {
		return false
	}
	t.Priority = InternalPriority
	var s *slot
	for _, g := range q.groups {
		if !g.locked && g.execContextID == t.ExecContextID && g.priority == t.Priority && !g.isFull() {
			s = g.addTask(t)
			break
		}
	}
	if s == nil {
		g := newTaskGroup(t.ExecContextID, t.Priority, q.groupSize)
		s = g.addTask(t)
		q.insertGroup(0, g)
	}
	s.assigned = true
	return true
}

// Lock freezes every open, non-empty group of the exec context, making it
// visible to iterators.
func (q *TaskQueue) Lock(execContextID int64) {
	for _, g := range q.groups {
		if g.execContextID == execContextID {
			g.lock()
		}
	}
}

// AlreadyRegistered reports whether the task id occupies a slot.
func (q *TaskQueue) AlreadyRegistered(taskID int64) bool {
	for _, g := range q.groups {
		if g.alreadyRegistered(taskID) {
			return true
		}
	}
	return false
}

// Get returns a snapshot of the task's slot.
func (q *TaskQueue) Get(execContextID, taskID int64) (AllocatedTask, bool) {
	_, s := q.findSlot(execContextID, taskID)
	if s == nil {
		return AllocatedTask{}, false
	}
	return s.snapshot(), true
}

func (q *TaskQueue) findSlot(execContextID, taskID int64) (*taskGroup, *slot) {
	for _, g := range q.groups {
		if g.execContextID != execContextID {
			continue
		}
		if _, s := g.find(taskID); s != nil {
			return g, s
		}
	}
	return nil, nil
}

// AssignTask marks an unassigned slot as assigned and IN_PROGRESS. It
// returns false when the slot is missing or already assigned.
func (q *TaskQueue) AssignTask(execContextID, taskID int64) bool {
	_, s := q.findSlot(execContextID, taskID)
	if s == nil || s.assigned {
		return false
	}
	s.assigned = true
	s.state = types.ExecStateInProgress
	return true
}

// StateResult describes the outcome of SetTaskExecState.
type StateResult struct {
	Found bool
	// SynthesizedInProgress is set when a terminal state arrived for an
	// unassigned slot and IN_PROGRESS was applied first.
	SynthesizedInProgress bool
	// GroupFinished reports whether every slot of the owning group is empty
	// or finished after the change.
	GroupFinished bool
}

// SetTaskExecState mirrors a task state into its slot.
func (q *TaskQueue) SetTaskExecState(execContextID, taskID int64, state types.ExecState) StateResult {
	g, s := q.findSlot(execContextID, taskID)
	if s == nil {
		return StateResult{}
	}
	res := StateResult{Found: true}
	switch state {
	case types.ExecStateOK, types.ExecStateError, types.ExecStateErrorWithRecovery:
		if !s.assigned {
			s.assigned = true
			s.state = types.ExecStateInProgress
			res.SynthesizedInProgress = true
		}
	case types.ExecStateInProgress:
		s.assigned = true
	case types.ExecStateNone:
		s.assigned = false
	}
	s.state = state
	res.GroupFinished = g.isFinished()
	return res
}

// DeRegisterTask frees the task's slot.
func (q *TaskQueue) DeRegisterTask(execContextID, taskID int64) bool {
	for _, g := range q.groups {
		if g.execContextID == execContextID && g.deRegisterTask(taskID) {
			return true
		}
	}
	return false
}

// TaskRef identifies a queued task.
type TaskRef struct {
	ExecContextID int64
	TaskID        int64
}

// RemoveAll de-registers the tasks and shrinks the queue.
func (q *TaskQueue) RemoveAll(refs []TaskRef) {
	for _, r := range refs {
		q.DeRegisterTask(r.ExecContextID, r.TaskID)
	}
	q.Shrink()
}

// DeleteByExecContextID drops all groups of the exec context, keeping at
// least minQueueSize groups allocated.
func (q *TaskQueue) DeleteByExecContextID(execContextID int64) {
	kept := q.groups[:0]
	removed := 0
	for _, g := range q.groups {
		if g.execContextID != execContextID {
			kept = append(kept, g)
			continue
		}
		g.reset()
		if len(q.groups)-removed > q.minQueueSize {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(q.groups); i++ {
		q.groups[i] = nil
	}
	q.groups = kept
	if removed > 0 {
		q.modCount++
	}
}

// Shrink prunes empty groups while more than minQueueSize groups remain.
func (q *TaskQueue) Shrink() {
	excess := len(q.groups) - q.minQueueSize
	if excess <= 0 {
		return
	}
	kept := q.groups[:0]
	removed := 0
	for _, g := range q.groups {
		if removed < excess && g.isEmpty() {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(q.groups); i++ {
		q.groups[i] = nil
	}
	q.groups = kept
	if removed > 0 {
		q.modCount++
	}
}

// GroupCount returns the number of allocated groups.
func (q *TaskQueue) GroupCount() int {
	return len(q.groups)
}

// IsQueueEmpty reports whether no locked group has an unassigned task.
func (q *TaskQueue) IsQueueEmpty() bool {
	for _, g := range q.groups {
		if g.hasNewTask() {
			return false
		}
	}
	return true
}

// GetTaskGroupForTransferring returns a snapshot of a locked, fully finished
// group of the exec context and frees it.
func (q *TaskQueue) GetTaskGroupForTransferring(execContextID int64) (GroupSnapshot, bool) {
	for _, g := range q.groups {
		if g.execContextID == execContextID && g.locked && !g.isEmpty() && g.isFinished() {
			snap := g.snapshot()
			g.reset()
			return snap, true
		}
	}
	return GroupSnapshot{}, false
}

// Snapshot returns copies of all groups in queue order.
func (q *TaskQueue) Snapshot() []GroupSnapshot {
	out := make([]GroupSnapshot, 0, len(q.groups))
	for _, g := range q.groups {
		out = append(out, g.snapshot())
	}
	return out
}

// Tasks returns snapshots of every task of the exec context.
func (q *TaskQueue) Tasks(execContextID int64) []AllocatedTask {
	var out []AllocatedTask
	for _, g := range q.groups {
		if g.execContextID != execContextID {
			continue
		}
		for _, s := range g.slots {
			if s != nil {
				out = append(out, s.snapshot())
			}
		}
	}
	return out
}

// Iterator returns a live iterator over locked groups.
func (q *TaskQueue) Iterator() *GroupIterator {
	return &GroupIterator{q: q, modCount: q.modCount}
}
