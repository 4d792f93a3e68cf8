package queue

import (
	"yqhp/dispatcher/pkg/types"
)

// QueuedTask is the queue-entry view of a task.
type QueuedTask struct {
	ExecContextID int64
	TaskID        int64
	Context       types.FunctionExecContext
	Params        *types.TaskParams
	Tag           string
	Priority      int
	// State is the task state at registration time.
	State types.ExecState
}

// IsInternal reports whether the task runs an internal function.
func (t QueuedTask) IsInternal() bool {
	return t.Context == types.FunctionExecContextInternal
}

// AllocatedTask is a copy-out snapshot of one queue slot.
type AllocatedTask struct {
	QueuedTask QueuedTask
	State      types.ExecState
	Assigned   bool
}

type slot struct {
	task     QueuedTask
	state    types.ExecState
	assigned bool
}

func (s *slot) snapshot() AllocatedTask {
	return AllocatedTask{QueuedTask: s.task, State: s.state, Assigned: s.assigned}
}

// taskGroup is a fixed-size batch of slots sharing exec context and priority.
// An execContextID of 0 marks an unbound, empty group.
type taskGroup struct {
	execContextID int64
	priority      int
	slots         []*slot
	allocated     int
	locked        bool
}

func newTaskGroup(execContextID int64, priority, size int) *taskGroup {
	return &taskGroup{
		execContextID: execContextID,
		priority:      priority,
		slots:         make([]*slot, size),
	}
}

func (g *taskGroup) isEmpty() bool {
	return g.allocated == 0
}

func (g *taskGroup) isFull() bool {
	return g.allocated == len(g.slots)
}

func (g *taskGroup) find(taskID int64) (int, *slot) {
	for i, s := range g.slots {
		if s != nil && s.task.TaskID == taskID {
			return i, s
		}
	}
	return -1, nil
}

func (g *taskGroup) alreadyRegistered(taskID int64) bool {
	if g.execContextID == 0 {
		return false
	}
	_, s := g.find(taskID)
	return s != nil
}

func (g *taskGroup) addTask(t QueuedTask) *slot {
	if g.locked {
		types.Invariantf("task #%d added into locked group of execContext #%d", t.TaskID, g.execContextID)
	}
	if g.isFull() {
		types.Invariantf("task #%d added into full group of execContext #%d", t.TaskID, g.execContextID)
	}
	if g.execContextID != 0 && g.execContextID != t.ExecContextID {
		types.Invariantf("task #%d of execContext #%d added into group of execContext #%d",
			t.TaskID, t.ExecContextID, g.execContextID)
	}
	if g.allocated > 0 && g.priority != t.Priority {
		types.Invariantf("task #%d with priority %d added into group with priority %d",
			t.TaskID, t.Priority, g.priority)
	}
	for i, s := range g.slots {
		if s == nil {
			n := &slot{task: t, state: t.State}
			g.slots[i] = n
			g.allocated++
			g.execContextID = t.ExecContextID
			g.priority = t.Priority
			return n
		}
	}
	types.Invariantf("group of execContext #%d has allocated=%d but no free slot", g.execContextID, g.allocated)
	return nil
}

func (g *taskGroup) deRegisterTask(taskID int64) bool {
	i, s := g.find(taskID)
	if s == nil {
		return false
	}
	g.slots[i] = nil
	g.allocated--
	if g.allocated == 0 {
		g.reset()
	}
	return true
}

// hasNewTask reports whether the group is visible to the iterator and has an
// unassigned slot.
func (g *taskGroup) hasNewTask() bool {
	if g.execContextID == 0 || !g.locked {
		return false
	}
	for _, s := range g.slots {
		if s != nil && !s.assigned {
			return true
		}
	}
	return false
}

// isFinished reports whether every slot is empty or in a finished state.
func (g *taskGroup) isFinished() bool {
	for _, s := range g.slots {
		if s != nil && !s.state.IsFinished() {
			return false
		}
	}
	return true
}

func (g *taskGroup) lock() {
	if g.allocated > 0 {
		g.locked = true
	}
}

func (g *taskGroup) reset() {
	for i := range g.slots {
		g.slots[i] = nil
	}
	g.allocated = 0
	g.execContextID = 0
	g.locked = false
}

// GroupSnapshot is a copy-out view of a group.
type GroupSnapshot struct {
	ExecContextID int64
	Priority      int
	Locked        bool
	Tasks         []AllocatedTask
}

func (g *taskGroup) snapshot() GroupSnapshot {
	s := GroupSnapshot{
		ExecContextID: g.execContextID,
		Priority:      g.priority,
		Locked:        g.locked,
	}
	for _, sl := range g.slots {
		if sl != nil {
			s.Tasks = append(s.Tasks, sl.snapshot())
		}
	}
	return s
}
