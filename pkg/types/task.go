package types

import "time"

// Task is one schedulable unit of work.
type Task struct {
	ID            int64
	ExecContextID int64
	Params        *TaskParams
	ExecState     ExecState

	CoreID     int64
	AssignedOn int64

	Completed           bool
	CompletedOn         int64
	ResultReceived      bool
	FunctionExecResults string

	// AccessByWorkerOn is updated whenever the assigned core reports the task as live.
	AccessByWorkerOn int64

	// Version is the optimistic concurrency token managed by the store.
	Version int
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = t.Params.Clone()
	return &c
}

// IsAssigned reports whether the task is bound to a core.
func (t *Task) IsAssigned() bool {
	return t.CoreID != 0 && t.AssignedOn != 0
}

// ResetAssignment clears the assignment and completion fields.
func (t *Task) ResetAssignment() {
	t.CoreID = 0
	t.AssignedOn = 0
	t.Completed = false
	t.CompletedOn = 0
	t.ResultReceived = false
	t.FunctionExecResults = ""
	t.AccessByWorkerOn = 0
}

// AssignedTask is the result of a successful matching call.
type AssignedTask struct {
	Task   *Task
	Tag    string
	Quota  int
	Params []byte
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
