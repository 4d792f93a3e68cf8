package queue

import (
	"context"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/pkg/types"
)

// Service guards a TaskQueue with the queue-wide reader/writer lock.
// Callers that also need a task lock must take it before calling Service.
type Service struct {
	rw  *locks.RWLock
	q   *TaskQueue
	log *zap.Logger
}

// NewService creates a queue service.
func NewService(minQueueSize, groupSize int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		rw:  locks.NewRWLock("task-queue"),
		q:   New(minQueueSize, groupSize),
		log: log,
	}
}

// RWLock exposes the queue lock for scope assertions.
func (s *Service) RWLock() *locks.RWLock {
	return s.rw
}

// WithRead runs fn under the read lock.
func (s *Service) WithRead(ctx context.Context, fn func(ctx context.Context, q *TaskQueue)) {
	s.rw.WithRead(ctx, func(ctx context.Context) { fn(ctx, s.q) })
}

// WithWrite runs fn under the write lock.
func (s *Service) WithWrite(ctx context.Context, fn func(ctx context.Context, q *TaskQueue)) {
	s.rw.WithWrite(ctx, func(ctx context.Context) { fn(ctx, s.q) })
}

// Register adds one task and locks its exec context. See RegisterAll.
func (s *Service) Register(ctx context.Context, t QueuedTask) bool {
	return s.RegisterAll(ctx, []QueuedTask{t}) == 1
}

// RegisterAll adds the tasks and then locks every exec context they belong
// to, so the tasks become visible to matching. Tasks of one exec context and
// priority share groups only when they are registered in the same batch.
// Internal tasks bypass priority placement. It returns the number of tasks
// added.
func (s *Service) RegisterAll(ctx context.Context, ts []QueuedTask) int {
	if len(ts) == 0 {
		return 0
	}
	added := make([]bool, len(ts))
	var n int
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) {
		locked := make(map[int64]struct{}, 1)
		for i, t := range ts {
			if t.IsInternal() {
				added[i] = q.AddNewInternalTask(t)
			} else {
				added[i] = q.AddNewTask(t)
			}
			if added[i] {
				n++
			}
		}
		for _, t := range ts {
			if _, ok := locked[t.ExecContextID]; ok {
				continue
			}
			locked[t.ExecContextID] = struct{}{}
			q.Lock(t.ExecContextID)
		}
	})
	for i, t := range ts {
		if !added[i] {
			continue
		}
		s.log.Debug("task registered in queue",
			zap.Int64("execContextId", t.ExecContextID),
			zap.Int64("taskId", t.TaskID),
			zap.Int("priority", t.Priority),
			zap.Bool("internal", t.IsInternal()))
	}
	return n
}

// Lock freezes the open groups of the exec context.
func (s *Service) Lock(ctx context.Context, execContextID int64) {
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) { q.Lock(execContextID) })
}

// AssignTask marks the slot assigned; false means another caller won.
func (s *Service) AssignTask(ctx context.Context, execContextID, taskID int64) bool {
	var ok bool
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) { ok = q.AssignTask(execContextID, taskID) })
	return ok
}

// SetTaskExecState mirrors a task state into the queue.
func (s *Service) SetTaskExecState(ctx context.Context, execContextID, taskID int64, state types.ExecState) StateResult {
	var res StateResult
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) {
		res = q.SetTaskExecState(execContextID, taskID, state)
	})
	if res.SynthesizedInProgress {
		s.log.Info("task finished before assignment was recorded, IN_PROGRESS applied first",
			zap.Int64("execContextId", execContextID), zap.Int64("taskId", taskID),
			zap.Stringer("state", state))
	}
	return res
}

// Get returns a snapshot of the task's slot.
func (s *Service) Get(ctx context.Context, execContextID, taskID int64) (AllocatedTask, bool) {
	var (
		at AllocatedTask
		ok bool
	)
	s.WithRead(ctx, func(_ context.Context, q *TaskQueue) { at, ok = q.Get(execContextID, taskID) })
	return at, ok
}

// AlreadyRegistered reports whether the task id is queued.
func (s *Service) AlreadyRegistered(ctx context.Context, taskID int64) bool {
	var ok bool
	s.WithRead(ctx, func(_ context.Context, q *TaskQueue) { ok = q.AlreadyRegistered(taskID) })
	return ok
}

// DeRegisterTask frees the task's slot.
func (s *Service) DeRegisterTask(ctx context.Context, execContextID, taskID int64) bool {
	var ok bool
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) { ok = q.DeRegisterTask(execContextID, taskID) })
	return ok
}

// RemoveAll de-registers tasks and shrinks the queue.
func (s *Service) RemoveAll(ctx context.Context, refs []TaskRef) {
	if len(refs) == 0 {
		return
	}
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) { q.RemoveAll(refs) })
}

// DeleteByExecContextID drops every task of the exec context.
func (s *Service) DeleteByExecContextID(ctx context.Context, execContextID int64) {
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) { q.DeleteByExecContextID(execContextID) })
}

// Shrink prunes empty groups.
func (s *Service) Shrink(ctx context.Context) {
	var before, after int
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) {
		before = q.GroupCount()
		q.Shrink()
		after = q.GroupCount()
	})
	if before != after {
		s.log.Debug("task queue shrunk", zap.Int("before", before), zap.Int("after", after))
	}
}

// IsQueueEmpty reports whether nothing is waiting for assignment.
func (s *Service) IsQueueEmpty(ctx context.Context) bool {
	var empty bool
	s.WithRead(ctx, func(_ context.Context, q *TaskQueue) { empty = q.IsQueueEmpty() })
	return empty
}

// GroupCount returns the number of allocated groups.
func (s *Service) GroupCount(ctx context.Context) int {
	var n int
	s.WithRead(ctx, func(_ context.Context, q *TaskQueue) { n = q.GroupCount() })
	return n
}

// GetTaskGroupForTransferring pops a fully finished group of the exec context.
func (s *Service) GetTaskGroupForTransferring(ctx context.Context, execContextID int64) (GroupSnapshot, bool) {
	var (
		snap GroupSnapshot
		ok   bool
	)
	s.WithWrite(ctx, func(_ context.Context, q *TaskQueue) {
		snap, ok = q.GetTaskGroupForTransferring(execContextID)
	})
	return snap, ok
}

// Tasks returns snapshots of the exec context's queued tasks.
func (s *Service) Tasks(ctx context.Context, execContextID int64) []AllocatedTask {
	var out []AllocatedTask
	s.WithRead(ctx, func(_ context.Context, q *TaskQueue) { out = q.Tasks(execContextID) })
	return out
}
