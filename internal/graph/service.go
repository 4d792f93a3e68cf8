// Package graph maintains the task graph and the task state aggregate of
// exec contexts. Every mutation runs under the exec context lock.
package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/store"
	dag "yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/types"
)

// Service mutates exec context graphs.
type Service struct {
	store   store.Store
	ecLocks *locks.KeyedLocker[int64]
	log     *zap.Logger
}

// NewService creates a graph service.
func NewService(st store.Store, ecLocks *locks.KeyedLocker[int64], log *zap.Logger) *Service {
	return &Service{store: st, ecLocks: ecLocks, log: log}
}

// Update is the outcome of mirroring a task state into the graph.
type Update struct {
	// Skip lists unfinished descendants of a failed task. Their tasks must be
	// moved to SKIPPED by the caller.
	Skip []int64
	// Finished is set when this update moved the exec context to FINISHED.
	Finished bool
}

// AddTask inserts a task and the edges from its parents.
func (s *Service) AddTask(ctx context.Context, execContextID, taskID int64, state types.ExecState, parents []int64) error {
	return s.ecLocks.WithLock(ctx, execContextID, func(ctx context.Context) error {
		ec, err := s.store.LoadExecContext(ctx, execContextID)
		if err != nil {
			return err
		}
		if ec.Graph == nil {
			ec.Graph = dag.New()
		}
		if ec.TaskStates == nil {
			ec.TaskStates = make(map[int64]types.ExecState)
		}
		ec.Graph.AddVertex(taskID)
		for _, p := range parents {
			if err := ec.Graph.AddEdge(p, taskID); err != nil {
				return fmt.Errorf("exec context #%d: %w", execContextID, err)
			}
		}
		ec.TaskStates[taskID] = state
		_, err = s.store.SaveExecContext(ctx, ec)
		return err
	})
}

// UpdateTaskExecStates mirrors the stored state of a task into the exec
// context aggregate. On ERROR every unfinished descendant is marked SKIPPED;
// ERROR_WITH_RECOVERY lets descendants proceed. When all tasks are finished
// a STARTED exec context moves to FINISHED.
func (s *Service) UpdateTaskExecStates(ctx context.Context, execContextID, taskID int64) (Update, error) {
	var upd Update
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return upd, err
	}

	err = s.ecLocks.WithLock(ctx, execContextID, func(ctx context.Context) error {
		ec, err := s.store.LoadExecContext(ctx, execContextID)
		if err != nil {
			return err
		}
		if ec.TaskStates == nil {
			ec.TaskStates = make(map[int64]types.ExecState)
		}
		ec.TaskStates[taskID] = task.ExecState

		if task.ExecState == types.ExecStateError && ec.Graph != nil && ec.Graph.Has(taskID) {
			descendants, err := ec.Graph.Descendants(taskID)
			if err != nil {
				return err
			}
			for _, d := range descendants {
				if !ec.TaskStates[d].IsFinished() {
					ec.TaskStates[d] = types.ExecStateSkipped
					upd.Skip = append(upd.Skip, d)
				}
			}
		}

		if ec.State == types.ExecContextStateStarted && allFinished(ec) {
			ec.State = types.ExecContextStateFinished
			ec.CompletedOn = types.NowMillis()
			upd.Finished = true
		}
		_, err = s.store.SaveExecContext(ctx, ec)
		return err
	})
	if err != nil {
		return Update{}, err
	}
	if upd.Finished {
		s.log.Info("exec context finished", zap.Int64("execContextId", execContextID))
	}
	if len(upd.Skip) > 0 {
		s.log.Info("descendants of failed task skipped",
			zap.Int64("execContextId", execContextID),
			zap.Int64("taskId", taskID),
			zap.Int64s("skipped", upd.Skip))
	}
	return upd, nil
}

func allFinished(ec *types.ExecContext) bool {
	if len(ec.TaskStates) == 0 {
		return false
	}
	for _, st := range ec.TaskStates {
		if !st.IsFinished() {
			return false
		}
	}
	return true
}

// SetExecContextState changes the state of an exec context.
func (s *Service) SetExecContextState(ctx context.Context, execContextID int64, state types.ExecContextState) error {
	return s.ecLocks.WithLock(ctx, execContextID, func(ctx context.Context) error {
		ec, err := s.store.LoadExecContext(ctx, execContextID)
		if err != nil {
			return err
		}
		if ec.State == state {
			return nil
		}
		s.log.Info("exec context state changed",
			zap.Int64("execContextId", execContextID),
			zap.String("from", string(ec.State)),
			zap.String("to", string(state)))
		ec.State = state
		if state == types.ExecContextStateFinished {
			ec.CompletedOn = types.NowMillis()
		}
		_, err = s.store.SaveExecContext(ctx, ec)
		return err
	})
}
