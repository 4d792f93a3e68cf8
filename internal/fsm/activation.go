package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

// ActivateChildren promotes PRE_INIT children of parentID to INIT once every
// direct parent of the child is finished. A parent in ERROR or SKIPPED counts
// as finished; skipping descendants of a failed task is left to the graph
// update path.
func (m *Machine) ActivateChildren(ctx context.Context, out *events.Outbox, execContextID, parentID int64) error {
	ec, err := m.store.LoadExecContext(ctx, execContextID)
	if err != nil {
		return err
	}
	if ec.Graph == nil || !ec.Graph.Has(parentID) {
		return nil
	}

	for _, childID := range ec.Graph.Children(parentID) {
		ready, err := m.allFinished(ctx, ec.Graph.Parents(childID))
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		err = m.taskLocks.WithLock(ctx, childID, func(ctx context.Context) error {
			child, err := m.store.LoadTask(ctx, childID)
			if err != nil {
				return err
			}
			if child.ExecState != types.ExecStatePreInit {
				return nil
			}
			_, err = m.UpdateTaskExecState(ctx, out, child, types.ExecStateInit)
			return err
		})
		if err != nil {
			return fmt.Errorf("activate task #%d: %w", childID, err)
		}
	}
	return nil
}

func (m *Machine) allFinished(ctx context.Context, ids []int64) (bool, error) {
	for _, id := range ids {
		t, err := m.store.LoadTask(ctx, id)
		if err != nil {
			return false, err
		}
		if !t.ExecState.IsFinished() {
			return false, nil
		}
	}
	return true, nil
}

// InitVariables binds the inputs of an INIT task and moves it to CHECK_CACHE
// when caching is enabled, NONE otherwise. A task whose inputs cannot be
// bound is finished with error.
func (m *Machine) InitVariables(ctx context.Context, out *events.Outbox, taskID int64) error {
	return m.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		task, err := m.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.ExecState != types.ExecStateInit {
			return nil
		}
		ec, err := m.store.LoadExecContext(ctx, task.ExecContextID)
		if err != nil {
			return err
		}

		if err := m.bindInputs(ctx, ec, task); err != nil {
			if errors.Is(err, ErrInputNotFound) {
				_, ferr := m.FinishWithError(ctx, out, task, types.ExecStateError, err.Error())
				return ferr
			}
			return err
		}

		next := types.ExecStateNone
		if task.Params.CacheEnabled() {
			next = types.ExecStateCheckCache
		}
		_, err = m.UpdateTaskExecState(ctx, out, task, next)
		return err
	})
}

// bindInputs resolves each input by name: local inputs against the outputs of
// the task's own context and then its ancestors' contexts, nearest first,
// global inputs against the exec context variables.
func (m *Machine) bindInputs(ctx context.Context, ec *types.ExecContext, task *types.Task) error {
	tp := task.Params
	if tp == nil || len(tp.Inputs) == 0 {
		return nil
	}

	contexts := []string{tp.TaskContextID}
	if ec.Graph != nil && ec.Graph.Has(task.ID) {
		ancestors, err := ec.Graph.Ancestors(task.ID)
		if err != nil {
			return err
		}
		for _, id := range ancestors {
			a, err := m.store.LoadTask(ctx, id)
			if err != nil {
				return err
			}
			if a.Params != nil && !slice.Contain(contexts, a.Params.TaskContextID) {
				contexts = append(contexts, a.Params.TaskContextID)
			}
		}
	}

	for i := range tp.Inputs {
		in := &tp.Inputs[i]
		if in.ID != 0 {
			continue
		}
		if in.Context == types.VariableContextGlobal {
			id, ok := ec.Params.Variables[in.Name]
			if !ok {
				return fmt.Errorf("%w: global %q", ErrInputNotFound, in.Name)
			}
			in.ID = id
			continue
		}
		id, err := m.findLocal(ctx, task.ExecContextID, in.Name, contexts)
		if err != nil {
			return err
		}
		in.ID = id
	}

	saved, err := m.store.SaveTask(ctx, task)
	if err != nil {
		return fmt.Errorf("save task #%d: %w", task.ID, err)
	}
	*task = *saved
	m.log.Debug("inputs bound", zap.Int64("taskId", task.ID), zap.Int("inputs", len(tp.Inputs)))
	return nil
}

func (m *Machine) findLocal(ctx context.Context, execContextID int64, name string, contexts []string) (int64, error) {
	for _, c := range contexts {
		v, err := m.store.FindVariable(ctx, execContextID, name, c)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	}
	return 0, fmt.Errorf("%w: %q in contexts %v", ErrInputNotFound, name, contexts)
}
