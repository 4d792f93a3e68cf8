// Package fsm implements the task lifecycle: the legal transitions between
// execution states and the follow-up work each transition triggers.
//
// Methods named after an operation acquire the task lock themselves and must
// be called without it. Methods taking a *types.Task expect the caller to
// hold that task's lock. Follow-up events are collected in an Outbox and must
// be flushed by the caller after every lock is released.
package fsm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

// ErrInputNotFound is returned when an input variable cannot be bound.
var ErrInputNotFound = errors.New("input variable not found")

// Machine applies task state transitions.
type Machine struct {
	store     store.Store
	taskLocks *locks.KeyedLocker[int64]
	log       *zap.Logger
}

// New creates a state machine over st. taskLocks is the task lock registry
// shared with every component mutating tasks.
func New(st store.Store, taskLocks *locks.KeyedLocker[int64], log *zap.Logger) *Machine {
	return &Machine{store: st, taskLocks: taskLocks, log: log}
}

// TaskLocks returns the task lock registry.
func (m *Machine) TaskLocks() *locks.KeyedLocker[int64] {
	return m.taskLocks
}

// UpdateTaskExecState moves task to state. ERROR and ERROR_WITH_RECOVERY are
// rejected as a programming error, use FinishWithError. A transition that
// would move a finished task back to an unfinished state is ignored.
func (m *Machine) UpdateTaskExecState(ctx context.Context, out *events.Outbox, task *types.Task, state types.ExecState) (*types.Task, error) {
	m.taskLocks.AssertHeld(ctx, task.ID)

	switch {
	case state.IsError():
		types.Invariantf("task #%d: state %s must be set through FinishWithError", task.ID, state)
	case state == types.ExecStateOK && task.ExecState == types.ExecStateOK:
		m.log.Debug("task is already OK", zap.Int64("taskId", task.ID))
		return task, nil
	case task.ExecState.IsFinished() && !state.IsFinished():
		m.log.Warn("refused to downgrade finished task",
			zap.Int64("taskId", task.ID),
			zap.Stringer("from", task.ExecState),
			zap.Stringer("to", state))
		return task, nil
	}

	from := task.ExecState
	task.ExecState = state
	if state.IsFinished() && !task.Completed {
		task.Completed = true
		task.CompletedOn = types.NowMillis()
	}
	saved, err := m.store.SaveTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("save task #%d: %w", task.ID, err)
	}
	m.log.Debug("task state changed",
		zap.Int64("taskId", saved.ID),
		zap.Stringer("from", from),
		zap.Stringer("to", state))
	m.afterTransition(out, saved)
	return saved, nil
}

// FinishWithError moves task to ERROR or ERROR_WITH_RECOVERY, stamping the
// completion fields and a synthesized exec result when none was reported.
func (m *Machine) FinishWithError(ctx context.Context, out *events.Outbox, task *types.Task, state types.ExecState, console string) (*types.Task, error) {
	m.taskLocks.AssertHeld(ctx, task.ID)
	if !state.IsError() {
		types.Invariantf("task #%d: FinishWithError called with %s", task.ID, state)
	}

	if task.ExecState == state && task.Completed && task.ResultReceived && task.FunctionExecResults != "" {
		return task, nil
	}

	task.ExecState = state
	task.Completed = true
	task.CompletedOn = types.NowMillis()
	task.ResultReceived = true
	if task.FunctionExecResults == "" {
		code := ""
		if task.Params != nil {
			code = task.Params.Function.Code
		}
		res, err := types.MarshalFunctionExec(types.NewSystemFunctionExec(code, false, -1, console))
		if err != nil {
			return nil, fmt.Errorf("encode exec result: %w", err)
		}
		task.FunctionExecResults = res
	}
	saved, err := m.store.SaveTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("save task #%d: %w", task.ID, err)
	}
	m.log.Info("task finished with error",
		zap.Int64("taskId", saved.ID),
		zap.Int64("execContextId", saved.ExecContextID),
		zap.Stringer("state", state),
		zap.String("console", console))
	m.afterTransition(out, saved)
	return saved, nil
}

func (m *Machine) afterTransition(out *events.Outbox, t *types.Task) {
	out.Add(
		events.SyncQueueState(t.ExecContextID, t.ID, t.ExecState),
		events.UpdateTaskExecStatesInGraph(t.ExecContextID, t.ID),
	)
	switch {
	case t.ExecState == types.ExecStateNone:
		out.Add(events.FindUnassignedTasks())
	case t.ExecState == types.ExecStateInit:
		out.Add(events.InitVariables(t.ExecContextID, t.ID))
	case t.ExecState == types.ExecStateCheckCache:
		out.Add(events.RegisterTaskForCheckCaching(t.ExecContextID, t.ID))
	case t.ExecState.IsFinished():
		out.Add(events.ActivateChildren(t.ExecContextID, t.ID))
	}
}

// SetTaskExecState loads the task under its lock and moves it to state.
func (m *Machine) SetTaskExecState(ctx context.Context, out *events.Outbox, taskID int64, state types.ExecState) (*types.Task, error) {
	var result *types.Task
	err := m.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		task, err := m.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		result, err = m.UpdateTaskExecState(ctx, out, task, state)
		return err
	})
	return result, err
}

// FinishTaskWithError loads the task under its lock and finishes it with ERROR.
func (m *Machine) FinishTaskWithError(ctx context.Context, out *events.Outbox, taskID int64, console string) (*types.Task, error) {
	var result *types.Task
	err := m.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		task, err := m.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		result, err = m.FinishWithError(ctx, out, task, types.ExecStateError, console)
		return err
	})
	return result, err
}

// ResetTask clears the assignment of a NONE or IN_PROGRESS task and returns it
// to NONE so it is matched again. It reports whether the task was reset.
func (m *Machine) ResetTask(ctx context.Context, out *events.Outbox, taskID int64) (bool, error) {
	reset := false
	err := m.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		task, err := m.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.ExecState != types.ExecStateInProgress && task.ExecState != types.ExecStateNone {
			m.log.Info("task is not reset", zap.Int64("taskId", taskID), zap.Stringer("state", task.ExecState))
			return nil
		}
		task.ResetAssignment()
		if task.ExecState == types.ExecStateNone {
			if _, err := m.store.SaveTask(ctx, task); err != nil {
				return fmt.Errorf("save task #%d: %w", taskID, err)
			}
			out.Add(events.SyncQueueState(task.ExecContextID, task.ID, task.ExecState), events.FindUnassignedTasks())
			reset = true
			return nil
		}
		_, err = m.UpdateTaskExecState(ctx, out, task, types.ExecStateNone)
		reset = err == nil
		return err
	})
	return reset, err
}
