package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/pkg/types"
)

func (d *Dispatcher) subscribe() {
	d.bus.Subscribe(events.KindSyncQueueState, d.onSyncQueueState)
	d.bus.Subscribe(events.KindFindUnassignedTasks, d.onFindUnassignedTasks)
	d.bus.Subscribe(events.KindRegisterTaskForCheckCaching, d.onCheckCaching)
	d.bus.Subscribe(events.KindInitVariables, d.onInitVariables)
	d.bus.Subscribe(events.KindActivateChildren, d.onActivateChildren)
	d.bus.Subscribe(events.KindUpdateTaskExecStatesInGraph, d.onUpdateGraph)
	d.bus.Subscribe(events.KindTaskFinishedWithError, d.onTaskFinishedWithError)
	d.bus.Subscribe(events.KindResetTask, d.onResetTask)
	d.bus.Subscribe(events.KindUnassignTask, d.onUnassignTask)
	d.bus.Subscribe(events.KindStartTaskProcessing, d.onStartTaskProcessing)
}

// handle runs fn with a fresh outbox flushed afterwards.
func (d *Dispatcher) handle(ctx context.Context, fn func(out *events.Outbox) error) error {
	out := &events.Outbox{}
	defer d.flush(ctx, out)
	return fn(out)
}

func (d *Dispatcher) onSyncQueueState(ctx context.Context, ev events.Event) error {
	res := d.queue.SetTaskExecState(ctx, ev.ExecContextID, ev.TaskID, ev.State)
	if res.GroupFinished {
		d.log.Debug("task group finished", zap.Int64("execContextId", ev.ExecContextID), zap.Int64("taskId", ev.TaskID))
	}
	if ev.State == types.ExecStateNone && !res.Found {
		// the whole exec context goes in one batch so its NONE tasks share groups
		tasks, err := d.store.FindTasksByExecContext(ctx, ev.ExecContextID)
		if err != nil {
			return err
		}
		d.registerTasks(ctx, tasks)
	}
	return nil
}

// onFindUnassignedTasks registers every NONE task missing from the queue.
func (d *Dispatcher) onFindUnassignedTasks(ctx context.Context, _ events.Event) error {
	tasks, err := d.store.FindTasksByState(ctx, types.ExecStateNone)
	if err != nil {
		return err
	}
	if n := d.registerTasks(ctx, tasks); n > 0 {
		d.log.Debug("unassigned tasks registered", zap.Int("count", n))
	}
	return nil
}

func (d *Dispatcher) onCheckCaching(ctx context.Context, ev events.Event) error {
	_, err := d.CheckCaching(ctx, ev.ExecContextID, ev.TaskID)
	return err
}

func (d *Dispatcher) onInitVariables(ctx context.Context, ev events.Event) error {
	return d.handle(ctx, func(out *events.Outbox) error {
		return d.fsm.InitVariables(ctx, out, ev.TaskID)
	})
}

func (d *Dispatcher) onActivateChildren(ctx context.Context, ev events.Event) error {
	return d.handle(ctx, func(out *events.Outbox) error {
		return d.fsm.ActivateChildren(ctx, out, ev.ExecContextID, ev.TaskID)
	})
}

// onUpdateGraph mirrors the task state into the graph, skips the descendants
// of a failed task and drops the queue groups of a finished exec context.
func (d *Dispatcher) onUpdateGraph(ctx context.Context, ev events.Event) error {
	upd, err := d.graph.UpdateTaskExecStates(ctx, ev.ExecContextID, ev.TaskID)
	if err != nil {
		return err
	}
	err = d.handle(ctx, func(out *events.Outbox) error {
		for _, id := range upd.Skip {
			if _, err := d.fsm.SetTaskExecState(ctx, out, id, types.ExecStateSkipped); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if upd.Finished {
		d.queue.DeleteByExecContextID(ctx, ev.ExecContextID)
		d.metrics.QueueGroups.Set(float64(d.queue.GroupCount(ctx)))
	}
	return nil
}

func (d *Dispatcher) onTaskFinishedWithError(ctx context.Context, ev events.Event) error {
	return d.handle(ctx, func(out *events.Outbox) error {
		_, err := d.fsm.FinishTaskWithError(ctx, out, ev.TaskID, ev.Console)
		return err
	})
}

func (d *Dispatcher) onResetTask(ctx context.Context, ev events.Event) error {
	_, err := d.ResetTask(ctx, ev.TaskID)
	return err
}

func (d *Dispatcher) onUnassignTask(_ context.Context, ev events.Event) error {
	d.watchdog.Track(ev.ExecContextID, ev.TaskID, ev.CoreID)
	return nil
}

func (d *Dispatcher) onStartTaskProcessing(_ context.Context, ev events.Event) error {
	d.log.Debug("task processing started",
		zap.Int64("execContextId", ev.ExecContextID),
		zap.Int64("taskId", ev.TaskID),
		zap.Int64("coreId", ev.CoreID))
	return nil
}
