package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/pkg/types"
)

var errUnknownInternalFunction = errors.New("unknown internal function")

// InternalExecutor runs tasks whose function executes inside the dispatcher.
// Those tasks never reach a worker core.
type InternalExecutor struct {
	d      *Dispatcher
	log    *zap.Logger
	notify chan struct{}
}

// NewInternalExecutor creates an executor bound to d.
func NewInternalExecutor(d *Dispatcher, log *zap.Logger) *InternalExecutor {
	return &InternalExecutor{d: d, log: log, notify: make(chan struct{}, 1)}
}

// Notify wakes the executor up. It never blocks.
func (e *InternalExecutor) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Run drains internal tasks until ctx is done. interval is a fallback poll
// period for notifications lost while a drain was in progress.
func (e *InternalExecutor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.notify:
		case <-ticker.C:
		}
		e.Drain(ctx)
	}
}

// Drain executes every waiting internal task once.
func (e *InternalExecutor) Drain(ctx context.Context) int {
	var pending []queue.QueuedTask
	e.d.queue.WithRead(ctx, func(_ context.Context, q *queue.TaskQueue) {
		for _, g := range q.Snapshot() {
			for _, t := range g.Tasks {
				if t.QueuedTask.IsInternal() && t.State == types.ExecStateNone {
					pending = append(pending, t.QueuedTask)
				}
			}
		}
	})
	done := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.execute(ctx, t)
		if err != nil {
			e.log.Error("internal task failed", zap.Int64("taskId", t.TaskID), zap.Error(err))
			continue
		}
		if ok {
			done++
		}
	}
	return done
}

func (e *InternalExecutor) execute(ctx context.Context, qt queue.QueuedTask) (bool, error) {
	out := &events.Outbox{}
	defer e.d.flush(ctx, out)

	executed := false
	err := e.d.taskLocks.WithLock(ctx, qt.TaskID, func(ctx context.Context) error {
		task, err := e.d.store.LoadTask(ctx, qt.TaskID)
		if err != nil {
			return err
		}
		if task.ExecState != types.ExecStateNone || task.Params == nil {
			return nil
		}
		task.AssignedOn = types.NowMillis()
		task, err = e.d.fsm.UpdateTaskExecState(ctx, out, task, types.ExecStateInProgress)
		if err != nil {
			return err
		}
		executed = true

		if runErr := e.run(task); runErr != nil {
			_, err = e.d.fsm.FinishWithError(ctx, out, task, types.ExecStateError, runErr.Error())
			return err
		}
		task.ResultReceived = true
		task.FunctionExecResults = fmt.Sprintf("internal function %s was executed", task.Params.Function.Code)
		_, err = e.d.fsm.UpdateTaskExecState(ctx, out, task, types.ExecStateOK)
		return err
	})
	return executed, err
}

func (e *InternalExecutor) run(task *types.Task) error {
	switch code := task.Params.Function.Code; code {
	case producer.NopFunction:
		return nil
	case producer.FinishFunction:
		e.log.Info("exec context reached its finish task",
			zap.Int64("execContextId", task.ExecContextID),
			zap.Int64("taskId", task.ID))
		return nil
	default:
		return fmt.Errorf("%w: %s", errUnknownInternalFunction, code)
	}
}
