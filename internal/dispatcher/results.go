package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/pkg/types"
)

// OutputData is an uploaded output variable.
type OutputData struct {
	Name string `json:"name"`
	Data []byte `json:"data,omitempty"`
	Null bool   `json:"null,omitempty"`
}

// TaskResult is what a core reports for a finished task.
type TaskResult struct {
	TaskID              int64           `json:"taskId"`
	CoreID              int64           `json:"coreId"`
	State               types.ExecState `json:"state"`
	FunctionExecResults string          `json:"functionExecResults,omitempty"`
	Console             string          `json:"console,omitempty"`
	Outputs             []OutputData    `json:"outputs,omitempty"`
}

// ReportTaskResult applies a worker result. OK stores the outputs and fills
// the result cache of cache-enabled tasks. ERROR resets the task while its
// retry budget lasts and finishes it with error afterwards.
func (d *Dispatcher) ReportTaskResult(ctx context.Context, r TaskResult) (*types.Task, error) {
	if r.State != types.ExecStateOK && r.State != types.ExecStateError {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedResultState, r.State)
	}
	out := &events.Outbox{}
	defer d.flush(ctx, out)

	var result *types.Task
	err := d.taskLocks.WithLock(ctx, r.TaskID, func(ctx context.Context) error {
		task, err := d.store.LoadTask(ctx, r.TaskID)
		if err != nil {
			return err
		}
		if task.ExecState != types.ExecStateInProgress || task.CoreID != r.CoreID {
			return fmt.Errorf("task #%d in state %s on core %d: %w", task.ID, task.ExecState, task.CoreID, ErrTaskNotAssigned)
		}

		if r.State == types.ExecStateOK {
			if err := d.storeOutputs(ctx, task, r.Outputs); err != nil {
				return err
			}
			task.FunctionExecResults = r.FunctionExecResults
			task.ResultReceived = true
			result, err = d.fsm.UpdateTaskExecState(ctx, out, task, types.ExecStateOK)
			return err
		}

		if task.Params.TriesAfterError > 0 {
			task.Params.TriesAfterError--
			task.ResetAssignment()
			d.log.Info("task failed, retrying",
				zap.Int64("taskId", task.ID),
				zap.Int("triesLeft", task.Params.TriesAfterError))
			result, err = d.fsm.UpdateTaskExecState(ctx, out, task, types.ExecStateNone)
			return err
		}
		task.FunctionExecResults = r.FunctionExecResults
		result, err = d.fsm.FinishWithError(ctx, out, task, types.ExecStateError, r.Console)
		return err
	})
	if err != nil {
		return nil, err
	}

	d.watchdog.Forget(r.TaskID)
	d.ledger.Release(r.CoreID, r.TaskID)

	if result.ExecState == types.ExecStateOK {
		created, err := d.cache.StoreVariables(ctx, result)
		if err != nil {
			d.log.Error("failed to store cache entry", zap.Int64("taskId", result.ID), zap.Error(err))
		} else if created {
			d.metrics.CacheChecks.WithLabelValues("stored").Inc()
		}
	}
	return result, nil
}

func (d *Dispatcher) storeOutputs(ctx context.Context, task *types.Task, outputs []OutputData) error {
	for _, o := range outputs {
		var id int64
		for i := range task.Params.Outputs {
			if task.Params.Outputs[i].Name == o.Name {
				id = task.Params.Outputs[i].ID
				task.Params.Outputs[i].Uploaded = true
			}
		}
		if id == 0 {
			return fmt.Errorf("task #%d has no output %q", task.ID, o.Name)
		}
		v, err := d.store.LoadVariable(ctx, id)
		if err != nil {
			return err
		}
		v.Inited = true
		v.Nullified = o.Null
		v.Data = nil
		if !o.Null {
			v.Data = append([]byte(nil), o.Data...)
		}
		v.UploadedOn = types.NowMillis()
		if _, err := d.store.SaveVariable(ctx, v); err != nil {
			return err
		}
	}
	return nil
}
