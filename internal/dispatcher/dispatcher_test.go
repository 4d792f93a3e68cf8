package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/pkg/types"
)

type harness struct {
	t   *testing.T
	ctx context.Context
	d   *Dispatcher
}

func newHarness(t *testing.T, tune func(*config.DispatcherConfig)) *harness {
	t.Helper()
	cfg := config.DefaultConfig().Dispatcher
	if tune != nil {
		tune(&cfg)
	}
	d := New(cfg, Options{
		Logger: zap.NewNop(),
		Catalog: producer.NewCatalog(
			types.FunctionConfig{Code: "load"},
			types.FunctionConfig{Code: "fit", Params: "epochs=3"},
		),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Bus().Start(ctx)
	return &harness{t: t, ctx: ctx, d: d}
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.d.Bus().WaitIdle(ctx))
}

func (h *harness) drainInternal() {
	h.t.Helper()
	h.settle()
	h.d.internal.Drain(h.ctx)
	h.settle()
}

func (h *harness) startRun(triesAfterError int) int64 {
	h.t.Helper()
	ec, err := h.d.CreateExecContext(h.ctx, &types.ExecContextParams{Processes: []types.Process{
		{
			ProcessCode: "load",
			Function:    types.FunctionDef{Code: "load"},
			Outputs:     []types.VariableDecl{{Name: "dataset"}},
		},
		{
			ProcessCode:     "fit",
			Function:        types.FunctionDef{Code: "fit"},
			Inputs:          []types.VariableDecl{{Name: "dataset"}},
			Outputs:         []types.VariableDecl{{Name: "model"}},
			Cache:           &types.CacheConfig{Enabled: true},
			TriesAfterError: triesAfterError,
		},
	}})
	require.NoError(h.t, err)
	_, err = h.d.ProduceAll(h.ctx, ec.ID)
	require.NoError(h.t, err)
	h.settle()
	return ec.ID
}

func (h *harness) assign(core int64) *types.AssignedTask {
	h.t.Helper()
	a, err := h.d.FindUnassignedTaskAndAssign(h.ctx, core1(core), nil, nil)
	require.NoError(h.t, err)
	h.settle()
	return a
}

func (h *harness) report(a *types.AssignedTask, state types.ExecState, outputs ...OutputData) *types.Task {
	h.t.Helper()
	task, err := h.d.ReportTaskResult(h.ctx, TaskResult{
		TaskID:  a.Task.ID,
		CoreID:  a.Task.CoreID,
		State:   state,
		Outputs: outputs,
	})
	require.NoError(h.t, err)
	h.settle()
	return task
}

func (h *harness) taskState(id int64) types.ExecState {
	h.t.Helper()
	task, err := h.d.Store().LoadTask(h.ctx, id)
	require.NoError(h.t, err)
	return task.ExecState
}

func (h *harness) ecState(id int64) types.ExecContextState {
	h.t.Helper()
	ec, err := h.d.Store().LoadExecContext(h.ctx, id)
	require.NoError(h.t, err)
	return ec.State
}

func core1(id int64) types.WorkerCapabilities {
	return types.WorkerCapabilities{
		CoreID:            id,
		WorkerID:          id,
		OS:                types.OSLinux,
		GitStatus:         types.GitStatusInstalled,
		Quotas:            types.QuotaTable{Disabled: true},
		TaskParamsVersion: 2,
	}
}

func TestDispatcher_RunToCompletionThenFromCache(t *testing.T) {
	h := newHarness(t, nil)
	ecID := h.startRun(0)

	load := h.assign(1)
	require.NotNil(t, load)
	assert.Equal(t, "load", load.Task.Params.ProcessCode)
	assert.Nil(t, h.assign(2), "fit waits for its parent")

	h.report(load, types.ExecStateOK, OutputData{Name: "dataset", Data: []byte("rows")})

	fit := h.assign(1)
	require.NotNil(t, fit)
	assert.Equal(t, "fit", fit.Task.Params.ProcessCode)
	require.NotZero(t, fit.Task.Params.Inputs[0].ID)

	_, err := h.d.ReportTaskResult(h.ctx, TaskResult{TaskID: fit.Task.ID, CoreID: 99, State: types.ExecStateOK})
	assert.ErrorIs(t, err, ErrTaskNotAssigned)
	_, err = h.d.ReportTaskResult(h.ctx, TaskResult{TaskID: fit.Task.ID, CoreID: 1, State: types.ExecStateSkipped})
	assert.ErrorIs(t, err, ErrUnsupportedResultState)

	h.report(fit, types.ExecStateOK, OutputData{Name: "model", Data: []byte("weights")})
	h.drainInternal()
	assert.Equal(t, types.ExecContextStateFinished, h.ecState(ecID))

	// the same input again is served from the cache
	second := h.startRun(0)
	load2 := h.assign(1)
	require.NotNil(t, load2)
	h.report(load2, types.ExecStateOK, OutputData{Name: "dataset", Data: []byte("rows")})
	h.drainInternal()

	tasks, err := h.d.Store().FindTasksByExecContext(h.ctx, second)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.ExecStateOK, task.ExecState, "task %s", task.Params.ProcessCode)
		if task.Params.ProcessCode == "fit" {
			assert.True(t, task.Params.FromCache)
			model, err := h.d.Store().LoadVariable(h.ctx, task.Params.Outputs[0].ID)
			require.NoError(t, err)
			assert.Equal(t, []byte("weights"), model.Data)
		}
	}
	assert.Equal(t, types.ExecContextStateFinished, h.ecState(second))

	assert.Equal(t, float64(3), testutil.ToFloat64(h.d.Metrics().TasksAssigned))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.d.Metrics().CacheChecks.WithLabelValues("copied_from_cache")))
	assert.True(t, h.d.IsQueueEmpty(h.ctx))
}

func TestDispatcher_RetryThenSkipDescendants(t *testing.T) {
	h := newHarness(t, nil)
	ecID := h.startRun(1)

	load := h.assign(1)
	h.report(load, types.ExecStateOK, OutputData{Name: "dataset", Null: true})

	fit := h.assign(1)
	require.NotNil(t, fit)
	retried := h.report(fit, types.ExecStateError)
	assert.Equal(t, types.ExecStateNone, retried.ExecState)
	assert.Zero(t, retried.Params.TriesAfterError)

	again := h.assign(2)
	require.NotNil(t, again)
	assert.Equal(t, fit.Task.ID, again.Task.ID)
	failed := h.report(again, types.ExecStateError)
	assert.Equal(t, types.ExecStateError, failed.ExecState)

	tasks, err := h.d.Store().FindTasksByExecContext(h.ctx, ecID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Params.ProcessCode == producer.FinishFunction {
			assert.Equal(t, types.ExecStateSkipped, task.ExecState)
		}
	}
	assert.Equal(t, types.ExecContextStateFinished, h.ecState(ecID))
}

func TestDispatcher_StaleTaskIsReset(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.StaleTaskTimeout = time.Millisecond })
	h.startRun(0)

	load := h.assign(1)
	require.NotNil(t, load)
	require.NoError(t, h.d.Heartbeat(h.ctx, core1(1), nil))
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, h.d.ResetStaleTasks(h.ctx))
	h.settle()
	assert.Equal(t, types.ExecStateNone, h.taskState(load.Task.ID))

	again := h.assign(2)
	require.NotNil(t, again)
	assert.Equal(t, load.Task.ID, again.Task.ID)
}

func TestDispatcher_SetTaskExecState(t *testing.T) {
	h := newHarness(t, nil)
	ecID := h.startRun(0)
	load := h.assign(1)

	_, err := h.d.SetTaskExecState(h.ctx, ecID+100, load.Task.ID, types.ExecStateOK)
	assert.ErrorIs(t, err, ErrExecContextMismatch)

	task, err := h.d.SetTaskExecState(h.ctx, ecID, load.Task.ID, types.ExecStateErrorWithRecovery)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateErrorWithRecovery, task.ExecState)
	assert.True(t, task.ResultReceived)
}

func TestInternalExecutor_FailsUnknownFunction(t *testing.T) {
	h := newHarness(t, nil)
	h.d = New(config.DefaultConfig().Dispatcher, Options{
		Logger:   zap.NewNop(),
		Internal: producer.NewInternalFunctions("mh.custom"),
	})
	h.d.Bus().Start(h.ctx)

	ec, err := h.d.CreateExecContext(h.ctx, &types.ExecContextParams{Processes: []types.Process{{
		ProcessCode: "custom",
		Function:    types.FunctionDef{Code: "mh.custom", Context: types.FunctionExecContextInternal},
	}}})
	require.NoError(t, err)
	_, err = h.d.ProduceAll(h.ctx, ec.ID)
	require.NoError(t, err)
	h.drainInternal()
	h.drainInternal()

	tasks, err := h.d.Store().FindTasksByExecContext(h.ctx, ec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		switch task.Params.Function.Code {
		case "mh.custom":
			assert.Equal(t, types.ExecStateError, task.ExecState)
		case producer.FinishFunction:
			assert.Equal(t, types.ExecStateSkipped, task.ExecState)
		}
	}
}

func TestDispatcher_WideSkipCascadeWithSmallBuffers(t *testing.T) {
	h := newHarness(t, func(c *config.DispatcherConfig) { c.EventBufferSize = 4 })

	processes := []types.Process{{ProcessCode: "root", Function: types.FunctionDef{Code: "load"}}}
	for i := 1; i <= 8; i++ {
		processes = append(processes, types.Process{
			ProcessCode: fmt.Sprintf("leaf-%d", i),
			Function:    types.FunctionDef{Code: "load"},
			Parents:     []string{"root"},
		})
	}
	ec, err := h.d.CreateExecContext(h.ctx, &types.ExecContextParams{Processes: processes})
	require.NoError(t, err)
	_, err = h.d.ProduceAll(h.ctx, ec.ID)
	require.NoError(t, err)
	h.settle()

	root := h.assign(1)
	require.NotNil(t, root)
	assert.Equal(t, "root", root.Task.Params.ProcessCode)
	h.report(root, types.ExecStateError)

	tasks, err := h.d.Store().FindTasksByExecContext(h.ctx, ec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 10)
	for _, task := range tasks {
		if task.ID == root.Task.ID {
			assert.Equal(t, types.ExecStateError, task.ExecState)
			continue
		}
		assert.Equal(t, types.ExecStateSkipped, task.ExecState, "task %s", task.Params.ProcessCode)
	}
	assert.Equal(t, types.ExecContextStateFinished, h.ecState(ec.ID))
}

func withQuota(caps types.WorkerCapabilities, table types.QuotaTable) types.WorkerCapabilities {
	caps.Quotas = table
	return caps
}

func TestDispatcher_LostTaskKeepsItsQuota(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(0)
	caps := withQuota(core1(1), types.QuotaTable{Limit: 1, Default: 1})

	first, err := h.d.FindUnassignedTaskAndAssign(h.ctx, caps, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Quota)
	h.settle()

	// the core doesn't report the task as live, so it is sent again
	again, err := h.d.FindUnassignedTaskAndAssign(h.ctx, caps, nil, []int64{})
	require.NoError(t, err)
	h.settle()
	require.NotNil(t, again)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, 1, again.Quota)
	assert.Equal(t, types.ExecStateInProgress, h.taskState(first.Task.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.d.Metrics().TasksRecovered))
	assert.Equal(t, 1, h.d.ledger.For(1).Sum())
}

func TestDispatcher_ResetTaskReleasesQuota(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(0)
	caps := withQuota(core1(1), types.QuotaTable{Limit: 1, Default: 1})

	first, err := h.d.FindUnassignedTaskAndAssign(h.ctx, caps, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	h.settle()
	require.Equal(t, 1, h.d.ledger.For(1).Sum())

	ok, err := h.d.ResetTask(h.ctx, first.Task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.settle()
	assert.Zero(t, h.d.ledger.For(1).Sum())
	assert.Equal(t, types.ExecStateNone, h.taskState(first.Task.ID))

	again, err := h.d.FindUnassignedTaskAndAssign(h.ctx, caps, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, again, "the reset task fits the quota again")
	assert.Equal(t, first.Task.ID, again.Task.ID)
}

func TestDispatcher_RegisterTasksShareGroups(t *testing.T) {
	h := newHarness(t, nil)
	var ids []int64
	for i := 0; i < 3; i++ {
		task, err := h.d.Store().SaveTask(h.ctx, &types.Task{
			ExecContextID: 5,
			ExecState:     types.ExecStateNone,
			Params: &types.TaskParams{
				ProcessCode: fmt.Sprintf("p%d", i),
				Function:    types.FunctionConfig{Code: "load"},
			},
		})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	require.NoError(t, h.d.onSyncQueueState(h.ctx, events.SyncQueueState(5, ids[0], types.ExecStateNone)))
	assert.Equal(t, 1, h.d.queue.GroupCount(h.ctx), "one exec context and priority fill one group")
	queued := h.d.queue.Tasks(h.ctx, 5)
	require.Len(t, queued, 3)
	for i, at := range queued {
		assert.Equal(t, ids[i], at.QueuedTask.TaskID)
	}

	require.NoError(t, h.d.onFindUnassignedTasks(h.ctx, events.FindUnassignedTasks()))
	assert.Equal(t, 1, h.d.queue.GroupCount(h.ctx), "already queued tasks are skipped")
	assert.False(t, h.d.IsQueueEmpty(h.ctx))
}
