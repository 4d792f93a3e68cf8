package fsm

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/types"
)

type fixture struct {
	ctx   context.Context
	st    *store.Memory
	locks *locks.KeyedLocker[int64]
	m     *Machine
	ecID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	kl := locks.NewKeyedLocker[int64](locks.TaskKey)
	ec, err := st.SaveExecContext(context.Background(), &types.ExecContext{
		State:      types.ExecContextStateStarted,
		Params:     &types.ExecContextParams{Variables: map[string]int64{}},
		Graph:      graph.New(),
		TaskStates: map[int64]types.ExecState{},
	})
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), st: st, locks: kl, m: New(st, kl, zap.NewNop()), ecID: ec.ID}
}

func (f *fixture) addTask(t *testing.T, state types.ExecState, tp *types.TaskParams, parents ...int64) *types.Task {
	t.Helper()
	if tp == nil {
		tp = &types.TaskParams{TaskContextID: "1", Function: types.FunctionConfig{Code: "fn"}}
	}
	task, err := f.st.SaveTask(f.ctx, &types.Task{ExecContextID: f.ecID, ExecState: state, Params: tp})
	require.NoError(t, err)

	ec, err := f.st.LoadExecContext(f.ctx, f.ecID)
	require.NoError(t, err)
	ec.Graph.AddVertex(task.ID)
	for _, p := range parents {
		require.NoError(t, ec.Graph.AddEdge(p, task.ID))
	}
	ec.TaskStates[task.ID] = state
	_, err = f.st.SaveExecContext(f.ctx, ec)
	require.NoError(t, err)
	return task
}

func (f *fixture) setVariable(t *testing.T, name, taskContextID string) *types.Variable {
	t.Helper()
	v, err := f.st.SaveVariable(f.ctx, &types.Variable{ExecContextID: f.ecID, TaskContextID: taskContextID, Name: name, Inited: true})
	require.NoError(t, err)
	return v
}

func (f *fixture) update(t *testing.T, id int64, state types.ExecState) (*types.Task, *events.Outbox) {
	t.Helper()
	out := &events.Outbox{}
	task, err := f.m.SetTaskExecState(f.ctx, out, id, state)
	require.NoError(t, err)
	return task, out
}

func kinds(out *events.Outbox) []events.Kind {
	var ks []events.Kind
	for _, ev := range out.Events() {
		ks = append(ks, ev.Kind)
	}
	return ks
}

func TestUpdateTaskExecState_FollowUps(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, types.ExecStateInit, nil)

	tests := []struct {
		state types.ExecState
		want  events.Kind
	}{
		{types.ExecStateCheckCache, events.KindRegisterTaskForCheckCaching},
		{types.ExecStateNone, events.KindFindUnassignedTasks},
		{types.ExecStateInProgress, ""},
		{types.ExecStateOK, events.KindActivateChildren},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got, out := f.update(t, task.ID, tt.state)
			assert.Equal(t, tt.state, got.ExecState)
			ks := kinds(out)
			require.GreaterOrEqual(t, len(ks), 2)
			assert.Equal(t, events.KindSyncQueueState, ks[0])
			assert.Equal(t, events.KindUpdateTaskExecStatesInGraph, ks[1])
			if tt.want == "" {
				assert.Len(t, ks, 2)
			} else {
				assert.Equal(t, []events.Kind{tt.want}, ks[2:])
			}
		})
	}

	stored, err := f.st.LoadTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, stored.Completed)
	assert.NotZero(t, stored.CompletedOn)
}

func TestUpdateTaskExecState_Guards(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, types.ExecStateOK, nil)

	t.Run("ok to ok is a no-op", func(t *testing.T) {
		got, out := f.update(t, task.ID, types.ExecStateOK)
		assert.Equal(t, task.Version, got.Version)
		assert.Zero(t, out.Len())
	})
	t.Run("finished is not downgraded", func(t *testing.T) {
		got, out := f.update(t, task.ID, types.ExecStateNone)
		assert.Equal(t, types.ExecStateOK, got.ExecState)
		assert.Zero(t, out.Len())
	})
	t.Run("error states panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_, _ = f.m.SetTaskExecState(f.ctx, &events.Outbox{}, task.ID, types.ExecStateError)
		})
	})
	t.Run("lock must be held", func(t *testing.T) {
		assert.Panics(t, func() {
			_, _ = f.m.UpdateTaskExecState(f.ctx, &events.Outbox{}, task, types.ExecStateSkipped)
		})
	})
}

func TestFinishWithError(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, types.ExecStateInProgress, nil)

	out := &events.Outbox{}
	got, err := f.m.FinishTaskWithError(f.ctx, out, task.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateError, got.ExecState)
	assert.True(t, got.Completed)
	assert.True(t, got.ResultReceived)

	exec, err := types.UnmarshalFunctionExec(got.FunctionExecResults)
	require.NoError(t, err)
	require.NotNil(t, exec.Exec)
	assert.Equal(t, "boom", exec.Exec.Console)
	assert.Equal(t, -1, exec.Exec.ExitCode)
	assert.Contains(t, kinds(out), events.KindActivateChildren)

	again := &events.Outbox{}
	_, err = f.m.FinishTaskWithError(f.ctx, again, task.ID, "boom")
	require.NoError(t, err)
	assert.Zero(t, again.Len())

	assert.Panics(t, func() {
		_ = f.locks.WithLock(f.ctx, task.ID, func(ctx context.Context) error {
			_, err := f.m.FinishWithError(ctx, &events.Outbox{}, got, types.ExecStateOK, "")
			return err
		})
	})
}

func TestResetTask(t *testing.T) {
	f := newFixture(t)
	inProgress := f.addTask(t, types.ExecStateNone, nil)
	finished := f.addTask(t, types.ExecStateOK, nil)

	_ = f.locks.WithLock(f.ctx, inProgress.ID, func(ctx context.Context) error {
		task, err := f.st.LoadTask(ctx, inProgress.ID)
		require.NoError(t, err)
		task.CoreID, task.AssignedOn = 3, types.NowMillis()
		_, err = f.m.UpdateTaskExecState(ctx, &events.Outbox{}, task, types.ExecStateInProgress)
		return err
	})

	out := &events.Outbox{}
	ok, err := f.m.ResetTask(f.ctx, out, inProgress.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err := f.st.LoadTask(f.ctx, inProgress.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateNone, stored.ExecState)
	assert.False(t, stored.IsAssigned())
	assert.Contains(t, kinds(out), events.KindFindUnassignedTasks)

	ok, err = f.m.ResetTask(f.ctx, &events.Outbox{}, finished.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActivateChildren_WaitsForAllParents(t *testing.T) {
	f := newFixture(t)
	p1 := f.addTask(t, types.ExecStateNone, nil)
	p2 := f.addTask(t, types.ExecStateNone, nil)
	child := f.addTask(t, types.ExecStatePreInit, nil, p1.ID, p2.ID)

	f.update(t, p1.ID, types.ExecStateOK)
	out := &events.Outbox{}
	require.NoError(t, f.m.ActivateChildren(f.ctx, out, f.ecID, p1.ID))
	stored, err := f.st.LoadTask(f.ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatePreInit, stored.ExecState)
	assert.Zero(t, out.Len())

	_, err = f.m.FinishTaskWithError(f.ctx, &events.Outbox{}, p2.ID, "failed")
	require.NoError(t, err)
	require.NoError(t, f.m.ActivateChildren(f.ctx, out, f.ecID, p2.ID))
	stored, err = f.st.LoadTask(f.ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateInit, stored.ExecState)
	assert.Contains(t, kinds(out), events.KindInitVariables)
}

func TestInitVariables(t *testing.T) {
	f := newFixture(t)
	parent := f.addTask(t, types.ExecStateOK, &types.TaskParams{TaskContextID: "1"})
	v := f.setVariable(t, "dataset", "1")
	g := f.setVariable(t, "global-model", "")

	ec, err := f.st.LoadExecContext(f.ctx, f.ecID)
	require.NoError(t, err)
	ec.Params.Variables["model"] = g.ID
	_, err = f.st.SaveExecContext(f.ctx, ec)
	require.NoError(t, err)

	t.Run("binds local and global inputs", func(t *testing.T) {
		task := f.addTask(t, types.ExecStateInit, &types.TaskParams{
			TaskContextID: "1,2",
			Inputs: []types.InputVariable{
				{Name: "dataset", Context: types.VariableContextLocal},
				{Name: "model", Context: types.VariableContextGlobal},
			},
			Cache: &types.CacheConfig{Enabled: true},
		}, parent.ID)

		out := &events.Outbox{}
		require.NoError(t, f.m.InitVariables(f.ctx, out, task.ID))
		stored, err := f.st.LoadTask(f.ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ExecStateCheckCache, stored.ExecState)
		assert.Equal(t, v.ID, stored.Params.Inputs[0].ID)
		assert.Equal(t, g.ID, stored.Params.Inputs[1].ID)
		assert.Contains(t, kinds(out), events.KindRegisterTaskForCheckCaching)
	})

	t.Run("missing input finishes with error", func(t *testing.T) {
		task := f.addTask(t, types.ExecStateInit, &types.TaskParams{
			TaskContextID: "1",
			Inputs:        []types.InputVariable{{Name: "absent", Context: types.VariableContextLocal}},
		})
		require.NoError(t, f.m.InitVariables(f.ctx, &events.Outbox{}, task.ID))
		stored, err := f.st.LoadTask(f.ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ExecStateError, stored.ExecState)
	})

	t.Run("non-init task is left alone", func(t *testing.T) {
		task := f.addTask(t, types.ExecStatePreInit, nil)
		out := &events.Outbox{}
		require.NoError(t, f.m.InitVariables(f.ctx, out, task.ID))
		assert.Zero(t, out.Len())
	})
}

// A finished task never returns to an unfinished state, whatever sequence of
// transitions is requested.
func TestFinishedStateIsSticky(t *testing.T) {
	states := []types.ExecState{
		types.ExecStateNone,
		types.ExecStateInProgress,
		types.ExecStateError,
		types.ExecStateOK,
		types.ExecStateSkipped,
		types.ExecStateCheckCache,
		types.ExecStateInit,
		types.ExecStatePreInit,
		types.ExecStateErrorWithRecovery,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("finished state is sticky", prop.ForAll(
		func(seq []int) bool {
			f := newFixture(t)
			task := f.addTask(t, types.ExecStatePreInit, nil)
			finished := false
			for _, i := range seq {
				state := states[i]
				err := f.locks.WithLock(f.ctx, task.ID, func(ctx context.Context) error {
					cur, err := f.st.LoadTask(ctx, task.ID)
					if err != nil {
						return err
					}
					if state.IsError() {
						_, err = f.m.FinishWithError(ctx, &events.Outbox{}, cur, state, "")
					} else {
						_, err = f.m.UpdateTaskExecState(ctx, &events.Outbox{}, cur, state)
					}
					return err
				})
				if err != nil {
					return false
				}
				cur, err := f.st.LoadTask(f.ctx, task.ID)
				if err != nil {
					return false
				}
				if finished && !cur.ExecState.IsFinished() {
					return false
				}
				finished = cur.ExecState.IsFinished()
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(states)-1)),
	))
	properties.TestingRun(t)
}
