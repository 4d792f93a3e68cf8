package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/fsm"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/types"
)

type cacheFixture struct {
	ctx     context.Context
	st      *store.Memory
	entries *Memory
	locks   *locks.KeyedLocker[int64]
	svc     *Service
	ec      *types.ExecContext
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	kl := locks.NewKeyedLocker[int64](locks.TaskKey)
	ec, err := st.SaveExecContext(ctx, &types.ExecContext{
		State: types.ExecContextStateStarted,
		Params: &types.ExecContextParams{Processes: []types.Process{{
			ProcessCode: "train",
			Function:    types.FunctionDef{Code: "fit"},
			Cache:       &types.CacheConfig{Enabled: true},
		}}},
		Graph:      graph.New(),
		TaskStates: map[int64]types.ExecState{},
	})
	require.NoError(t, err)
	entries := NewMemory()
	return &cacheFixture{
		ctx:     ctx,
		st:      st,
		entries: entries,
		locks:   kl,
		svc:     NewService(st, entries, fsm.New(st, kl, zap.NewNop()), kl, zap.NewNop()),
		ec:      ec,
	}
}

// newTask creates a CHECK_CACHE task of process train with outputs named as given.
func (f *cacheFixture) newTask(t *testing.T, input []byte, outputs ...string) *types.Task {
	t.Helper()
	in, err := f.st.SaveVariable(f.ctx, &types.Variable{ExecContextID: f.ec.ID, Name: "dataset", Data: input, Inited: true})
	require.NoError(t, err)
	tp := &types.TaskParams{
		ProcessCode: "train",
		Function:    types.FunctionConfig{Code: "fit", Params: "epochs=1"},
		Cache:       &types.CacheConfig{Enabled: true},
		Inputs:      []types.InputVariable{{ID: in.ID, Name: "dataset"}},
	}
	for _, name := range outputs {
		v, err := f.st.SaveVariable(f.ctx, &types.Variable{ExecContextID: f.ec.ID, Name: name})
		require.NoError(t, err)
		tp.Outputs = append(tp.Outputs, types.OutputVariable{ID: v.ID, Name: name})
	}
	task, err := f.st.SaveTask(f.ctx, &types.Task{ExecContextID: f.ec.ID, ExecState: types.ExecStateCheckCache, Params: tp})
	require.NoError(t, err)
	return task
}

func (f *cacheFixture) check(t *testing.T, taskID int64) (Status, *events.Outbox, error) {
	t.Helper()
	out := &events.Outbox{}
	var status Status
	err := f.locks.WithLock(f.ctx, taskID, func(ctx context.Context) error {
		var err error
		status, err = f.svc.CheckCaching(ctx, out, f.ec.ID, taskID)
		return err
	})
	return status, out, err
}

func (f *cacheFixture) finish(t *testing.T, task *types.Task, outputs map[string][]byte) *types.Task {
	t.Helper()
	for _, o := range task.Params.Outputs {
		v, err := f.st.LoadVariable(f.ctx, o.ID)
		require.NoError(t, err)
		data, ok := outputs[o.Name]
		v.Inited = true
		v.Nullified = !ok
		v.Data = data
		_, err = f.st.SaveVariable(f.ctx, v)
		require.NoError(t, err)
	}
	var done *types.Task
	require.NoError(t, f.locks.WithLock(f.ctx, task.ID, func(ctx context.Context) error {
		cur, err := f.st.LoadTask(ctx, task.ID)
		if err != nil {
			return err
		}
		cur.ExecState = types.ExecStateOK
		done, err = f.st.SaveTask(ctx, cur)
		return err
	}))
	return done
}

func TestCheckCaching_MissGoesToNone(t *testing.T) {
	f := newCacheFixture(t)
	task := f.newTask(t, []byte("rows"), "model")

	status, out, err := f.check(t, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoPrevCache, status)

	stored, err := f.st.LoadTask(f.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateNone, stored.ExecState)
	assert.NotZero(t, out.Len())
}

func TestCheckCaching_HitCopiesOutputs(t *testing.T) {
	f := newCacheFixture(t)
	first := f.newTask(t, []byte("rows"), "model", "report")
	created, err := f.svc.StoreVariables(f.ctx, f.finish(t, first, map[string][]byte{"model": []byte("weights")}))
	require.NoError(t, err)
	require.True(t, created)

	second := f.newTask(t, []byte("rows"), "model", "report")
	status, out, err := f.check(t, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCopiedFromCache, status)

	stored, err := f.st.LoadTask(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateOK, stored.ExecState)
	assert.True(t, stored.Params.FromCache)
	assert.True(t, stored.ResultReceived)
	exec, err := types.UnmarshalFunctionExec(stored.FunctionExecResults)
	require.NoError(t, err)
	assert.Contains(t, exec.Exec.Console, "Process was finished with cached data")

	model, err := f.st.LoadVariable(f.ctx, stored.Params.Outputs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), model.Data)
	report, err := f.st.LoadVariable(f.ctx, stored.Params.Outputs[1].ID)
	require.NoError(t, err)
	assert.True(t, report.Nullified)
	assert.True(t, report.Inited)

	var activated bool
	for _, ev := range out.Events() {
		activated = activated || ev.Kind == events.KindActivateChildren
	}
	assert.True(t, activated)

	created, err = f.svc.StoreVariables(f.ctx, stored)
	require.NoError(t, err)
	assert.False(t, created, "tasks satisfied from cache aren't stored again")
}

func TestCheckCaching_DifferentInputMisses(t *testing.T) {
	f := newCacheFixture(t)
	first := f.newTask(t, []byte("rows"), "model")
	_, err := f.svc.StoreVariables(f.ctx, f.finish(t, first, map[string][]byte{"model": []byte("w")}))
	require.NoError(t, err)

	second := f.newTask(t, []byte("other rows"), "model")
	status, _, err := f.check(t, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoPrevCache, status)
}

func TestCheckCaching_BrokenEntryIsInvalidated(t *testing.T) {
	f := newCacheFixture(t)
	first := f.newTask(t, []byte("rows"), "model", "report")
	_, err := f.svc.StoreVariables(f.ctx, f.finish(t, first, map[string][]byte{"model": []byte("w"), "report": []byte("r")}))
	require.NoError(t, err)

	second := f.newTask(t, []byte("rows"), "model", "report")
	key, _, ok := f.svc.Keys().SimpleKey(f.ctx, f.ec, second.Params)
	require.True(t, ok)
	entry, err := f.entries.Find(f.ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	f.entries.Truncate(entry.Process.ID)

	_, _, err = f.check(t, second.ID)
	var inv *InvalidateError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, entry.Process.ID, inv.CacheProcessID)

	require.NoError(t, f.locks.WithLock(f.ctx, second.ID, func(ctx context.Context) error {
		return f.svc.InvalidateAndSetToNone(ctx, &events.Outbox{}, inv)
	}))
	stored, err := f.st.LoadTask(f.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateNone, stored.ExecState)

	entry, err = f.entries.Find(f.ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCheckCaching_StateGuards(t *testing.T) {
	f := newCacheFixture(t)
	task := f.newTask(t, nil, "model")
	f.finish(t, task, nil)

	status, _, err := f.check(t, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotInCheckCache, status)

	status, _, err = f.check(t, 9999)
	require.NoError(t, err)
	assert.Equal(t, StatusTaskNotFound, status)

	assert.Panics(t, func() {
		_, _ = f.svc.CheckCaching(f.ctx, &events.Outbox{}, f.ec.ID, task.ID)
	})
}
