package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/fsm"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/internal/quota"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/internal/worker"
	"yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/types"
)

type matchFixture struct {
	ctx   context.Context
	st    *store.Memory
	queue *queue.Service
	bans  *worker.Bans
	m     *Matcher
	ecID  int64
}

func newMatchFixture(t *testing.T, cfg Config) *matchFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	kl := locks.NewKeyedLocker[int64](locks.TaskKey)
	q := queue.NewService(0, 5, zap.NewNop())
	bans := worker.NewBans(time.Hour)
	ec, err := st.SaveExecContext(ctx, &types.ExecContext{
		State:      types.ExecContextStateStarted,
		Params:     &types.ExecContextParams{},
		Graph:      graph.New(),
		TaskStates: map[int64]types.ExecState{},
	})
	require.NoError(t, err)
	return &matchFixture{
		ctx:   ctx,
		st:    st,
		queue: q,
		bans:  bans,
		m:     New(q, st, fsm.New(st, kl, zap.NewNop()), bans, nil, cfg, zap.NewNop()),
		ecID:  ec.ID,
	}
}

func (f *matchFixture) enqueue(t *testing.T, ecID int64, state types.ExecState, tp *types.TaskParams) int64 {
	t.Helper()
	task, err := f.st.SaveTask(f.ctx, &types.Task{ExecContextID: ecID, ExecState: state, Params: tp})
	require.NoError(t, err)
	require.True(t, f.queue.Register(f.ctx, queue.QueuedTask{
		ExecContextID: ecID,
		TaskID:        task.ID,
		Context:       tp.Context,
		Params:        tp.Clone(),
		Tag:           tp.Tag,
		Priority:      tp.Priority,
		State:         state,
	}))
	return task.ID
}

func (f *matchFixture) match(t *testing.T, w types.WorkerCapabilities, allocs *quota.Allocations, live ...int64) (Result, *events.Outbox) {
	t.Helper()
	out := &events.Outbox{}
	res, err := f.m.FindUnassignedTaskAndAssign(f.ctx, out, Request{Worker: w, Allocations: allocs, LiveTaskIDs: live})
	require.NoError(t, err)
	return res, out
}

func external(code string) *types.TaskParams {
	return &types.TaskParams{
		TaskContextID: "1",
		Context:       types.FunctionExecContextExternal,
		Function:      types.FunctionConfig{Code: code, Context: types.FunctionExecContextExternal},
	}
}

func linux(core int64) types.WorkerCapabilities {
	return types.WorkerCapabilities{
		CoreID:            core,
		WorkerID:          core,
		OS:                types.OSLinux,
		GitStatus:         types.GitStatusInstalled,
		Envs:              map[string]string{"python-3": "python3"},
		Quotas:            types.QuotaTable{Disabled: true},
		TaskParamsVersion: 2,
	}
}

func reasons(res Result) []Reason {
	var rs []Reason
	for _, r := range res.Rejections {
		rs = append(rs, r.Reason)
	}
	return rs
}

func TestMatcher_AssignsHighestPriority(t *testing.T) {
	f := newMatchFixture(t, Config{})
	low := f.enqueue(t, f.ecID, types.ExecStateNone, external("low"))
	hp := external("high")
	hp.Priority = 5
	high := f.enqueue(t, f.ecID, types.ExecStateNone, hp)

	allocs := quota.NewAllocations()
	res, out := f.match(t, linux(1), allocs)
	require.NotNil(t, res.Assigned)
	assert.Equal(t, high, res.Assigned.Task.ID)
	assert.NotEmpty(t, res.Assigned.Params)
	assert.True(t, allocs.Contains(high))

	task, err := f.st.LoadTask(f.ctx, high)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStateInProgress, task.ExecState)
	assert.Equal(t, int64(1), task.CoreID)
	assert.True(t, task.IsAssigned())

	var ks []events.Kind
	for _, ev := range out.Events() {
		ks = append(ks, ev.Kind)
	}
	assert.Contains(t, ks, events.KindUnassignTask)
	assert.Contains(t, ks, events.KindStartTaskProcessing)
	assert.Contains(t, ks, events.KindTaskAssigned)

	at, ok := f.queue.Get(f.ctx, f.ecID, high)
	require.True(t, ok)
	assert.True(t, at.Assigned)

	res, _ = f.match(t, linux(2), nil)
	require.NotNil(t, res.Assigned)
	assert.Equal(t, low, res.Assigned.Task.ID)

	res, _ = f.match(t, linux(3), nil)
	assert.Nil(t, res.Assigned)
}

func TestMatcher_FilterRejections(t *testing.T) {
	f := newMatchFixture(t, Config{AcceptOnlySigned: true})

	tagged := external("tagged")
	tagged.Tag = "gpu"
	f.enqueue(t, f.ecID, types.ExecStateNone, tagged)

	unsigned := external("unsigned")
	f.enqueue(t, f.ecID, types.ExecStateNone, unsigned)

	gitFn := external("git")
	gitFn.Function.Git = &types.GitInfo{Repo: "https://example.com/repo.git"}
	gitFn.Function.Checksums = []types.Checksum{{Kind: "sha256", Value: "x", Signed: true}}
	f.enqueue(t, f.ecID, types.ExecStateNone, gitFn)

	// internal tasks are parked as assigned and never yielded
	internal := &types.TaskParams{Context: types.FunctionExecContextInternal, Function: types.FunctionConfig{Code: "mh.nop"}}
	f.enqueue(t, f.ecID, types.ExecStateNone, internal)

	w := linux(1)
	w.GitStatus = types.GitStatusNotFound
	res, _ := f.match(t, w, nil)
	assert.Nil(t, res.Assigned)
	assert.ElementsMatch(t, []Reason{ReasonTagMismatch, ReasonNotSigned, ReasonGitRequired}, reasons(res))
	assert.False(t, res.Banned)
}

func TestMatcher_QuotaExceeded(t *testing.T) {
	f := newMatchFixture(t, Config{})
	tp := external("fit")
	tp.Tag = "gpu"
	id := f.enqueue(t, f.ecID, types.ExecStateNone, tp)

	w := linux(1)
	w.Tags = []string{"gpu"}
	w.Quotas = types.QuotaTable{Limit: 10, Default: 1, Values: map[string]int{"gpu": 6}}
	allocs := quota.NewAllocations(quota.Allocation{TaskID: 99, Tag: "gpu", Amount: 6})

	res, _ := f.match(t, w, allocs)
	assert.Nil(t, res.Assigned)
	assert.Equal(t, []Reason{ReasonQuotaExceeded}, reasons(res))

	allocs.Remove(99)
	res, _ = f.match(t, w, allocs)
	require.NotNil(t, res.Assigned)
	assert.Equal(t, id, res.Assigned.Task.ID)
	assert.Equal(t, 6, res.Assigned.Quota)
}

func TestMatcher_BanStopsScan(t *testing.T) {
	f := newMatchFixture(t, Config{})
	needsEnv := external("r")
	needsEnv.Function.Env = "r-4"
	f.enqueue(t, f.ecID, types.ExecStateNone, needsEnv)
	f.enqueue(t, f.ecID, types.ExecStateNone, external("ok"))

	res, _ := f.match(t, linux(7), nil)
	assert.Nil(t, res.Assigned)
	assert.True(t, res.Banned)
	assert.Equal(t, []Reason{ReasonEnvNotDefined}, reasons(res))
	assert.True(t, f.bans.IsBanned(7))

	res, _ = f.match(t, linux(7), nil)
	assert.False(t, res.Banned)
	assert.Equal(t, []Reason{ReasonWorkerBanned}, reasons(res))

	res, _ = f.match(t, linux(8), nil)
	assert.True(t, res.Banned, "other cores are checked independently")
}

func TestMatcher_OSAndDowngradeBan(t *testing.T) {
	t.Run("os", func(t *testing.T) {
		f := newMatchFixture(t, Config{})
		tp := external("win")
		tp.Function.Metas = map[string]string{types.MetaSupportedOS: "windows, macos"}
		f.enqueue(t, f.ecID, types.ExecStateNone, tp)

		res, _ := f.match(t, linux(1), nil)
		assert.Equal(t, []Reason{ReasonOSIncompatible}, reasons(res))
		assert.True(t, res.Banned)
	})
	t.Run("downgrade", func(t *testing.T) {
		f := newMatchFixture(t, Config{})
		tp := external("cached")
		tp.Cache = &types.CacheConfig{Enabled: true}
		f.enqueue(t, f.ecID, types.ExecStateNone, tp)

		w := linux(1)
		w.TaskParamsVersion = 1
		res, _ := f.match(t, w, nil)
		assert.Equal(t, []Reason{ReasonDowngradeNotSupported}, reasons(res))
		assert.True(t, res.Banned)
	})
}

func TestMatcher_RemovesDeadEntries(t *testing.T) {
	f := newMatchFixture(t, Config{})
	stopped, err := f.st.SaveExecContext(f.ctx, &types.ExecContext{State: types.ExecContextStateFinished, Params: &types.ExecContextParams{}})
	require.NoError(t, err)

	gone := f.enqueue(t, stopped.ID, types.ExecStateNone, external("a"))
	checking := f.enqueue(t, f.ecID, types.ExecStateCheckCache, external("b"))
	finished := f.enqueue(t, f.ecID, types.ExecStateOK, external("c"))

	res, out := f.match(t, linux(1), nil)
	assert.Nil(t, res.Assigned)
	assert.ElementsMatch(t, []Reason{ReasonExecContextFinished, ReasonCheckCache, ReasonTaskFinished}, reasons(res))
	for _, id := range []int64{gone, checking, finished} {
		assert.False(t, f.queue.AlreadyRegistered(f.ctx, id))
	}

	var recheck bool
	for _, ev := range out.Events() {
		recheck = recheck || (ev.Kind == events.KindRegisterTaskForCheckCaching && ev.TaskID == checking)
	}
	assert.True(t, recheck)
}

func TestMatcher_RecoversLostTask(t *testing.T) {
	f := newMatchFixture(t, Config{})
	id := f.enqueue(t, f.ecID, types.ExecStateNone, external("fit"))
	other := f.enqueue(t, f.ecID, types.ExecStateNone, external("other"))

	res, _ := f.match(t, linux(1), nil)
	require.NotNil(t, res.Assigned)
	require.Equal(t, id, res.Assigned.Task.ID)

	res, _ = f.match(t, linux(1), nil)
	require.NotNil(t, res.Assigned)
	assert.True(t, res.Recovered)
	assert.Equal(t, id, res.Assigned.Task.ID)

	res, _ = f.match(t, linux(1), nil, id)
	require.NotNil(t, res.Assigned)
	assert.False(t, res.Recovered)
	assert.Equal(t, other, res.Assigned.Task.ID)
}

func TestMatcher_LostTaskOverQuotaIsReset(t *testing.T) {
	f := newMatchFixture(t, Config{})
	tp := external("fit")
	id := f.enqueue(t, f.ecID, types.ExecStateNone, tp)

	w := linux(1)
	w.Quotas = types.QuotaTable{Limit: 2, Default: 2}
	res, _ := f.match(t, w, quota.NewAllocations())
	require.NotNil(t, res.Assigned)

	full := quota.NewAllocations(quota.Allocation{TaskID: 50, Amount: 2})
	res, out := f.match(t, w, full)
	assert.Nil(t, res.Assigned)
	var reset bool
	for _, ev := range out.Events() {
		reset = reset || (ev.Kind == events.KindResetTask && ev.TaskID == id)
	}
	assert.True(t, reset)
}

// Concurrent callers never receive the same task.
func TestMatcher_ConcurrentAssignmentIsExclusive(t *testing.T) {
	f := newMatchFixture(t, Config{})
	const tasks, cores = 20, 40
	for i := 0; i < tasks; i++ {
		f.enqueue(t, f.ecID, types.ExecStateNone, external("fit"))
	}

	var (
		mu       sync.Mutex
		assigned = map[int64]int64{}
		wg       sync.WaitGroup
	)
	for c := int64(1); c <= cores; c++ {
		wg.Add(1)
		go func(core int64) {
			defer wg.Done()
			res, err := f.m.FindUnassignedTaskAndAssign(f.ctx, &events.Outbox{}, Request{Worker: linux(core), LiveTaskIDs: nil})
			if err != nil || res.Assigned == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := assigned[res.Assigned.Task.ID]; dup {
				t.Errorf("task #%d assigned to cores %d and %d", res.Assigned.Task.ID, prev, core)
			}
			assigned[res.Assigned.Task.ID] = core
		}(c)
	}
	wg.Wait()

	for id, core := range assigned {
		task, err := f.st.LoadTask(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core, task.CoreID)
	}
	assert.NotEmpty(t, assigned)
}
