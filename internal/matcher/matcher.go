// Package matcher picks the next queued task a worker core can run and
// assigns it exactly once.
package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/fsm"
	"yqhp/dispatcher/internal/params"
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/internal/quota"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/internal/worker"
	"yqhp/dispatcher/pkg/types"
)

// Request is one matching call of a worker core.
type Request struct {
	Worker types.WorkerCapabilities
	// Allocations is the quota already used by the core; it is updated on
	// a successful assignment.
	Allocations *quota.Allocations
	LiveTaskIDs []int64
}

// Result of a matching call. Assigned is nil when nothing was assigned.
type Result struct {
	Assigned  *types.AssignedTask
	Recovered bool
	// Banned is set when this call put the core on cool-down.
	Banned     bool
	Rejections []Rejection
}

// Config holds matcher options.
type Config struct {
	AcceptOnlySigned bool
}

// Matcher matches queued tasks against worker capabilities.
type Matcher struct {
	queue  *queue.Service
	store  store.Store
	fsm    *fsm.Machine
	bans   *worker.Bans
	oracle ReadinessOracle
	cfg    Config
	log    *zap.Logger
}

// New creates a matcher.
func New(q *queue.Service, st store.Store, m *fsm.Machine, bans *worker.Bans, oracle ReadinessOracle, cfg Config, log *zap.Logger) *Matcher {
	if oracle == nil {
		oracle = AlwaysReady{}
	}
	return &Matcher{queue: q, store: st, fsm: m, bans: bans, oracle: oracle, cfg: cfg, log: log}
}

// FindUnassignedTaskAndAssign returns at most one task for the worker. Lost
// tasks of the core are recovered first, then locked queue groups are scanned
// in priority order.
func (m *Matcher) FindUnassignedTaskAndAssign(ctx context.Context, out *events.Outbox, req Request) (Result, error) {
	var res Result
	core := req.Worker.CoreID
	if req.Allocations == nil {
		req.Allocations = quota.NewAllocations()
	}
	if m.bans.IsBanned(core) {
		res.Rejections = append(res.Rejections, Rejection{Reason: ReasonWorkerBanned})
		return res, nil
	}

	assigned, err := m.recoverLostTask(ctx, out, req)
	if err != nil {
		return res, err
	}
	if assigned != nil {
		res.Assigned = assigned
		res.Recovered = true
		return res, nil
	}

	var (
		it       *queue.GroupIterator
		removals []queue.TaskRef
		ecs      = make(map[int64]*types.ExecContext)
	)
	defer func() {
		if len(removals) > 0 {
			m.queue.RemoveAll(ctx, removals)
		}
	}()

	for {
		var (
			cand queue.AllocatedTask
			done bool
		)
		m.queue.WithRead(ctx, func(_ context.Context, q *queue.TaskQueue) {
			if it == nil {
				it = q.Iterator()
			}
			if !it.HasNext() {
				done = true
				return
			}
			c, err := it.Next()
			if err != nil {
				if errors.Is(err, queue.ErrConcurrentModification) {
					m.log.Debug("queue changed during scan, stopping", zap.Int64("coreId", core))
				}
				done = true
				return
			}
			cand = c
		})
		if done {
			return res, nil
		}

		a, reason, remove, err := m.tryCandidate(ctx, out, req, cand, ecs)
		if err != nil {
			return res, err
		}
		if remove {
			removals = append(removals, queue.TaskRef{ExecContextID: cand.QueuedTask.ExecContextID, TaskID: cand.QueuedTask.TaskID})
		}
		if a != nil {
			res.Assigned = a
			return res, nil
		}
		if reason != "" {
			res.Rejections = append(res.Rejections, Rejection{TaskID: cand.QueuedTask.TaskID, Reason: reason})
			if reason.bans() {
				m.bans.Ban(core)
				res.Banned = true
				m.log.Info("worker core banned",
					zap.Int64("coreId", core),
					zap.Int64("taskId", cand.QueuedTask.TaskID),
					zap.String("reason", string(reason)))
				return res, nil
			}
		}
	}
}

// tryCandidate runs the filter chain for one candidate and assigns it when
// every filter passes. remove asks the caller to drop the candidate from the
// queue.
func (m *Matcher) tryCandidate(ctx context.Context, out *events.Outbox, req Request, cand queue.AllocatedTask,
	ecs map[int64]*types.ExecContext) (a *types.AssignedTask, reason Reason, remove bool, err error) {
	qt := cand.QueuedTask
	w := req.Worker

	if qt.IsInternal() {
		return nil, ReasonInternalTask, false, nil
	}

	ec, ok := ecs[qt.ExecContextID]
	if !ok {
		ec, err = m.store.LoadExecContext(ctx, qt.ExecContextID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ReasonExecContextNotFound, true, nil
		}
		if err != nil {
			return nil, "", false, err
		}
		ecs[qt.ExecContextID] = ec
	}
	switch ec.State {
	case types.ExecContextStateStopped, types.ExecContextStateFinished:
		return nil, ReasonExecContextFinished, true, nil
	case types.ExecContextStateStarted:
	default:
		return nil, ReasonExecContextNotStarted, false, nil
	}

	tp := qt.Params
	if tp == nil {
		return nil, ReasonParamsNil, false, nil
	}

	task, err := m.store.LoadTask(ctx, qt.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ReasonTaskNotFound, true, nil
	}
	if err != nil {
		return nil, "", false, err
	}
	switch {
	case task.ExecState.IsFinished():
		return nil, ReasonTaskFinished, true, nil
	case task.ExecState == types.ExecStateInProgress:
		return nil, ReasonTaskInProgress, true, nil
	case task.ExecState == types.ExecStateCheckCache:
		out.Add(events.RegisterTaskForCheckCaching(task.ExecContextID, task.ID))
		return nil, ReasonCheckCache, true, nil
	}

	checks := []func() (Reason, bool){
		func() (Reason, bool) { return checkGit(tp, w) },
		func() (Reason, bool) { return checkTag(tp, w) },
		func() (Reason, bool) { return checkEnv(tp, w) },
		func() (Reason, bool) { return checkOS(tp, w) },
		func() (Reason, bool) { return checkSigned(tp, m.cfg.AcceptOnlySigned) },
		func() (Reason, bool) { return checkReady(tp, w, m.oracle) },
	}
	for _, check := range checks {
		if r, ok := check(); !ok {
			return nil, r, false, nil
		}
	}
	amount, r, ok := checkQuota(tp, w, req.Allocations)
	if !ok {
		return nil, r, false, nil
	}
	if r, ok := checkDowngrade(tp, w); !ok {
		return nil, r, false, nil
	}

	a, reason, err = m.assign(ctx, out, req, qt, amount)
	return a, reason, false, err
}

// assign binds the task to the core under the task lock. The queue slot is
// claimed first so concurrent callers see exactly one winner.
func (m *Matcher) assign(ctx context.Context, out *events.Outbox, req Request, qt queue.QueuedTask, amount int) (*types.AssignedTask, Reason, error) {
	var (
		result *types.AssignedTask
		reason Reason
	)
	core := req.Worker.CoreID
	err := m.fsm.TaskLocks().WithLock(ctx, qt.TaskID, func(ctx context.Context) error {
		task, err := m.store.LoadTask(ctx, qt.TaskID)
		if err != nil {
			return err
		}
		if task.ExecState != types.ExecStateNone {
			reason = ReasonNotInNoneState
			return nil
		}
		if !m.queue.AssignTask(ctx, qt.ExecContextID, qt.TaskID) {
			reason = ReasonAssignedConcurrently
			return nil
		}

		data, err := params.Encode(task.Params, workerVersion(req.Worker))
		if err != nil {
			m.queue.SetTaskExecState(ctx, qt.ExecContextID, qt.TaskID, types.ExecStateNone)
			return fmt.Errorf("encode params of task #%d: %w", task.ID, err)
		}

		now := types.NowMillis()
		task.CoreID = core
		task.AssignedOn = now
		task.AccessByWorkerOn = now
		task.Completed = false
		task.ResultReceived = false
		saved, err := m.fsm.UpdateTaskExecState(ctx, out, task, types.ExecStateInProgress)
		if err != nil {
			m.queue.SetTaskExecState(ctx, qt.ExecContextID, qt.TaskID, types.ExecStateNone)
			return err
		}

		out.Add(
			events.UnassignTask(saved.ExecContextID, saved.ID, core),
			events.StartTaskProcessing(saved.ExecContextID, saved.ID, core),
			events.TaskAssigned(saved.ExecContextID, saved.ID, core),
		)
		req.Allocations.Add(quota.Allocation{TaskID: saved.ID, Tag: saved.Params.Tag, Amount: amount})
		result = &types.AssignedTask{Task: saved, Tag: saved.Params.Tag, Quota: amount, Params: data}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if result != nil {
		m.log.Info("task assigned",
			zap.Int64("taskId", result.Task.ID),
			zap.Int64("execContextId", result.Task.ExecContextID),
			zap.Int64("coreId", core),
			zap.Int("quota", amount))
	}
	return result, reason, nil
}

// recoverLostTask re-sends an IN_PROGRESS task of the core that the core no
// longer reports as live. The amount already recorded for the task is
// re-applied, falling back to its tag amount; when it no longer fits the task
// is reset instead.
func (m *Matcher) recoverLostTask(ctx context.Context, out *events.Outbox, req Request) (*types.AssignedTask, error) {
	core := req.Worker.CoreID
	tasks, err := m.store.FindTasksByCoreAndState(ctx, core, types.ExecStateInProgress)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if slice.Contain(req.LiveTaskIDs, t.ID) || t.Params == nil {
			continue
		}
		amount := quota.Amount(req.Worker.Quotas, t.Params.Tag)
		used := req.Allocations.Sum()
		if own, ok := req.Allocations.Get(t.ID); ok {
			amount = own.Amount
			used -= own.Amount
		}
		if !quota.IsEnough(req.Worker.Quotas, used, amount) {
			m.log.Info("lost task doesn't fit the quota, resetting",
				zap.Int64("taskId", t.ID), zap.Int64("coreId", core))
			out.Add(events.ResetTask(t.ExecContextID, t.ID))
			continue
		}

		var result *types.AssignedTask
		err := m.fsm.TaskLocks().WithLock(ctx, t.ID, func(ctx context.Context) error {
			task, err := m.store.LoadTask(ctx, t.ID)
			if err != nil {
				return err
			}
			if task.ExecState != types.ExecStateInProgress || task.CoreID != core {
				return nil
			}
			data, err := params.Encode(task.Params, workerVersion(req.Worker))
			if err != nil {
				out.Add(events.ResetTask(task.ExecContextID, task.ID))
				return nil
			}
			now := types.NowMillis()
			task.AssignedOn = now
			task.AccessByWorkerOn = now
			saved, err := m.store.SaveTask(ctx, task)
			if err != nil {
				return err
			}
			out.Add(events.UnassignTask(saved.ExecContextID, saved.ID, core))
			req.Allocations.Add(quota.Allocation{TaskID: saved.ID, Tag: saved.Params.Tag, Amount: amount})
			result = &types.AssignedTask{Task: saved, Tag: saved.Params.Tag, Quota: amount, Params: data}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if result != nil {
			m.log.Info("lost task re-sent to core", zap.Int64("taskId", result.Task.ID), zap.Int64("coreId", core))
			return result, nil
		}
	}
	return nil, nil
}
