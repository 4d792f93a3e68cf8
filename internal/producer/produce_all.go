package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/pkg/types"
)

// RootTaskContextID is the task context of top level processes.
const RootTaskContextID = "1"

type production struct {
	ec      *types.ExecContext
	out     *events.Outbox
	tasks   []*types.Task
	parents map[int64]bool
}

// ProduceAll creates the tasks of every process of an exec context in
// declaration order and starts it. A process without declared parents
// depends on the previous one. mh.finish is appended after every leaf when
// the last process isn't it. On failure the exec context moves to ERROR.
func (p *Producer) ProduceAll(ctx context.Context, out *events.Outbox, execContextID int64) ([]*types.Task, error) {
	ec, err := p.store.LoadExecContext(ctx, execContextID)
	if err != nil {
		return nil, err
	}
	switch ec.State {
	case "", types.ExecContextStateUnknown, types.ExecContextStateProducing:
	default:
		return nil, fmt.Errorf("exec context #%d in state %s: %w", execContextID, ec.State, ErrAlreadyProduced)
	}
	if err := p.graph.SetExecContextState(ctx, execContextID, types.ExecContextStateProducing); err != nil {
		return nil, err
	}

	prod := &production{ec: ec, out: out, parents: make(map[int64]bool)}
	if err := p.produceAll(ctx, prod); err != nil {
		p.log.Error("exec context production failed", zap.Int64("execContextId", execContextID), zap.Error(err))
		if serr := p.graph.SetExecContextState(ctx, execContextID, types.ExecContextStateError); serr != nil {
			p.log.Error("failed to mark exec context as broken", zap.Int64("execContextId", execContextID), zap.Error(serr))
		}
		return nil, err
	}
	if err := p.graph.SetExecContextState(ctx, execContextID, types.ExecContextStateStarted); err != nil {
		return nil, err
	}
	p.log.Info("exec context produced",
		zap.Int64("execContextId", execContextID),
		zap.Int("tasks", len(prod.tasks)))
	return prod.tasks, nil
}

func (p *Producer) produceAll(ctx context.Context, prod *production) error {
	nested := make(map[string]bool)
	for _, proc := range prod.ec.Params.Processes {
		for _, code := range proc.SubProcesses {
			nested[code] = true
		}
	}
	var top []types.Process
	for _, proc := range prod.ec.Params.Processes {
		if !nested[proc.ProcessCode] {
			top = append(top, proc)
		}
	}

	leaves := make(map[string][]int64)
	var prev []int64
	for _, proc := range top {
		parents := prev
		if len(proc.Parents) > 0 {
			parents = nil
			for _, code := range proc.Parents {
				ids, ok := leaves[code]
				if !ok {
					return fmt.Errorf("%w: parent %s of %s", ErrProcessNotFound, code, proc.ProcessCode)
				}
				parents = append(parents, ids...)
			}
		}
		ids, err := p.produceProcess(ctx, prod, proc, RootTaskContextID, parents)
		if err != nil {
			return err
		}
		leaves[proc.ProcessCode] = ids
		prev = ids
	}

	if len(top) == 0 || top[len(top)-1].Function.Code != FinishFunction {
		var open []int64
		for _, t := range prod.tasks {
			if !prod.parents[t.ID] {
				open = append(open, t.ID)
			}
		}
		finish := types.Process{
			ProcessCode: FinishFunction,
			Function:    types.FunctionDef{Code: FinishFunction, Context: types.FunctionExecContextInternal},
		}
		if _, err := p.produceProcess(ctx, prod, finish, RootTaskContextID, open); err != nil {
			return err
		}
	}
	return nil
}

// produceProcess creates the task of proc and of its sub-processes, returning
// the ids later processes should depend on.
func (p *Producer) produceProcess(ctx context.Context, prod *production, proc types.Process, taskContextID string, parents []int64) ([]int64, error) {
	task, err := p.ProduceTask(ctx, prod.out, Request{
		ExecContextID: prod.ec.ID,
		Process:       proc,
		TaskContextID: taskContextID,
		ParentTaskIDs: parents,
	})
	if err != nil {
		return nil, err
	}
	prod.tasks = append(prod.tasks, task)
	for _, id := range parents {
		prod.parents[id] = true
	}
	if len(proc.SubProcesses) == 0 {
		return []int64{task.ID}, nil
	}

	subs := make([]types.Process, 0, len(proc.SubProcesses))
	for _, code := range proc.SubProcesses {
		sp := prod.ec.Params.FindProcess(code)
		if sp == nil {
			return nil, fmt.Errorf("%w: sub-process %s of %s", ErrProcessNotFound, code, proc.ProcessCode)
		}
		subs = append(subs, sp.Clone())
	}

	switch proc.Logic {
	case "", types.SubProcessLogicSequential:
		last := []int64{task.ID}
		for i, sp := range subs {
			last, err = p.produceProcess(ctx, prod, sp, subContextID(taskContextID, i), last)
			if err != nil {
				return nil, err
			}
		}
		return last, nil
	case types.SubProcessLogicAnd:
		var all []int64
		for i, sp := range subs {
			ids, err := p.produceProcess(ctx, prod, sp, subContextID(taskContextID, i), []int64{task.ID})
			if err != nil {
				return nil, err
			}
			all = append(all, ids...)
		}
		return all, nil
	default:
		return nil, fmt.Errorf("%w: %q in process %s", ErrUnsupportedLogic, proc.Logic, proc.ProcessCode)
	}
}

func subContextID(parent string, i int) string {
	return fmt.Sprintf("%s,%d", parent, i+2)
}
