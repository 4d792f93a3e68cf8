// Package producer materializes tasks from the process definitions of an
// exec context.
package producer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/graph"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrUnsupportedLogic = errors.New("unsupported sub-process logic")
	ErrProcessNotFound  = errors.New("process not found")
	ErrAlreadyProduced  = errors.New("exec context was already produced")
)

// Producer creates tasks.
type Producer struct {
	store         store.Store
	graph         *graph.Service
	catalog       FunctionCatalog
	internal      *InternalFunctions
	maxTries      int
	paramsVersion int
	log           *zap.Logger
}

// New creates a producer. maxTries caps the retry budget of every task.
func New(st store.Store, g *graph.Service, catalog FunctionCatalog, internal *InternalFunctions,
	maxTries, paramsVersion int, log *zap.Logger) *Producer {
	return &Producer{
		store:         st,
		graph:         g,
		catalog:       catalog,
		internal:      internal,
		maxTries:      maxTries,
		paramsVersion: paramsVersion,
		log:           log,
	}
}

// Request describes one task to produce.
type Request struct {
	ExecContextID int64
	Process       types.Process
	TaskContextID string
	// Inline overrides the exec context inline values for this task.
	Inline        map[string]map[string]string
	ParentTaskIDs []int64
}

// ProduceTask creates the task, links it under its parents and queues
// variable initialization. The task starts in INIT when every parent is
// finished, PRE_INIT otherwise.
func (p *Producer) ProduceTask(ctx context.Context, out *events.Outbox, req Request) (*types.Task, error) {
	ec, err := p.store.LoadExecContext(ctx, req.ExecContextID)
	if err != nil {
		return nil, err
	}
	tp, err := p.buildParams(ec, req)
	if err != nil {
		return nil, err
	}

	state := types.ExecStateInit
	for _, id := range req.ParentTaskIDs {
		parent, err := p.store.LoadTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("parent task #%d: %w", id, err)
		}
		if !parent.ExecState.IsFinished() {
			state = types.ExecStatePreInit
		}
	}

	for i, o := range req.Process.Outputs {
		v, err := p.store.SaveVariable(ctx, &types.Variable{
			ExecContextID: req.ExecContextID,
			TaskContextID: req.TaskContextID,
			Name:          o.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("create output variable %q: %w", o.Name, err)
		}
		tp.Outputs[i].ID = v.ID
	}

	task, err := p.store.SaveTask(ctx, &types.Task{
		ExecContextID: req.ExecContextID,
		Params:        tp,
		ExecState:     state,
	})
	if err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}
	if err := p.graph.AddTask(ctx, req.ExecContextID, task.ID, state, req.ParentTaskIDs); err != nil {
		return nil, err
	}
	out.Add(events.InitVariables(task.ExecContextID, task.ID))

	p.log.Debug("task produced",
		zap.Int64("execContextId", task.ExecContextID),
		zap.Int64("taskId", task.ID),
		zap.String("process", tp.ProcessCode),
		zap.String("taskContextId", tp.TaskContextID),
		zap.Stringer("state", state))
	return task, nil
}

func (p *Producer) buildParams(ec *types.ExecContext, req Request) (*types.TaskParams, error) {
	proc := req.Process
	if proc.Logic != "" && proc.Logic != types.SubProcessLogicSequential && proc.Logic != types.SubProcessLogicAnd {
		return nil, fmt.Errorf("%w: %q in process %s", ErrUnsupportedLogic, proc.Logic, proc.ProcessCode)
	}

	fn, err := p.resolve(proc.Function)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", proc.ProcessCode, err)
	}
	tp := &types.TaskParams{
		Version:       p.paramsVersion,
		ProcessCode:   proc.ProcessCode,
		TaskContextID: req.TaskContextID,
		Context:       fn.Context,
		Function:      fn,
		Tag:           proc.Tag,
		Priority:      proc.Priority,
		Timeout:       proc.Timeout,
	}
	if len(proc.Metas) > 0 {
		if tp.Function.Metas == nil {
			tp.Function.Metas = make(map[string]string, len(proc.Metas))
		}
		for k, v := range proc.Metas {
			tp.Function.Metas[k] = v
		}
	}
	for _, def := range proc.PreFunctions {
		f, err := p.resolve(def)
		if err != nil {
			return nil, fmt.Errorf("process %s pre-function: %w", proc.ProcessCode, err)
		}
		tp.PreFunctions = append(tp.PreFunctions, f)
	}
	for _, def := range proc.PostFunctions {
		f, err := p.resolve(def)
		if err != nil {
			return nil, fmt.Errorf("process %s post-function: %w", proc.ProcessCode, err)
		}
		tp.PostFunctions = append(tp.PostFunctions, f)
	}

	tp.TriesAfterError = proc.TriesAfterError
	if tp.TriesAfterError > p.maxTries {
		tp.TriesAfterError = p.maxTries
	}
	if tp.TriesAfterError < 0 {
		tp.TriesAfterError = 0
	}

	if proc.Cache != nil {
		c := *proc.Cache
		c.Omit = append([]string(nil), proc.Cache.Omit...)
		tp.Cache = &c
	}
	tp.Inline = mergeInline(ec.Params.Inline, req.Inline)

	for _, in := range proc.Inputs {
		ctx := in.Context
		if ctx == "" {
			ctx = types.VariableContextLocal
		}
		tp.Inputs = append(tp.Inputs, types.InputVariable{Name: in.Name, Context: ctx})
	}
	for _, o := range proc.Outputs {
		tp.Outputs = append(tp.Outputs, types.OutputVariable{Name: o.Name})
	}
	return tp, nil
}

// resolve turns a function reference into its full configuration. Internal
// functions must be declared with the internal context.
func (p *Producer) resolve(def types.FunctionDef) (types.FunctionConfig, error) {
	if def.Context == types.FunctionExecContextInternal {
		if !p.internal.Is(def.Code) {
			return types.FunctionConfig{}, fmt.Errorf("%w: internal %s", ErrFunctionNotFound, def.Code)
		}
		return types.FunctionConfig{Code: def.Code, Params: def.Params, Context: types.FunctionExecContextInternal}, nil
	}
	fn, ok := p.catalog.Function(def.Code)
	if !ok {
		return types.FunctionConfig{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, def.Code)
	}
	if def.Params != "" {
		fn.Params = def.Params
	}
	fn.Context = types.FunctionExecContextExternal
	return fn, nil
}

func mergeInline(base, override map[string]map[string]string) map[string]map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]map[string]string, len(base))
	for _, src := range []map[string]map[string]string{base, override} {
		for group, values := range src {
			m, ok := out[group]
			if !ok {
				m = make(map[string]string, len(values))
				out[group] = m
			}
			for k, v := range values {
				m[k] = v
			}
		}
	}
	return out
}
