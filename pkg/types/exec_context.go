package types

import "yqhp/dispatcher/pkg/graph"

// ExecContext is a DAG run instance grouping related tasks.
type ExecContext struct {
	ID     int64
	State  ExecContextState
	Params *ExecContextParams

	// Graph holds the task DAG of this run.
	Graph *graph.DAG

	// TaskStates is the task-state aggregate mirrored from task transitions.
	TaskStates map[int64]ExecState

	CreatedOn   int64
	CompletedOn int64
	Version     int
}

// Clone returns a deep copy.
func (e *ExecContext) Clone() *ExecContext {
	if e == nil {
		return nil
	}
	c := *e
	c.Params = e.Params.Clone()
	c.Graph = e.Graph.Clone()
	if e.TaskStates != nil {
		c.TaskStates = make(map[int64]ExecState, len(e.TaskStates))
		for k, v := range e.TaskStates {
			c.TaskStates[k] = v
		}
	}
	return &c
}

// ExecContextParams is the parameter set of an exec context.
type ExecContextParams struct {
	Processes []Process `yaml:"processes" json:"processes"`

	// Inline variable groups shared by all tasks, overridable per task.
	Inline map[string]map[string]string `yaml:"inline,omitempty" json:"inline,omitempty"`

	// Variables are the initial global inputs of the run, keyed by name.
	Variables map[string]int64 `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// FindProcess returns the process with the given code or nil.
func (p *ExecContextParams) FindProcess(code string) *Process {
	if p == nil {
		return nil
	}
	for i := range p.Processes {
		if p.Processes[i].ProcessCode == code {
			return &p.Processes[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p *ExecContextParams) Clone() *ExecContextParams {
	if p == nil {
		return nil
	}
	c := ExecContextParams{}
	for _, proc := range p.Processes {
		c.Processes = append(c.Processes, proc.Clone())
	}
	if p.Inline != nil {
		c.Inline = make(map[string]map[string]string, len(p.Inline))
		for g, values := range p.Inline {
			m := make(map[string]string, len(values))
			for k, v := range values {
				m[k] = v
			}
			c.Inline[g] = m
		}
	}
	if p.Variables != nil {
		c.Variables = make(map[string]int64, len(p.Variables))
		for k, v := range p.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// Process is one step definition of an exec context.
type Process struct {
	ProcessCode       string        `yaml:"code" json:"code"`
	Function          FunctionDef   `yaml:"function" json:"function"`
	PreFunctions      []FunctionDef `yaml:"preFunctions,omitempty" json:"preFunctions,omitempty"`
	PostFunctions     []FunctionDef `yaml:"postFunctions,omitempty" json:"postFunctions,omitempty"`
	InternalContextID string        `yaml:"internalContextId,omitempty" json:"internalContextId,omitempty"`

	Inputs  []VariableDecl `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []VariableDecl `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	Metas           map[string]string `yaml:"metas,omitempty" json:"metas,omitempty"`
	Cache           *CacheConfig      `yaml:"cache,omitempty" json:"cache,omitempty"`
	Priority        int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	Tag             string            `yaml:"tag,omitempty" json:"tag,omitempty"`
	TriesAfterError int               `yaml:"triesAfterError,omitempty" json:"triesAfterError,omitempty"`
	Timeout         int64             `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Parents lists process codes this process depends on. Empty means the
	// previously declared process.
	Parents []string `yaml:"parents,omitempty" json:"parents,omitempty"`

	Logic        SubProcessLogic `yaml:"logic,omitempty" json:"logic,omitempty"`
	SubProcesses []string        `yaml:"subProcesses,omitempty" json:"subProcesses,omitempty"`
}

// Clone returns a deep copy.
func (p Process) Clone() Process {
	c := p
	c.PreFunctions = append([]FunctionDef(nil), p.PreFunctions...)
	c.PostFunctions = append([]FunctionDef(nil), p.PostFunctions...)
	c.Inputs = append([]VariableDecl(nil), p.Inputs...)
	c.Outputs = append([]VariableDecl(nil), p.Outputs...)
	c.Parents = append([]string(nil), p.Parents...)
	c.SubProcesses = append([]string(nil), p.SubProcesses...)
	if p.Metas != nil {
		c.Metas = make(map[string]string, len(p.Metas))
		for k, v := range p.Metas {
			c.Metas[k] = v
		}
	}
	if p.Cache != nil {
		cc := *p.Cache
		cc.Omit = append([]string(nil), p.Cache.Omit...)
		c.Cache = &cc
	}
	return c
}

// FunctionDef references a function by code.
type FunctionDef struct {
	Code    string              `yaml:"code" json:"code"`
	Params  string              `yaml:"params,omitempty" json:"params,omitempty"`
	Context FunctionExecContext `yaml:"context,omitempty" json:"context,omitempty"`
}

// VariableDecl declares a named variable of a process.
type VariableDecl struct {
	Name    string          `yaml:"name" json:"name"`
	Context VariableContext `yaml:"context,omitempty" json:"context,omitempty"`
}
