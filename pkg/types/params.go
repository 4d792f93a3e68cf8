package types

// TaskParams is the strongly-typed parameter set of a task. It is built once
// when the task is materialized and serialized only at the storage boundary.
type TaskParams struct {
	// Version is the parameter format version the params were produced with.
	Version int `yaml:"version" json:"version"`

	ProcessCode   string              `yaml:"processCode" json:"processCode"`
	TaskContextID string              `yaml:"taskContextId" json:"taskContextId"`
	Context       FunctionExecContext `yaml:"context" json:"context"`

	Function      FunctionConfig   `yaml:"function" json:"function"`
	PreFunctions  []FunctionConfig `yaml:"preFunctions,omitempty" json:"preFunctions,omitempty"`
	PostFunctions []FunctionConfig `yaml:"postFunctions,omitempty" json:"postFunctions,omitempty"`

	Inputs  []InputVariable  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []OutputVariable `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Inline holds inline variable groups, e.g. hyper-parameters.
	Inline map[string]map[string]string `yaml:"inline,omitempty" json:"inline,omitempty"`

	Cache           *CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
	Tag             string       `yaml:"tag,omitempty" json:"tag,omitempty"`
	Priority        int          `yaml:"priority,omitempty" json:"priority,omitempty"`
	TriesAfterError int          `yaml:"triesAfterError,omitempty" json:"triesAfterError,omitempty"`
	Timeout         int64        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	FromCache       bool         `yaml:"fromCache,omitempty" json:"fromCache,omitempty"`
}

// CacheEnabled reports whether the task may be satisfied from the result cache.
func (p *TaskParams) CacheEnabled() bool {
	return p.Cache != nil && p.Cache.Enabled
}

// AllFunctions returns the pre, main and post functions in execution order.
func (p *TaskParams) AllFunctions() []FunctionConfig {
	all := make([]FunctionConfig, 0, len(p.PreFunctions)+1+len(p.PostFunctions))
	all = append(all, p.PreFunctions...)
	all = append(all, p.Function)
	all = append(all, p.PostFunctions...)
	return all
}

// Clone returns a deep copy.
func (p *TaskParams) Clone() *TaskParams {
	if p == nil {
		return nil
	}
	c := *p
	c.Function = p.Function.Clone()
	c.PreFunctions = cloneFunctions(p.PreFunctions)
	c.PostFunctions = cloneFunctions(p.PostFunctions)
	if p.Inputs != nil {
		c.Inputs = append([]InputVariable(nil), p.Inputs...)
	}
	if p.Outputs != nil {
		c.Outputs = append([]OutputVariable(nil), p.Outputs...)
	}
	if p.Inline != nil {
		c.Inline = make(map[string]map[string]string, len(p.Inline))
		for group, values := range p.Inline {
			m := make(map[string]string, len(values))
			for k, v := range values {
				m[k] = v
			}
			c.Inline[group] = m
		}
	}
	if p.Cache != nil {
		cc := *p.Cache
		cc.Omit = append([]string(nil), p.Cache.Omit...)
		c.Cache = &cc
	}
	return &c
}

func cloneFunctions(fs []FunctionConfig) []FunctionConfig {
	if fs == nil {
		return nil
	}
	out := make([]FunctionConfig, len(fs))
	for i := range fs {
		out[i] = fs[i].Clone()
	}
	return out
}

// FunctionConfig describes a function a task executes.
type FunctionConfig struct {
	Code    string              `yaml:"code" json:"code"`
	Type    string              `yaml:"type,omitempty" json:"type,omitempty"`
	Params  string              `yaml:"params,omitempty" json:"params,omitempty"`
	Env     string              `yaml:"env,omitempty" json:"env,omitempty"`
	Git     *GitInfo            `yaml:"git,omitempty" json:"git,omitempty"`
	Metas   map[string]string   `yaml:"metas,omitempty" json:"metas,omitempty"`
	Context FunctionExecContext `yaml:"context" json:"context"`

	// Checksums maps a checksum kind to its value; Signed marks signed entries.
	Checksums []Checksum `yaml:"checksums,omitempty" json:"checksums,omitempty"`
}

// Clone returns a deep copy.
func (f FunctionConfig) Clone() FunctionConfig {
	c := f
	if f.Git != nil {
		g := *f.Git
		c.Git = &g
	}
	if f.Metas != nil {
		c.Metas = make(map[string]string, len(f.Metas))
		for k, v := range f.Metas {
			c.Metas[k] = v
		}
	}
	if f.Checksums != nil {
		c.Checksums = append([]Checksum(nil), f.Checksums...)
	}
	return c
}

// IsSigned reports whether at least one checksum entry is signed.
func (f FunctionConfig) IsSigned() bool {
	for _, c := range f.Checksums {
		if c.Signed {
			return true
		}
	}
	return false
}

// Meta keys understood by the dispatcher.
const (
	// MetaSupportedOS is a comma separated list of OS a function runs on.
	MetaSupportedOS = "mh.function-supported-os"
	// MetaParamsAsFile excludes function params from the cache key.
	MetaParamsAsFile = "mh.function-params-as-file"
)

// Checksum is a single checksum record of a function artifact.
type Checksum struct {
	Kind   string `yaml:"kind" json:"kind"`
	Value  string `yaml:"value" json:"value"`
	Signed bool   `yaml:"signed,omitempty" json:"signed,omitempty"`
}

// GitInfo points to the source repository of a function.
type GitInfo struct {
	Repo   string `yaml:"repo" json:"repo"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Commit string `yaml:"commit,omitempty" json:"commit,omitempty"`
}

// VariableContext tells where an input variable lives.
type VariableContext string

const (
	VariableContextLocal  VariableContext = "local"
	VariableContextGlobal VariableContext = "global"
)

// InputVariable is a resolved or to-be-resolved task input.
type InputVariable struct {
	ID      int64           `yaml:"id" json:"id"`
	Name    string          `yaml:"name" json:"name"`
	Context VariableContext `yaml:"context" json:"context"`
}

// OutputVariable is a task output slot.
type OutputVariable struct {
	ID       int64  `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Uploaded bool   `yaml:"uploaded,omitempty" json:"uploaded,omitempty"`
}

// CacheConfig declares cache behaviour of a process.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Omit lists parameters excluded from the cache key: "params" for the
	// function params, "<group>.<key>" or "<group>" for inline values.
	Omit []string `yaml:"omit,omitempty" json:"omit,omitempty"`
	// CacheMeta adds the function metas to the cache key.
	CacheMeta bool `yaml:"cacheMeta,omitempty" json:"cacheMeta,omitempty"`
}
