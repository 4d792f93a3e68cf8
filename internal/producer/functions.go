package producer

import (
	"sync"

	"yqhp/dispatcher/pkg/types"
)

// Internal function codes.
const (
	FinishFunction = "mh.finish"
	NopFunction    = "mh.nop"
)

// InternalFunctions is the set of function codes executed inside the dispatcher.
type InternalFunctions struct {
	codes map[string]struct{}
}

// NewInternalFunctions creates a registry with the built-in codes plus extra.
func NewInternalFunctions(extra ...string) *InternalFunctions {
	f := &InternalFunctions{codes: map[string]struct{}{
		FinishFunction: {},
		NopFunction:    {},
	}}
	for _, c := range extra {
		f.codes[c] = struct{}{}
	}
	return f
}

// Is reports whether code is an internal function.
func (f *InternalFunctions) Is(code string) bool {
	_, ok := f.codes[code]
	return ok
}

// FunctionCatalog resolves external functions by code.
type FunctionCatalog interface {
	Function(code string) (types.FunctionConfig, bool)
}

// Catalog is an in-memory FunctionCatalog.
type Catalog struct {
	mu        sync.RWMutex
	functions map[string]types.FunctionConfig
}

// NewCatalog creates a catalog holding fns.
func NewCatalog(fns ...types.FunctionConfig) *Catalog {
	c := &Catalog{functions: make(map[string]types.FunctionConfig, len(fns))}
	for _, fn := range fns {
		c.functions[fn.Code] = fn.Clone()
	}
	return c
}

// Add registers or replaces a function.
func (c *Catalog) Add(fn types.FunctionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions[fn.Code] = fn.Clone()
}

func (c *Catalog) Function(code string) (types.FunctionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.functions[code]
	if !ok {
		return types.FunctionConfig{}, false
	}
	return fn.Clone(), true
}
