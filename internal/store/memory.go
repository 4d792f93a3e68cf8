package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"yqhp/dispatcher/pkg/types"
)

// Memory is an in-process Store. Every read and write copies, so callers
// never alias stored entities.
type Memory struct {
	mu           sync.RWMutex
	seq          int64
	tasks        map[int64]*types.Task
	execContexts map[int64]*types.ExecContext
	variables    map[int64]*types.Variable
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		tasks:        make(map[int64]*types.Task),
		execContexts: make(map[int64]*types.ExecContext),
		variables:    make(map[int64]*types.Variable),
	}
}

func (m *Memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) LoadTask(_ context.Context, id int64) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task #%d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) SaveTask(_ context.Context, t *types.Task) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := t.Clone()
	if c.ID == 0 {
		c.ID = m.nextID()
		c.Version = 0
	} else {
		cur, ok := m.tasks[c.ID]
		if !ok {
			return nil, fmt.Errorf("task #%d: %w", c.ID, ErrNotFound)
		}
		if cur.Version != c.Version {
			return nil, fmt.Errorf("task #%d version %d, stored %d: %w", c.ID, c.Version, cur.Version, ErrVersionConflict)
		}
		c.Version++
	}
	m.tasks[c.ID] = c
	return c.Clone(), nil
}

func (m *Memory) findTasks(pred func(*types.Task) bool) []*types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if pred(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) FindTasksByExecContext(_ context.Context, execContextID int64) ([]*types.Task, error) {
	return m.findTasks(func(t *types.Task) bool { return t.ExecContextID == execContextID }), nil
}

func (m *Memory) FindTasksByCoreAndState(_ context.Context, coreID int64, state types.ExecState) ([]*types.Task, error) {
	return m.findTasks(func(t *types.Task) bool { return t.CoreID == coreID && t.ExecState == state }), nil
}

func (m *Memory) FindTasksByState(_ context.Context, state types.ExecState) ([]*types.Task, error) {
	return m.findTasks(func(t *types.Task) bool { return t.ExecState == state }), nil
}

func (m *Memory) LoadExecContext(_ context.Context, id int64) (*types.ExecContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.execContexts[id]
	if !ok {
		return nil, fmt.Errorf("execContext #%d: %w", id, ErrNotFound)
	}
	return ec.Clone(), nil
}

func (m *Memory) SaveExecContext(_ context.Context, ec *types.ExecContext) (*types.ExecContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := ec.Clone()
	if c.ID == 0 {
		c.ID = m.nextID()
		c.Version = 0
	} else if cur, ok := m.execContexts[c.ID]; ok {
		if cur.Version != c.Version {
			return nil, fmt.Errorf("execContext #%d: %w", c.ID, ErrVersionConflict)
		}
		c.Version++
	}
	m.execContexts[c.ID] = c
	return c.Clone(), nil
}

func (m *Memory) LoadVariable(_ context.Context, id int64) (*types.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.variables[id]
	if !ok {
		return nil, fmt.Errorf("variable #%d: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (m *Memory) SaveVariable(_ context.Context, v *types.Variable) (*types.Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := v.Clone()
	if c.ID == 0 {
		c.ID = m.nextID()
	} else if _, ok := m.variables[c.ID]; !ok {
		return nil, fmt.Errorf("variable #%d: %w", c.ID, ErrNotFound)
	}
	m.variables[c.ID] = c
	return c.Clone(), nil
}

func (m *Memory) FindVariable(_ context.Context, execContextID int64, name, taskContextID string) (*types.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.variables {
		if v.ExecContextID == execContextID && v.Name == name && v.TaskContextID == taskContextID {
			return v.Clone(), nil
		}
	}
	return nil, fmt.Errorf("variable %q in context %s: %w", name, taskContextID, ErrNotFound)
}

func (m *Memory) FindVariablesByExecContext(_ context.Context, execContextID int64) ([]*types.Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Variable
	for _, v := range m.variables {
		if v.ExecContextID == execContextID {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
