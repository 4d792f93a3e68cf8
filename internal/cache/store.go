package cache

import (
	"context"
	"errors"
	"sync"

	"yqhp/dispatcher/pkg/types"
)

// ErrEntryNotFound is returned when a cache process id is unknown.
var ErrEntryNotFound = errors.New("cache: entry not found")

// Entry is a cache process with its stored variables.
type Entry struct {
	Process   types.CacheProcess    `json:"process"`
	Variables []types.CacheVariable `json:"variables"`
}

// Store persists cache entries by simple key.
type Store interface {
	// Find returns nil without error on a miss.
	Find(ctx context.Context, key string) (*Entry, error)
	// Put stores an entry unless one exists for key; created reports which happened.
	Put(ctx context.Context, key, keyValue string, vars []types.CacheVariable) (entry *Entry, created bool, err error)
	// Invalidate removes an entry and its variables.
	Invalidate(ctx context.Context, cacheProcessID int64) error
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	seq   int64
	byKey map[string]*Entry
	byID  map[int64]string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[string]*Entry),
		byID:  make(map[int64]string),
	}
}

func (m *Memory) Find(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

func (m *Memory) Put(_ context.Context, key, keyValue string, vars []types.CacheVariable) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byKey[key]; ok {
		return e.clone(), false, nil
	}
	m.seq++
	e := &Entry{Process: types.CacheProcess{
		ID:        m.seq,
		KeySHA256: key,
		KeyValue:  keyValue,
		CreatedOn: types.NowMillis(),
	}}
	for _, v := range vars {
		m.seq++
		v.ID = m.seq
		v.CacheProcessID = e.Process.ID
		v.CreatedOn = e.Process.CreatedOn
		e.Variables = append(e.Variables, v)
	}
	m.byKey[key] = e
	m.byID[e.Process.ID] = key
	return e.clone(), true, nil
}

func (m *Memory) Invalidate(_ context.Context, cacheProcessID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byID[cacheProcessID]
	if !ok {
		return ErrEntryNotFound
	}
	delete(m.byID, cacheProcessID)
	delete(m.byKey, key)
	return nil
}

// Truncate drops the last stored variable of an entry. It simulates a
// partially written entry.
func (m *Memory) Truncate(cacheProcessID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byKey[m.byID[cacheProcessID]]; ok && len(e.Variables) > 0 {
		e.Variables = e.Variables[:len(e.Variables)-1]
	}
}

func (e *Entry) clone() *Entry {
	c := &Entry{Process: e.Process, Variables: make([]types.CacheVariable, len(e.Variables))}
	for i, v := range e.Variables {
		if v.Data != nil {
			v.Data = append([]byte(nil), v.Data...)
		}
		c.Variables[i] = v
	}
	return c
}
