// Package quota accounts the load budget consumed by tasks on a worker.
package quota

import (
	"sync"

	"yqhp/dispatcher/pkg/types"
)

// Amount returns the quota a task with tag consumes under table.
func Amount(table types.QuotaTable, tag string) int {
	if table.Disabled {
		return 0
	}
	if tag != "" {
		if v, ok := table.Values[tag]; ok {
			return v
		}
	}
	return table.Default
}

// IsEnough reports whether amount fits next to the current usage.
func IsEnough(table types.QuotaTable, current, amount int) bool {
	if table.Disabled {
		return true
	}
	return current+amount <= table.Limit
}

// Allocation is one task's share of a worker's quota.
type Allocation struct {
	TaskID int64
	Tag    string
	Amount int
}

// Allocations accumulates quota usage of a core.
type Allocations struct {
	mu    sync.Mutex
	items map[int64]Allocation
}

// NewAllocations creates an accumulator seeded with existing allocations.
func NewAllocations(seed ...Allocation) *Allocations {
	a := &Allocations{items: make(map[int64]Allocation, len(seed))}
	for _, s := range seed {
		a.items[s.TaskID] = s
	}
	return a
}

// Add records an allocation. Re-adding a task replaces its entry.
func (a *Allocations) Add(al Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[al.TaskID] = al
}

// Remove drops a task's allocation.
func (a *Allocations) Remove(taskID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, taskID)
}

// Contains reports whether the task is accounted.
func (a *Allocations) Contains(taskID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.items[taskID]
	return ok
}

// Sum returns the total allocated amount.
func (a *Allocations) Sum() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, al := range a.items {
		total += al.Amount
	}
	return total
}

// Get returns the task's allocation.
func (a *Allocations) Get(taskID int64) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	al, ok := a.items[taskID]
	return al, ok
}

// Ledger keeps one Allocations per core.
type Ledger struct {
	mu    sync.Mutex
	cores map[int64]*Allocations
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{cores: make(map[int64]*Allocations)}
}

// For returns the allocations of a core, creating them on first use.
func (l *Ledger) For(coreID int64) *Allocations {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.cores[coreID]
	if !ok {
		a = NewAllocations()
		l.cores[coreID] = a
	}
	return a
}

// Release drops a task's allocation on a core.
func (l *Ledger) Release(coreID, taskID int64) {
	l.For(coreID).Remove(taskID)
}

// ReleaseTask drops the task's allocation on every core.
func (l *Ledger) ReleaseTask(taskID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.cores {
		a.Remove(taskID)
	}
}
