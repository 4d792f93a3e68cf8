// Package store defines the entity persistence boundary of the dispatcher.
package store

import (
	"context"
	"errors"

	"yqhp/dispatcher/pkg/types"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
)

// TaskStore persists tasks. Save must be called under the task lock when the
// task already has an id; it assigns an id on first save and bumps Version.
type TaskStore interface {
	LoadTask(ctx context.Context, id int64) (*types.Task, error)
	SaveTask(ctx context.Context, t *types.Task) (*types.Task, error)
	FindTasksByExecContext(ctx context.Context, execContextID int64) ([]*types.Task, error)
	FindTasksByCoreAndState(ctx context.Context, coreID int64, state types.ExecState) ([]*types.Task, error)
	FindTasksByState(ctx context.Context, state types.ExecState) ([]*types.Task, error)
}

// ExecContextStore persists exec contexts.
type ExecContextStore interface {
	LoadExecContext(ctx context.Context, id int64) (*types.ExecContext, error)
	SaveExecContext(ctx context.Context, ec *types.ExecContext) (*types.ExecContext, error)
}

// VariableStore persists variables.
type VariableStore interface {
	LoadVariable(ctx context.Context, id int64) (*types.Variable, error)
	SaveVariable(ctx context.Context, v *types.Variable) (*types.Variable, error)
	FindVariable(ctx context.Context, execContextID int64, name, taskContextID string) (*types.Variable, error)
	FindVariablesByExecContext(ctx context.Context, execContextID int64) ([]*types.Variable, error)
}

// Store bundles all entity stores.
type Store interface {
	TaskStore
	ExecContextStore
	VariableStore
}
