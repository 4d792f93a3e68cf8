package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/pkg/types"
)

// Status is the outcome of a cache check.
type Status string

const (
	StatusTaskNotFound        Status = "task_not_found"
	StatusNotInCheckCache     Status = "isnt_check_cache_state"
	StatusCopiedFromCache     Status = "copied_from_cache"
	StatusNoPrevCache         Status = "no_prev_cache"
	StatusExecContextNotFound Status = "exec_context_not_found"
)

// InvalidateError reports a broken cache entry. The entry must be removed
// and the task sent back to NONE, see Service.InvalidateAndSetToNone.
type InvalidateError struct {
	ExecContextID  int64
	TaskID         int64
	CacheProcessID int64
	Reason         string
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("cache process #%d is broken (task #%d): %s", e.CacheProcessID, e.TaskID, e.Reason)
}

// StateUpdater applies task state transitions under the task lock.
type StateUpdater interface {
	UpdateTaskExecState(ctx context.Context, out *events.Outbox, task *types.Task, state types.ExecState) (*types.Task, error)
}

// Service checks and fills the result cache.
type Service struct {
	store     store.Store
	entries   Store
	keys      *KeyDeriver
	states    StateUpdater
	taskLocks *locks.KeyedLocker[int64]
	log       *zap.Logger
}

// NewService creates a cache service.
func NewService(st store.Store, entries Store, states StateUpdater, taskLocks *locks.KeyedLocker[int64], log *zap.Logger) *Service {
	return &Service{
		store:     st,
		entries:   entries,
		keys:      NewKeyDeriver(st, log),
		states:    states,
		taskLocks: taskLocks,
		log:       log,
	}
}

// Keys returns the key deriver.
func (s *Service) Keys() *KeyDeriver {
	return s.keys
}

// CheckCaching satisfies a CHECK_CACHE task from a stored entry or moves it
// to NONE on a miss. The caller holds the task lock. A broken entry yields
// *InvalidateError and leaves the task untouched.
func (s *Service) CheckCaching(ctx context.Context, out *events.Outbox, execContextID, taskID int64) (Status, error) {
	s.taskLocks.AssertHeld(ctx, taskID)

	ec, err := s.store.LoadExecContext(ctx, execContextID)
	if err != nil {
		return StatusExecContextNotFound, nil
	}
	task, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return StatusTaskNotFound, nil
	}
	if task.ExecState != types.ExecStateCheckCache {
		return StatusNotInCheckCache, nil
	}

	var entry *Entry
	if key, _, ok := s.keys.SimpleKey(ctx, ec, task.Params); ok {
		entry, err = s.entries.Find(ctx, key)
		if err != nil {
			s.log.Error("cache lookup failed, task will be processed without cached data",
				zap.Int64("taskId", taskID), zap.Error(err))
			entry = nil
		}
	}

	if entry == nil {
		s.log.Info("cached data wasn't found", zap.Int64("taskId", taskID))
		if _, err := s.states.UpdateTaskExecState(ctx, out, task, types.ExecStateNone); err != nil {
			return "", err
		}
		return StatusNoPrevCache, nil
	}

	if err := s.validate(task, entry); err != nil {
		return "", err
	}

	s.log.Info("cached data was found, task will be finished with it",
		zap.Int64("taskId", taskID), zap.Int64("cacheProcessId", entry.Process.ID))
	if err := s.copyOutputs(ctx, task, entry); err != nil {
		return "", err
	}

	res, err := types.MarshalFunctionExec(types.NewSystemFunctionExec(task.Params.Function.Code, true, 0,
		fmt.Sprintf("Process was finished with cached data, cacheProcessId: %d", entry.Process.ID)))
	if err != nil {
		return "", err
	}
	task.Params.FromCache = true
	task.FunctionExecResults = res
	task.ResultReceived = true
	task.Completed = true
	task.CompletedOn = types.NowMillis()
	saved, err := s.store.SaveTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("save task #%d: %w", taskID, err)
	}
	if _, err := s.states.UpdateTaskExecState(ctx, out, saved, types.ExecStateOK); err != nil {
		return "", err
	}
	return StatusCopiedFromCache, nil
}

// validate checks that the entry holds exactly the task's declared outputs.
func (s *Service) validate(task *types.Task, entry *Entry) error {
	outputs := task.Params.Outputs
	broken := func(reason string) error {
		s.log.Warn("cache process is broken and will be invalidated",
			zap.Int64("cacheProcessId", entry.Process.ID),
			zap.Int64("taskId", task.ID),
			zap.String("reason", reason))
		return &InvalidateError{
			ExecContextID:  task.ExecContextID,
			TaskID:         task.ID,
			CacheProcessID: entry.Process.ID,
			Reason:         reason,
		}
	}
	if len(entry.Variables) != len(outputs) {
		return broken(fmt.Sprintf("stored %d variables, expected %d", len(entry.Variables), len(outputs)))
	}
	for _, o := range outputs {
		if findCached(entry, o.Name) == nil {
			return broken(fmt.Sprintf("variable %q is missing", o.Name))
		}
	}
	return nil
}

func (s *Service) copyOutputs(ctx context.Context, task *types.Task, entry *Entry) error {
	for i := range task.Params.Outputs {
		o := &task.Params.Outputs[i]
		cv := findCached(entry, o.Name)
		v, err := s.store.LoadVariable(ctx, o.ID)
		if err != nil {
			return &InvalidateError{
				ExecContextID:  task.ExecContextID,
				TaskID:         task.ID,
				CacheProcessID: entry.Process.ID,
				Reason:         fmt.Sprintf("output variable #%d: %v", o.ID, err),
			}
		}
		v.Inited = true
		v.UploadedOn = types.NowMillis()
		if cv.Nullified {
			v.Nullified = true
			v.Data = nil
		} else {
			v.Nullified = false
			v.Data = append([]byte(nil), cv.Data...)
		}
		if _, err := s.store.SaveVariable(ctx, v); err != nil {
			return fmt.Errorf("save variable #%d: %w", v.ID, err)
		}
		o.Uploaded = true
	}
	return nil
}

func findCached(entry *Entry, name string) *types.CacheVariable {
	for i := range entry.Variables {
		if entry.Variables[i].VariableName == name {
			return &entry.Variables[i]
		}
	}
	return nil
}

// InvalidateAndSetToNone removes a broken entry and sends the task back to
// NONE. The caller holds the task lock.
func (s *Service) InvalidateAndSetToNone(ctx context.Context, out *events.Outbox, e *InvalidateError) error {
	s.taskLocks.AssertHeld(ctx, e.TaskID)

	if err := s.entries.Invalidate(ctx, e.CacheProcessID); err != nil && !errors.Is(err, ErrEntryNotFound) {
		return fmt.Errorf("invalidate cache process #%d: %w", e.CacheProcessID, err)
	}
	task, err := s.store.LoadTask(ctx, e.TaskID)
	if err != nil {
		return err
	}
	_, err = s.states.UpdateTaskExecState(ctx, out, task, types.ExecStateNone)
	return err
}

// StoreVariables records the outputs of a finished cache-enabled task.
// It reports whether a new entry was created.
func (s *Service) StoreVariables(ctx context.Context, task *types.Task) (bool, error) {
	if task.Params == nil || !task.Params.CacheEnabled() || task.Params.FromCache {
		return false, nil
	}
	ec, err := s.store.LoadExecContext(ctx, task.ExecContextID)
	if err != nil {
		return false, err
	}
	key, value, ok := s.keys.SimpleKey(ctx, ec, task.Params)
	if !ok {
		return false, nil
	}

	vars := make([]types.CacheVariable, 0, len(task.Params.Outputs))
	for _, o := range task.Params.Outputs {
		v, err := s.store.LoadVariable(ctx, o.ID)
		if err != nil {
			return false, fmt.Errorf("exec context #%d is broken, variable #%d: %w", task.ExecContextID, o.ID, err)
		}
		cv := types.CacheVariable{VariableName: o.Name, Nullified: v.Nullified}
		if !v.Nullified {
			cv.Data = append([]byte(nil), v.Data...)
		}
		vars = append(vars, cv)
	}

	_, created, err := s.entries.Put(ctx, key, value, vars)
	if err != nil {
		return false, err
	}
	if !created {
		s.log.Info("process was already cached", zap.String("process", task.Params.ProcessCode))
	}
	return created, nil
}
