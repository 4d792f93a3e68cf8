// Package dispatcher wires the queue, matcher, cache, lifecycle and producer
// into the service used by the transport layer.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/dispatcher/internal/cache"
	"yqhp/dispatcher/internal/config"
	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/fsm"
	"yqhp/dispatcher/internal/graph"
	"yqhp/dispatcher/internal/locks"
	"yqhp/dispatcher/internal/matcher"
	"yqhp/dispatcher/internal/metrics"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/internal/queue"
	"yqhp/dispatcher/internal/quota"
	"yqhp/dispatcher/internal/store"
	"yqhp/dispatcher/internal/worker"
	dag "yqhp/dispatcher/pkg/graph"
	"yqhp/dispatcher/pkg/types"
)

var (
	ErrTaskNotAssigned        = errors.New("task isn't assigned to this core")
	ErrExecContextMismatch    = errors.New("task belongs to another exec context")
	ErrUnsupportedResultState = errors.New("result state must be OK or ERROR")
)

// Options carries the collaborators of a Dispatcher. Nil fields get
// in-memory defaults.
type Options struct {
	Store    store.Store
	Cache    cache.Store
	Catalog  producer.FunctionCatalog
	Oracle   matcher.ReadinessOracle
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Internal *producer.InternalFunctions
}

// Dispatcher is the scheduling service.
type Dispatcher struct {
	id  string
	cfg config.DispatcherConfig
	log *zap.Logger

	store     store.Store
	bus       *events.Bus
	queue     *queue.Service
	taskLocks *locks.KeyedLocker[int64]
	fsm       *fsm.Machine
	graph     *graph.Service
	cache     *cache.Service
	producer  *producer.Producer
	matcher   *matcher.Matcher
	registry  *worker.Registry
	bans      *worker.Bans
	watchdog  *worker.Watchdog
	ledger    *quota.Ledger
	metrics   *metrics.Metrics
	internal  *InternalExecutor
}

// New assembles a dispatcher and subscribes its event handlers.
func New(cfg config.DispatcherConfig, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.Catalog == nil {
		opts.Catalog = producer.NewCatalog()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Internal == nil {
		opts.Internal = producer.NewInternalFunctions()
	}
	locks.EnableAssertions(cfg.LockAssertions)

	log := opts.Logger
	m := opts.Metrics
	d := &Dispatcher{
		id:        uuid.NewString(),
		cfg:       cfg,
		log:       log.Named("dispatcher"),
		store:     opts.Store,
		queue:     queue.NewService(cfg.MinQueueSize, cfg.GroupSize, log.Named("queue")),
		taskLocks: locks.NewKeyedLocker[int64](locks.TaskKey),
		registry:  worker.NewRegistry(),
		bans:      worker.NewBans(cfg.BanDuration),
		watchdog:  worker.NewWatchdog(cfg.StaleTaskTimeout),
		ledger:    quota.NewLedger(),
		metrics:   m,
	}
	d.bus = events.NewBus(cfg.EventBufferSize, log.Named("events"),
		events.WithDropHook(func(k events.Kind) { m.DroppedEvents.WithLabelValues(string(k)).Inc() }))
	d.fsm = fsm.New(d.store, d.taskLocks, log.Named("fsm"))
	d.graph = graph.NewService(d.store, locks.NewKeyedLocker[int64](locks.ExecContextKey), log.Named("graph"))
	d.cache = cache.NewService(d.store, opts.Cache, d.fsm, d.taskLocks, log.Named("cache"))
	d.producer = producer.New(d.store, d.graph, opts.Catalog, opts.Internal,
		cfg.MaxTriesAfterError, cfg.ParamsVersion, log.Named("producer"))
	d.matcher = matcher.New(d.queue, d.store, d.fsm, d.bans, opts.Oracle,
		matcher.Config{AcceptOnlySigned: cfg.AcceptOnlySigned}, log.Named("matcher"))
	d.internal = NewInternalExecutor(d, log.Named("internal"))
	d.subscribe()
	return d
}

// ID identifies this dispatcher instance.
func (d *Dispatcher) ID() string { return d.id }

// Bus returns the event bus.
func (d *Dispatcher) Bus() *events.Bus { return d.bus }

// Metrics returns the metrics.
func (d *Dispatcher) Metrics() *metrics.Metrics { return d.metrics }

// Registry returns the worker core registry.
func (d *Dispatcher) Registry() *worker.Registry { return d.registry }

// Store returns the entity store.
func (d *Dispatcher) Store() store.Store { return d.store }

func (d *Dispatcher) flush(ctx context.Context, out *events.Outbox) {
	out.Flush(context.WithoutCancel(ctx), d.bus)
}

// CreateExecContext stores a new exec context with an empty graph.
func (d *Dispatcher) CreateExecContext(ctx context.Context, params *types.ExecContextParams) (*types.ExecContext, error) {
	if params == nil {
		params = &types.ExecContextParams{}
	}
	return d.store.SaveExecContext(ctx, &types.ExecContext{
		State:      types.ExecContextStateUnknown,
		Params:     params.Clone(),
		Graph:      dag.New(),
		TaskStates: make(map[int64]types.ExecState),
		CreatedOn:  types.NowMillis(),
	})
}

// ProduceTask materializes one task.
func (d *Dispatcher) ProduceTask(ctx context.Context, req producer.Request) (*types.Task, error) {
	out := &events.Outbox{}
	defer d.flush(ctx, out)
	return d.producer.ProduceTask(ctx, out, req)
}

// ProduceAll materializes every process of an exec context and starts it.
func (d *Dispatcher) ProduceAll(ctx context.Context, execContextID int64) ([]*types.Task, error) {
	out := &events.Outbox{}
	defer d.flush(ctx, out)
	return d.producer.ProduceAll(ctx, out, execContextID)
}

// RegisterTask puts a NONE task into the queue. It reports whether the task
// was added.
func (d *Dispatcher) RegisterTask(ctx context.Context, taskID int64) (bool, error) {
	task, err := d.store.LoadTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return d.registerTasks(ctx, []*types.Task{task}) == 1, nil
}

// registerTasks queues the NONE tasks in one batch so tasks of the same exec
// context and priority share groups.
func (d *Dispatcher) registerTasks(ctx context.Context, tasks []*types.Task) int {
	batch := make([]queue.QueuedTask, 0, len(tasks))
	internal := false
	for _, task := range tasks {
		if task.ExecState != types.ExecStateNone || task.Params == nil {
			continue
		}
		if d.queue.AlreadyRegistered(ctx, task.ID) {
			continue
		}
		priority := task.Params.Priority
		if priority > d.cfg.MaxPriority {
			priority = d.cfg.MaxPriority
		}
		batch = append(batch, queue.QueuedTask{
			ExecContextID: task.ExecContextID,
			TaskID:        task.ID,
			Context:       task.Params.Context,
			Params:        task.Params.Clone(),
			Tag:           task.Params.Tag,
			Priority:      priority,
			State:         task.ExecState,
		})
		if task.Params.Context == types.FunctionExecContextInternal {
			internal = true
		}
	}
	added := d.queue.RegisterAll(ctx, batch)
	if added > 0 {
		d.metrics.QueueGroups.Set(float64(d.queue.GroupCount(ctx)))
		if internal {
			d.internal.Notify()
		}
	}
	return added
}

// FindUnassignedTaskAndAssign assigns at most one task to the core. When
// allocs is nil the dispatcher's own ledger of the core is used.
func (d *Dispatcher) FindUnassignedTaskAndAssign(ctx context.Context, caps types.WorkerCapabilities,
	allocs *quota.Allocations, liveTaskIDs []int64) (*types.AssignedTask, error) {
	if allocs == nil {
		allocs = d.ledger.For(caps.CoreID)
	}
	out := &events.Outbox{}
	defer d.flush(ctx, out)

	started := time.Now()
	res, err := d.matcher.FindUnassignedTaskAndAssign(ctx, out, matcher.Request{
		Worker:      caps,
		Allocations: allocs,
		LiveTaskIDs: liveTaskIDs,
	})
	d.metrics.ScanLatency().Record(time.Since(started))
	if err != nil {
		return nil, err
	}

	for _, r := range res.Rejections {
		d.metrics.Rejections.WithLabelValues(string(r.Reason)).Inc()
	}
	if res.Banned {
		d.metrics.Bans.Inc()
	}
	if res.Assigned != nil {
		d.metrics.TasksAssigned.Inc()
		if res.Recovered {
			d.metrics.TasksRecovered.Inc()
		}
	}
	return res.Assigned, nil
}

// SetTaskExecState moves a task to state through the lifecycle rules.
func (d *Dispatcher) SetTaskExecState(ctx context.Context, execContextID, taskID int64, state types.ExecState) (*types.Task, error) {
	out := &events.Outbox{}
	defer d.flush(ctx, out)

	var result *types.Task
	err := d.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		task, err := d.store.LoadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.ExecContextID != execContextID {
			return fmt.Errorf("task #%d: %w", taskID, ErrExecContextMismatch)
		}
		if state.IsError() {
			result, err = d.fsm.FinishWithError(ctx, out, task, state, "state was set explicitly")
			return err
		}
		result, err = d.fsm.UpdateTaskExecState(ctx, out, task, state)
		return err
	})
	return result, err
}

// CheckCaching resolves a CHECK_CACHE task. A broken cache entry is removed
// and the task goes back to NONE.
func (d *Dispatcher) CheckCaching(ctx context.Context, execContextID, taskID int64) (cache.Status, error) {
	out := &events.Outbox{}
	defer d.flush(ctx, out)

	var status cache.Status
	err := d.taskLocks.WithLock(ctx, taskID, func(ctx context.Context) error {
		var err error
		status, err = d.cache.CheckCaching(ctx, out, execContextID, taskID)
		var inv *cache.InvalidateError
		if errors.As(err, &inv) {
			d.metrics.CacheChecks.WithLabelValues("invalidated").Inc()
			if err := d.cache.InvalidateAndSetToNone(ctx, out, inv); err != nil {
				return err
			}
			status = ""
			return inv
		}
		return err
	})
	if status != "" {
		d.metrics.CacheChecks.WithLabelValues(string(status)).Inc()
	}
	return status, err
}

// GetTaskGroupForTransferring hands out a finished, locked group of the exec
// context and empties it.
func (d *Dispatcher) GetTaskGroupForTransferring(ctx context.Context, execContextID int64) (queue.GroupSnapshot, bool) {
	return d.queue.GetTaskGroupForTransferring(ctx, execContextID)
}

// IsQueueEmpty reports whether the queue holds no task.
func (d *Dispatcher) IsQueueEmpty(ctx context.Context) bool {
	return d.queue.IsQueueEmpty(ctx)
}

// ResetTask returns an unfinished task to NONE and frees the quota it held.
func (d *Dispatcher) ResetTask(ctx context.Context, taskID int64) (bool, error) {
	out := &events.Outbox{}
	defer d.flush(ctx, out)
	ok, err := d.fsm.ResetTask(ctx, out, taskID)
	if ok {
		d.watchdog.Forget(taskID)
		d.ledger.ReleaseTask(taskID)
	}
	return ok, err
}

// Heartbeat registers or refreshes a core and confirms its live tasks.
func (d *Dispatcher) Heartbeat(ctx context.Context, caps types.WorkerCapabilities, liveTaskIDs []int64) error {
	if err := d.registry.Register(ctx, caps); err != nil {
		return err
	}
	if err := d.registry.Heartbeat(ctx, caps.CoreID, liveTaskIDs); err != nil {
		return err
	}
	d.watchdog.ConfirmLive(caps.CoreID, liveTaskIDs)
	return nil
}
