package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/pkg/types"
)

// Run starts the event consumers and the background loops and blocks until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.bus.Start(ctx)
	d.bus.Publish(ctx, events.FindUnassignedTasks())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, d.cfg.StaleCheckInterval, func() { d.ResetStaleTasks(ctx) })
	})
	g.Go(func() error {
		return every(ctx, d.cfg.ShrinkInterval, func() { d.Shrink(ctx) })
	})
	g.Go(func() error {
		return d.internal.Run(ctx, d.cfg.StaleCheckInterval)
	})
	d.log.Info("dispatcher started", zap.String("id", d.id))
	err := g.Wait()
	d.log.Info("dispatcher stopped", zap.String("id", d.id))
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// ResetStaleTasks returns to NONE every assigned task whose core stopped
// confirming it. It reports how many tasks were reset.
func (d *Dispatcher) ResetStaleTasks(ctx context.Context) int {
	reset := 0
	for _, a := range d.watchdog.Stale() {
		task, err := d.store.LoadTask(ctx, a.TaskID)
		if err != nil {
			d.log.Warn("stale task not found", zap.Int64("taskId", a.TaskID), zap.Error(err))
			continue
		}
		d.ledger.Release(a.CoreID, a.TaskID)
		if task.ExecState != types.ExecStateInProgress || task.CoreID != a.CoreID {
			continue
		}
		ok, err := d.ResetTask(ctx, a.TaskID)
		if err != nil {
			d.log.Error("failed to reset stale task", zap.Int64("taskId", a.TaskID), zap.Error(err))
			continue
		}
		if ok {
			d.log.Info("stale task was reset",
				zap.Int64("taskId", a.TaskID),
				zap.Int64("coreId", a.CoreID))
			reset++
		}
	}
	return reset
}

// Shrink compacts the queue.
func (d *Dispatcher) Shrink(ctx context.Context) {
	d.queue.Shrink(ctx)
	d.metrics.QueueGroups.Set(float64(d.queue.GroupCount(ctx)))
}
