package events

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatcher/pkg/utils"
)

// Handler processes one event. Handlers must be idempotent against replay.
type Handler func(ctx context.Context, ev Event) error

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Bus fans events out to handlers. Each kind has its own lane with a single
// consumer, so events of one kind are handled in publish order.
type Bus struct {
	log   *zap.Logger
	lanes map[Kind]*lane

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	taps     []Handler

	pending atomic.Int64
	dropped atomic.Int64
	onDrop  func(Kind)
	started atomic.Bool
}

// lane is a bounded channel plus, for reliable kinds, an unbounded overflow
// queue. While the overflow is not empty new events go behind it.
type lane struct {
	ch   chan Event
	wake chan struct{}

	mu       sync.Mutex
	overflow []Event
}

func newLane(size int) *lane {
	return &lane{ch: make(chan Event, size), wake: make(chan struct{}, 1)}
}

// offer enqueues ev without blocking. It reports false when the channel is
// full and spill is off.
func (l *lane) offer(ev Event, spill bool) bool {
	l.mu.Lock()
	if len(l.overflow) == 0 {
		select {
		case l.ch <- ev:
			l.mu.Unlock()
			return true
		default:
		}
	}
	if !spill {
		l.mu.Unlock()
		return false
	}
	l.overflow = append(l.overflow, ev)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *lane) popOverflow() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.overflow) == 0 {
		return Event{}, false
	}
	ev := l.overflow[0]
	l.overflow[0] = Event{}
	l.overflow = l.overflow[1:]
	if len(l.overflow) == 0 {
		l.overflow = nil
	}
	return ev, true
}

func (l *lane) overflowed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.overflow)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDropHook is called for every dropped best-effort event.
func WithDropHook(fn func(Kind)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates a bus whose per-kind channels hold bufferSize events.
func NewBus(bufferSize int, log *zap.Logger, opts ...BusOption) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		log:      log,
		lanes:    make(map[Kind]*lane, len(deliveries)),
		handlers: make(map[Kind][]Handler),
	}
	for k := range deliveries {
		b.lanes[k] = newLane(bufferSize)
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for a kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Tap registers a handler that sees every event after the kind handlers.
func (b *Bus) Tap(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, h)
}

// Publish enqueues ev according to its kind's delivery policy. It never
// blocks, so handlers may publish events of their own kind.
func (b *Bus) Publish(_ context.Context, ev Event) {
	l, ok := b.lanes[ev.Kind]
	if !ok {
		b.log.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
		return
	}
	b.pending.Add(1)
	if l.offer(ev, DeliveryOf(ev.Kind) == Reliable) {
		return
	}
	b.pending.Add(-1)
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop(ev.Kind)
	}
	b.log.Debug("event dropped", zap.String("kind", string(ev.Kind)), zap.Int64("taskId", ev.TaskID))
}

// Start launches one consumer per kind. Consumers stop when ctx is done.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for kind, l := range b.lanes {
		kind, l := kind, l
		utils.SafeGo("events-"+string(kind), func() { b.consume(ctx, kind, l) })
	}
}

// consume drains the channel before the overflow; everything in the channel
// was published before anything in the overflow.
func (b *Bus) consume(ctx context.Context, kind Kind, l *lane) {
	handle := func(ev Event) {
		b.dispatch(ctx, kind, ev)
		b.pending.Add(-1)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case ev := <-l.ch:
			handle(ev)
			continue
		default:
		}
		if ev, ok := l.popOverflow(); ok {
			handle(ev)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-l.ch:
			handle(ev)
		case <-l.wake:
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, kind Kind, ev Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[kind]...)
	hs = append(hs, b.taps...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.invoke(ctx, h, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Int64("taskId", ev.TaskID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := h(ctx, ev); err != nil {
		b.log.Warn("event handler failed",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("execContextId", ev.ExecContextID),
			zap.Int64("taskId", ev.TaskID),
			zap.Error(err))
	}
}

// Pending returns the number of enqueued or in-flight events.
func (b *Bus) Pending() int64 {
	return b.pending.Load()
}

// Overflowed returns the number of reliable events of kind waiting behind a
// full channel.
func (b *Bus) Overflowed(kind Kind) int {
	l, ok := b.lanes[kind]
	if !ok {
		return 0
	}
	return l.overflowed()
}

// Dropped returns the number of dropped best-effort events.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// WaitIdle blocks until no event is pending or ctx is done.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
