package events

import "context"

// Outbox collects events inside a locked section so they can be published
// after the lock is released.
type Outbox struct {
	events []Event
}

// Add appends events.
func (o *Outbox) Add(evs ...Event) {
	o.events = append(o.events, evs...)
}

// Len returns the number of collected events.
func (o *Outbox) Len() int {
	return len(o.events)
}

// Events returns the collected events.
func (o *Outbox) Events() []Event {
	return append([]Event(nil), o.events...)
}

// Flush publishes and clears the collected events.
func (o *Outbox) Flush(ctx context.Context, p Publisher) {
	evs := o.events
	o.events = nil
	for _, ev := range evs {
		p.Publish(ctx, ev)
	}
}

// Recorder is a Publisher that keeps events in memory.
type Recorder struct {
	Outbox
}

// Publish records ev.
func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.Add(ev)
}

// OfKind returns recorded events of a kind.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
