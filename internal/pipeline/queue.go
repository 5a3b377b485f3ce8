package pipeline

import (
	"context"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
)

// DefaultQueueDepth is spec.md §5's default event queue bound.
const DefaultQueueDepth = 256

// EventQueue is the bounded queue between the producers (Listener,
// Reconciler) and the Download Stage. It biases towards realtime events
// per spec.md §9: "the event queue must prefer the realtime producer over
// the reconciler when both are ready", implemented as two channels with
// realtime given priority whenever both are ready.
type EventQueue struct {
	realtime chan event.Event
	backlog  chan event.Event
}

// NewEventQueue creates a queue with the given total depth, split evenly
// between the realtime and backlog channels.
func NewEventQueue(depth int) *EventQueue {
	if depth < 2 {
		depth = 2
	}
	return &EventQueue{
		realtime: make(chan event.Event, depth/2),
		backlog:  make(chan event.Event, depth-depth/2),
	}
}

// OfferRealtime enqueues an event from the Listener (C4), blocking if full.
func (q *EventQueue) OfferRealtime(ctx context.Context, e event.Event) error {
	select {
	case q.realtime <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OfferBacklog enqueues an event from the Reconciler (C5), blocking if
// full. The Reconciler interleaves these offers with yields so a long
// backlog scan cannot starve realtime events (spec.md §4.4).
func (q *EventQueue) OfferBacklog(ctx context.Context, e event.Event) error {
	select {
	case q.backlog <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next dequeues the next event for the Download Stage, preferring a
// realtime event whenever one is immediately available.
func (q *EventQueue) Next(ctx context.Context) (event.Event, error) {
	select {
	case e := <-q.realtime:
		return e, nil
	default:
	}

	select {
	case e := <-q.realtime:
		return e, nil
	case e := <-q.backlog:
		return e, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// RealtimeDepth and BacklogDepth report current queue occupancy for
// diagnostics (spec.md §4.6: "the upload worker must publish queue-depth").
func (q *EventQueue) RealtimeDepth() int { return len(q.realtime) }
func (q *EventQueue) BacklogDepth() int  { return len(q.backlog) }
