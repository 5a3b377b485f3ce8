// Package listen implements the Event Listener (C4, spec.md §4.3): it
// subscribes to the NVR's realtime stream and emits to the event queue
// exactly those events that are eligible and not already in the ledger.
package listen

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/nvrclient"
	"github.com/ep1cman/unifi-protect-backup/internal/pipeline"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
)

// livenessInterval is the bounded interval spec.md §4.3 requires: no
// message (including the adapter's own reconnects) within this window
// means the subscription is presumed dead.
const livenessInterval = 45 * time.Second

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
)

// Listener subscribes to nvrclient.Adapter.Subscribe and forwards eligible,
// completed events to the pipeline's event queue.
type Listener struct {
	Adapter     nvrclient.Adapter
	Ledger      ledger.Ledger
	Eligibility event.Eligibility
	Queue       *pipeline.EventQueue
	InFlight    *pipeline.InFlight
	Retry       *retry.Counter
	Metrics     *metrics.Collector

	// Triggers is signaled once per successful reconnect, so the
	// Reconciler (C5) can run immediately (spec.md §4.3/§4.4).
	Triggers chan struct{}

	mu      sync.Mutex
	pending map[string]event.Event // add-without-end_ts, awaiting update
}

// New builds a Listener. Triggers should be buffered (depth 1 is enough)
// so a reconnect never blocks on the reconciler being busy.
func New(adapter nvrclient.Adapter, led ledger.Ledger, elig event.Eligibility, queue *pipeline.EventQueue, inFlight *pipeline.InFlight, retryCounter *retry.Counter, coll *metrics.Collector) *Listener {
	return &Listener{
		Adapter: adapter, Ledger: led, Eligibility: elig, Queue: queue,
		InFlight: inFlight, Retry: retryCounter, Metrics: coll,
		Triggers: make(chan struct{}, 1),
		pending:  make(map[string]event.Event),
	}
}

// Run subscribes and processes messages until ctx is cancelled, applying
// its own liveness watchdog and reconnect backoff on top of whatever the
// adapter does internally.
func (l *Listener) Run(ctx context.Context) error {
	backoff := initialBackoff
	first := true

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !first {
			jittered := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jittered):
			}
		}

		subCtx, cancel := context.WithCancel(ctx)
		ch, err := l.Adapter.Subscribe(subCtx)
		if err != nil {
			cancel()
			log.Printf("[ERROR] Listener: subscribe failed: %v", err)
			backoff = nextBackoff(backoff)
			first = false
			continue
		}
		if !first {
			l.Metrics.ListenerReconnects.Inc()
			l.triggerReconcile()
		}

		died := l.consume(subCtx, ch)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		if died {
			backoff = nextBackoff(backoff)
		} else {
			backoff = initialBackoff
		}
		first = false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// consume reads from ch until it closes or a liveness timeout elapses,
// returning true if it died from a stalled connection rather than a clean
// channel close.
func (l *Listener) consume(ctx context.Context, ch <-chan nvrclient.RawEvent) bool {
	timer := time.NewTimer(livenessInterval)
	defer timer.Stop()

	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return false
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(livenessInterval)
			l.handle(ctx, raw)
		case <-timer.C:
			log.Printf("[WARNING] Listener: no message within %s, reconnecting", livenessInterval)
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (l *Listener) handle(ctx context.Context, raw nvrclient.RawEvent) {
	switch raw.Kind {
	case nvrclient.RawReconnected:
		l.triggerReconcile()
		return
	case nvrclient.RawAdd, nvrclient.RawUpdate:
		l.handleEvent(ctx, raw.Event)
	}
}

func (l *Listener) handleEvent(ctx context.Context, e event.Event) {
	if !e.Ended() {
		// Remembered until the matching update carries end_ts
		// (spec.md §4.3); cameras appearing after startup are accepted
		// without any enumeration step.
		l.mu.Lock()
		l.pending[e.ID] = e
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	delete(l.pending, e.ID)
	l.mu.Unlock()

	if !l.Eligibility.Eligible(e) {
		return
	}
	has, err := l.Ledger.Has(ctx, e.ID)
	if err != nil {
		log.Printf("[ERROR] Listener: ledger.has(%s): %v", e.ID, err)
		return
	}
	if has {
		return
	}
	if l.Retry.Banned(e.ID) {
		return
	}
	if !l.InFlight.TryAdd(e.ID) {
		return
	}
	if err := l.Queue.OfferRealtime(ctx, e); err != nil {
		l.InFlight.Remove(e.ID)
	}
}

func (l *Listener) triggerReconcile() {
	select {
	case l.Triggers <- struct{}{}:
	default:
		// A trigger is already pending; the reconciler will run
		// imminently regardless.
	}
}
