// Package reconcile implements the Missing-Event Reconciler (C5, spec.md
// §4.4): it periodically diffs the NVR's event history against the
// ledger and re-injects anything missing, so the agent eventually
// catches up on clips it missed while offline or during a realtime gap.
package reconcile

import (
	"context"
	"log"
	"runtime"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/nvrclient"
	"github.com/ep1cman/unifi-protect-backup/internal/pipeline"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
)

// DefaultInterval is spec.md §4.4's default timer period.
const DefaultInterval = 5 * time.Minute

// yieldEvery interleaves offers with yields so a long backlog scan cannot
// monopolize the queue ahead of realtime events (spec.md §4.4).
const yieldEvery = 8

// Trigger requests an out-of-band reconciliation pass, used on startup and
// whenever the Listener reconnects.
type Trigger chan struct{}

// Reconciler runs the diff-and-reinject algorithm of spec.md §4.4.
type Reconciler struct {
	Adapter     nvrclient.Adapter
	Ledger      ledger.Ledger
	Eligibility event.Eligibility
	Queue       *pipeline.EventQueue
	InFlight    *pipeline.InFlight
	Retry       *retry.Counter
	Metrics     *metrics.Collector

	Retention time.Duration
	Interval  time.Duration

	// SkipMissing, when true, seeds the ledger with synthetic rows for
	// every currently-retained event instead of running the normal diff
	// on startup (spec.md §4.4, §9: the skip marker persists across
	// restarts).
	SkipMissing bool

	Clock func() time.Time
}

// New builds a Reconciler with defaults applied.
func New(adapter nvrclient.Adapter, led ledger.Ledger, elig event.Eligibility, queue *pipeline.EventQueue, inFlight *pipeline.InFlight, retryCounter *retry.Counter, coll *metrics.Collector, retention time.Duration) *Reconciler {
	return &Reconciler{
		Adapter: adapter, Ledger: led, Eligibility: elig, Queue: queue,
		InFlight: inFlight, Retry: retryCounter, Metrics: coll,
		Retention: retention, Interval: DefaultInterval, Clock: time.Now,
	}
}

// Run drives the reconciler until ctx is cancelled: once at startup (or a
// seed pass if SkipMissing is set), then on every trigger signal, then on
// Interval.
func (r *Reconciler) Run(ctx context.Context, triggers <-chan struct{}) error {
	if r.SkipMissing {
		if err := r.seed(ctx); err != nil {
			log.Printf("[ERROR] Reconciler: seed pass failed: %v", err)
		}
	} else if err := r.Pass(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[ERROR] Reconciler: startup pass failed: %v", err)
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Reconciler: periodic pass failed: %v", err)
			}
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if err := r.Pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Reconciler: reconnect-triggered pass failed: %v", err)
			}
		}
	}
}

// Pass runs steps 1-4 of spec.md §4.4 once.
func (r *Reconciler) Pass(ctx context.Context) error {
	now := r.Clock()
	from, to := now.Add(-r.Retention).Unix(), now.Unix()

	nvrEvents, err := r.Adapter.ListEvents(ctx, from, to)
	if err != nil {
		return err
	}

	ledgerIDs, err := r.Ledger.AllIDsInWindow(ctx, time.Unix(from, 0), time.Unix(to, 0))
	if err != nil {
		return err
	}

	offered := 0
	for i, e := range nvrEvents {
		if !r.Eligibility.Eligible(e) {
			continue
		}
		if _, inLedger := ledgerIDs[e.ID]; inLedger {
			continue
		}
		if !r.InFlight.TryAdd(e.ID) {
			continue // already queued or being processed
		}
		if r.Retry.Banned(e.ID) {
			r.InFlight.Remove(e.ID)
			continue
		}

		if err := r.Queue.OfferBacklog(ctx, e); err != nil {
			r.InFlight.Remove(e.ID)
			return err
		}
		offered++
		r.Metrics.ReconcilerOffersTotal.Inc()

		if i%yieldEvery == yieldEvery-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				runtime.Gosched()
			}
		}
	}
	log.Printf("[INFO] Reconciler: pass complete, offered %d/%d events", offered, len(nvrEvents))
	return nil
}

// seed marks every currently-retained event as already-uploaded without
// ever fetching it, per spec.md §4.4/§9's chosen interpretation of
// --skip-missing: the marker is the synthetic ledger rows themselves, so
// it persists naturally across restarts.
func (r *Reconciler) seed(ctx context.Context) error {
	now := r.Clock()
	from, to := now.Add(-r.Retention).Unix(), now.Unix()

	nvrEvents, err := r.Adapter.ListEvents(ctx, from, to)
	if err != nil {
		return err
	}

	seeded := 0
	for _, e := range nvrEvents {
		if !r.Eligibility.Eligible(e) {
			continue
		}
		has, err := r.Ledger.Has(ctx, e.ID)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		row := ledger.Row{
			EventID:    e.ID,
			EventType:  string(e.Type),
			CameraID:   e.CameraID,
			StartTS:    e.StartTS,
			EndTS:      e.EndTS,
			RemotePath: "", // sentinel: seeded, never fetched
			UploadedAt: now,
		}
		if err := r.Ledger.Put(ctx, row); err != nil {
			return err
		}
		seeded++
	}
	log.Printf("[INFO] Reconciler: skip-missing seed complete, %d synthetic rows", seeded)
	return nil
}
