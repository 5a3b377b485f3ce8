// Package purge implements the Purger (C8, spec.md §4.7): it enforces the
// retention window against the remote store using the ledger as the sole
// source of truth for which paths are ever allowed to be deleted.
package purge

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/transfer"
)

// DefaultInterval is spec.md §4.7's default purge timer period.
const DefaultInterval = 24 * time.Hour

// failureThreshold bounds how many consecutive failed delete attempts a
// single row logs at WARNING; the next failure logs one suppression line
// and later failures of that row log nothing, so a persistently broken
// remote doesn't flood the log forever.
const failureThreshold = 5

// Purger runs the retention-enforcement pass of spec.md §4.7 on a timer.
type Purger struct {
	Ledger   ledger.Ledger
	Transfer transfer.Transfer
	Metrics  *metrics.Collector

	Retention time.Duration
	Interval  time.Duration

	Clock func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// New builds a Purger with defaults applied.
func New(led ledger.Ledger, xfer transfer.Transfer, coll *metrics.Collector, retention time.Duration) *Purger {
	return &Purger{
		Ledger: led, Transfer: xfer, Metrics: coll,
		Retention: retention, Interval: DefaultInterval, Clock: time.Now,
		failures: make(map[string]int),
	}
}

// Run drives the purger until ctx is cancelled, pausing Interval between
// passes and running one pass immediately on entry.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	if err := p.Pass(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[ERROR] Purger: startup pass failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Purger: pass failed: %v", err)
			}
		}
	}
}

// Pass runs steps 1-2 of spec.md §4.7 once: anything with end_ts older
// than now-retention gets its remote object deleted, then its ledger row
// removed. Rows exactly at the boundary are left for the next pass
// (spec.md §8: "events exactly at now - retention are on the purge
// boundary and must be purged on the next pass, not the current one").
func (p *Purger) Pass(ctx context.Context) error {
	cutoff := p.Clock().Add(-p.Retention)

	rows, err := p.Ledger.IterOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	deleted, skipped := 0, 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if row.RemotePath == "" {
			// A skip-missing sentinel row (spec.md §9): never uploaded,
			// nothing to delete remotely.
			if err := p.Ledger.Delete(ctx, row.EventID); err != nil {
				log.Printf("[ERROR] Purger: delete sentinel row %s: %v", row.EventID, err)
			}
			continue
		}

		err := p.Transfer.Delete(ctx, row.RemotePath)
		if err != nil && !errors.Is(err, transfer.ErrNotFound) {
			p.recordFailure(row.EventID, err)
			p.Metrics.PurgeDeletesTotal.WithLabelValues("error").Inc()
			skipped++
			continue
		}

		if err := p.Ledger.Delete(ctx, row.EventID); err != nil {
			log.Printf("[ERROR] Purger: ledger delete %s after remote delete: %v", row.EventID, err)
			skipped++
			continue
		}
		p.clearFailure(row.EventID)
		p.Metrics.PurgeDeletesTotal.WithLabelValues("ok").Inc()
		deleted++
	}

	log.Printf("[INFO] Purger: pass complete, deleted %d, skipped %d (of %d eligible)", deleted, skipped, len(rows))
	return nil
}

func (p *Purger) recordFailure(eventID string, err error) {
	p.mu.Lock()
	p.failures[eventID]++
	n := p.failures[eventID]
	p.mu.Unlock()

	if n <= failureThreshold {
		log.Printf("[WARNING] Purger: delete failed for %s (attempt %d): %v", eventID, n, err)
	} else if n == failureThreshold+1 {
		log.Printf("[WARNING] Purger: %s has failed more than %d times, suppressing further per-attempt logs", eventID, failureThreshold)
	}
}

func (p *Purger) clearFailure(eventID string) {
	p.mu.Lock()
	delete(p.failures, eventID)
	p.mu.Unlock()
}
