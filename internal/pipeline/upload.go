package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/notifier"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
	"github.com/ep1cman/unifi-protect-backup/internal/transfer"
)

// DurationProber optionally measures a downloaded clip's actual duration,
// out-of-band and best-effort (spec.md §4.6). Nil disables probing.
type DurationProber interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
}

// UploadStage is the single cooperative worker (C7) that streams
// byte-handoffs to the remote and records successes in the ledger.
type UploadStage struct {
	In       <-chan *Handoff
	InFlight *InFlight
	Transfer transfer.Transfer
	Ledger   ledger.Ledger
	Retry    *retry.Counter
	Metrics  *metrics.Collector
	Notifier *notifier.Dispatcher
	Prober   DurationProber

	current string // event_id currently being uploaded, for diagnostics
}

// NewUploadStage wires an UploadStage reading from the Download Stage's
// work-channel.
func NewUploadStage(in <-chan *Handoff, inFlight *InFlight, tr transfer.Transfer, led ledger.Ledger, retryCounter *retry.Counter, coll *metrics.Collector, notif *notifier.Dispatcher) *UploadStage {
	return &UploadStage{In: in, InFlight: inFlight, Transfer: tr, Ledger: led, Retry: retryCounter, Metrics: coll, Notifier: notif}
}

// Run consumes handoffs FIFO until In is closed or ctx is cancelled.
func (s *UploadStage) Run(ctx context.Context) error {
	for {
		select {
		case h, ok := <-s.In:
			if !ok {
				return nil
			}
			s.current = h.Event.ID
			s.Metrics.SetCurrentEventID(h.Event.ID)
			s.handle(ctx, h)
			s.current = ""
			s.Metrics.SetCurrentEventID("")
		case <-ctx.Done():
			return nil
		}
	}
}

// CurrentEventID reports the event currently uploading, or "" if idle.
func (s *UploadStage) CurrentEventID() string {
	return s.current
}

func (s *UploadStage) handle(ctx context.Context, h *Handoff) {
	defer func() {
		s.InFlight.Remove(h.Event.ID)
		s.Metrics.InFlightEvents.Dec()
	}()

	err := s.Transfer.StreamUpload(ctx, h.RemotePath, h)
	if downloadErr := h.Err(); downloadErr != nil {
		// The download side failed; nothing valid was ever streamed even
		// if StreamUpload itself returned no error (e.g. an empty
		// object). Do not touch the ledger.
		log.Printf("[ERROR] Upload: event %s: download failed: %v", h.Event.ID, downloadErr)
		s.Metrics.RecordUpload(h.Event.CameraID, string(h.Event.Type), "download_error")
		return
	}
	if err != nil {
		s.fail(ctx, h, err)
		return
	}

	row := ledger.Row{
		EventID:    h.Event.ID,
		EventType:  string(h.Event.Type),
		CameraID:   h.Event.CameraID,
		StartTS:    h.Event.StartTS,
		EndTS:      h.Event.EndTS,
		RemotePath: h.RemotePath,
		UploadedAt: time.Now(),
	}
	if err := s.Ledger.Put(ctx, row); err != nil {
		log.Printf("[ERROR] Upload: event %s: ledger write failed: %v", h.Event.ID, err)
		s.Metrics.RecordUpload(h.Event.CameraID, string(h.Event.Type), "ledger_error")
		return
	}

	s.Retry.Reset(h.Event.ID)
	s.Metrics.RecordUpload(h.Event.CameraID, string(h.Event.Type), "ok")

	if s.Prober != nil {
		s.probeDuration(ctx, h)
	}
}

func (s *UploadStage) probeDuration(ctx context.Context, h *Handoff) {
	actual, err := s.Prober.Probe(ctx, h.RemotePath)
	if err != nil {
		return // best-effort; probe failure never fails the upload
	}
	expected := h.Event.Duration()
	delta := actual - expected
	if delta < 0 {
		delta = -delta
	}
	if delta > 2*time.Second {
		log.Printf("[WARNING] Upload: event %s: probed duration %s differs from window %s",
			h.Event.ID, actual, expected)
	}
}

func (s *UploadStage) fail(ctx context.Context, h *Handoff, cause error) {
	attempts := s.Retry.Increment(h.Event.ID)
	if attempts >= retry.MaxAttempts {
		log.Printf("[WARNING] Upload: event %s permanently banned after %d attempts: %v", h.Event.ID, attempts, cause)
		s.Metrics.RecordBan(h.Event.CameraID)
		s.Metrics.RecordUpload(h.Event.CameraID, string(h.Event.Type), "banned")
		if s.Notifier != nil {
			s.Notifier.Notify(ctx, notifier.LevelWarning, "event banned",
				"event "+h.Event.ID+" on camera "+h.Event.CameraID+" exceeded max upload attempts: "+cause.Error())
		}
		return
	}
	log.Printf("[ERROR] Upload: event %s attempt %d failed: %v", h.Event.ID, attempts, cause)
	s.Metrics.RecordUpload(h.Event.CameraID, string(h.Event.Type), classifyUploadError(cause))
}

func classifyUploadError(err error) string {
	if errors.Is(err, transfer.ErrNotFound) {
		return "not_found"
	}
	return "error"
}
