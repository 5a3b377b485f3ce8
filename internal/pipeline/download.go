package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/notifier"
	"github.com/ep1cman/unifi-protect-backup/internal/nvrclient"
	"github.com/ep1cman/unifi-protect-backup/internal/pathtemplate"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
)

// fetchGrace is the small delay after end_ts before fetching, working
// around NVR lag that otherwise returns a truncated clip (spec.md §4.5).
const fetchGrace = 5 * time.Second

// DownloadStage is the single cooperative worker (C6) that turns queued
// Events into byte-handoffs for the Upload Stage.
type DownloadStage struct {
	Queue    *EventQueue
	InFlight *InFlight
	Adapter  nvrclient.Adapter
	Ledger   ledger.Ledger
	Retry    *retry.Counter
	Template *pathtemplate.Template
	Metrics  *metrics.Collector
	Notifier *notifier.Dispatcher

	// BufferSize bounds each handoff's resident memory.
	BufferSize uint64

	// Out is the depth-1 channel to the Upload Stage (spec.md §4.5).
	Out chan *Handoff

	// Clock is overridable in tests.
	Clock func() time.Time
}

// NewDownloadStage wires a DownloadStage with its work-channel to the
// Upload Stage already created, as the Supervisor is the sole owner of
// inter-stage channels (spec.md §9).
func NewDownloadStage(queue *EventQueue, inFlight *InFlight, adapter nvrclient.Adapter, led ledger.Ledger, retryCounter *retry.Counter, tmpl *pathtemplate.Template, coll *metrics.Collector, notif *notifier.Dispatcher, bufferSize uint64) *DownloadStage {
	return &DownloadStage{
		Queue: queue, InFlight: inFlight, Adapter: adapter, Ledger: led,
		Retry: retryCounter, Template: tmpl, Metrics: coll, Notifier: notif,
		BufferSize: bufferSize,
		Out:        make(chan *Handoff, 1),
		Clock:      time.Now,
	}
}

// Run processes events until ctx is cancelled.
func (s *DownloadStage) Run(ctx context.Context) error {
	for {
		ev, err := s.Queue.Next(ctx)
		if err != nil {
			return nil // cooperative shutdown, not a fatal error
		}
		s.Metrics.SetQueueDepths(s.Queue.RealtimeDepth(), s.Queue.BacklogDepth())
		s.Metrics.InFlightEvents.Inc()
		s.handle(ctx, ev)
	}
}

// handle processes one dequeued event. Ownership of InFlight membership and
// the in-flight gauge transfers to the Upload Stage once a handoff is
// successfully handed off; every early-return path here clears both itself.
func (s *DownloadStage) handle(ctx context.Context, ev event.Event) {
	exists, err := s.Ledger.Has(ctx, ev.ID)
	if err != nil {
		log.Printf("[ERROR] Download: ledger.has(%s): %v", ev.ID, err)
		s.InFlight.Remove(ev.ID)
		s.Metrics.InFlightEvents.Dec()
		return
	}
	if exists {
		// Reconciler/Listener race: already backed up.
		s.InFlight.Remove(ev.ID)
		s.Metrics.InFlightEvents.Dec()
		return
	}

	// Grace period to work around NVR lag on truncated clips.
	wait := fetchGrace - s.Clock().Sub(ev.EndTS)
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.InFlight.Remove(ev.ID)
			s.Metrics.InFlightEvents.Dec()
			return
		}
	}

	cam, err := s.Adapter.Camera(ctx, ev.CameraID)
	if err != nil {
		log.Printf("[WARNING] Download: camera(%s) lookup failed for event %s: %v", ev.CameraID, ev.ID, err)
	}

	remotePath := s.Template.Render(pathtemplate.Data{
		EventID:         ev.ID,
		CameraName:      cam.Name,
		DetectionType:   string(ev.Type),
		StartTS:         ev.StartTS,
		EndTS:           ev.EndTS,
		DurationSeconds: ev.Duration().Seconds(),
		Location:        cam.Location(),
	})

	handoff := NewHandoff(ev, remotePath, s.BufferSize)

	select {
	case s.Out <- handoff:
	case <-ctx.Done():
		s.InFlight.Remove(ev.ID)
		s.Metrics.InFlightEvents.Dec()
		return
	}

	go s.stream(ctx, ev, handoff)
}

func (s *DownloadStage) stream(ctx context.Context, ev event.Event, handoff *Handoff) {
	r, err := s.Adapter.FetchClip(ctx, ev.ID, ev.StartTS.Unix(), ev.EndTS.Unix())
	if err != nil {
		s.fail(ctx, ev, handoff, err)
		return
	}
	defer r.Close()

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, werr := handoff.WriteContext(ctx, buf[:n]); werr != nil {
				s.fail(ctx, ev, handoff, werr)
				return
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				handoff.Close()
				s.Metrics.RecordDownload(ev.CameraID, "ok")
				return
			}
			s.fail(ctx, ev, handoff, readErr)
			return
		}
	}
}

// fail closes handoff with an error flag and records the attempt. It does
// not touch InFlight or the in-flight gauge: the handoff has already been
// handed to the Upload Stage, which owns clearing both once it observes
// the error (spec.md §4.5: "the uploader must see the flag and abort").
func (s *DownloadStage) fail(ctx context.Context, ev event.Event, handoff *Handoff, cause error) {
	handoff.CloseWithError(cause)

	attempts := s.Retry.Increment(ev.ID)
	if attempts >= retry.MaxAttempts {
		log.Printf("[WARNING] Download: event %s permanently banned after %d attempts: %v", ev.ID, attempts, cause)
		s.Metrics.RecordBan(ev.CameraID)
		s.Metrics.RecordDownload(ev.CameraID, "banned")
		if s.Notifier != nil {
			s.Notifier.Notify(ctx, notifier.LevelWarning, "event banned",
				"event "+ev.ID+" on camera "+ev.CameraID+" exceeded max download attempts: "+cause.Error())
		}
	} else {
		log.Printf("[ERROR] Download: event %s attempt %d failed: %v", ev.ID, attempts, cause)
		s.Metrics.RecordDownload(ev.CameraID, classifyDownloadError(cause))
	}
}

func classifyDownloadError(err error) string {
	switch {
	case errors.Is(err, nvrclient.ErrNotFound):
		return "not_found"
	case errors.Is(err, nvrclient.ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
