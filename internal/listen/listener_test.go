package listen

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/nvrclient"
	"github.com/ep1cman/unifi-protect-backup/internal/pipeline"
	"github.com/ep1cman/unifi-protect-backup/internal/retry"
)

type scriptedAdapter struct {
	ch chan nvrclient.RawEvent
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{ch: make(chan nvrclient.RawEvent, 16)}
}

func (a *scriptedAdapter) Subscribe(ctx context.Context) (<-chan nvrclient.RawEvent, error) {
	return a.ch, nil
}
func (a *scriptedAdapter) ListEvents(ctx context.Context, from, to int64) ([]event.Event, error) {
	return nil, nil
}
func (a *scriptedAdapter) FetchClip(ctx context.Context, eventID string, startTS, endTS int64) (io.ReadCloser, error) {
	return nil, nil
}
func (a *scriptedAdapter) Camera(ctx context.Context, cameraID string) (event.Camera, error) {
	return event.Camera{ID: cameraID}, nil
}

func openTestLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	l, err := ledger.Open(t.TempDir()+"/events.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestListenerEmitsOnlyOnceEventCompletes(t *testing.T) {
	adapter := newScriptedAdapter()
	led := openTestLedger(t)
	queue := pipeline.NewEventQueue(8)
	inFlight := pipeline.NewInFlight()
	elig := event.Eligibility{DetectionTypes: map[event.Type]bool{event.TypeMotion: true}}
	l := New(adapter, led, elig, queue, inFlight, retry.New(time.Hour), metrics.NewCollector(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	now := time.Now()
	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawAdd, Event: event.Event{
		ID: "evt-1", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now,
	}}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, queue.RealtimeDepth(), "event emitted before it ended")

	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawUpdate, Event: event.Event{
		ID: "evt-1", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now, EndTS: now.Add(5 * time.Second),
	}}

	e, err := queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", e.ID)
}

func TestListenerSkipsIneligibleAndAlreadyLedgeredEvents(t *testing.T) {
	adapter := newScriptedAdapter()
	led := openTestLedger(t)
	now := time.Now()
	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "already-done", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-time.Minute), EndTS: now.Add(-55 * time.Second),
		RemotePath: "p", UploadedAt: now,
	}))

	queue := pipeline.NewEventQueue(8)
	inFlight := pipeline.NewInFlight()
	elig := event.Eligibility{DetectionTypes: map[event.Type]bool{event.TypeMotion: true}}
	l := New(adapter, led, elig, queue, inFlight, retry.New(time.Hour), metrics.NewCollector(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawAdd, Event: event.Event{
		ID: "already-done", CameraID: "cam-1", Type: event.TypeMotion,
		StartTS: now.Add(-time.Minute), EndTS: now.Add(-55 * time.Second),
	}}
	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawAdd, Event: event.Event{
		ID: "ineligible", CameraID: "cam-1", Type: event.TypeRing,
		StartTS: now.Add(-time.Minute), EndTS: now.Add(-55 * time.Second),
	}}
	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawAdd, Event: event.Event{
		ID: "good", CameraID: "cam-1", Type: event.TypeMotion,
		StartTS: now.Add(-time.Minute), EndTS: now.Add(-55 * time.Second),
	}}

	e, err := queue.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "good", e.ID)
	assert.Equal(t, 0, queue.BacklogDepth()+queue.RealtimeDepth())
}

func TestListenerForwardsReconnectedAsTrigger(t *testing.T) {
	adapter := newScriptedAdapter()
	led := openTestLedger(t)
	queue := pipeline.NewEventQueue(8)
	inFlight := pipeline.NewInFlight()
	l := New(adapter, led, event.Eligibility{}, queue, inFlight, retry.New(time.Hour), metrics.NewCollector(false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	adapter.ch <- nvrclient.RawEvent{Kind: nvrclient.RawReconnected}

	select {
	case <-l.Triggers:
	case <-time.After(time.Second):
		t.Fatal("expected a reconcile trigger")
	}
}
