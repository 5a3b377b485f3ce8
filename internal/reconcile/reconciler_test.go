package reconcile

import (
	"context"
	"io"
	"path/filepath"
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

type fakeAdapter struct {
	events []event.Event
}

func (f *fakeAdapter) Subscribe(ctx context.Context) (<-chan nvrclient.RawEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) ListEvents(ctx context.Context, from, to int64) ([]event.Event, error) {
	return f.events, nil
}
func (f *fakeAdapter) FetchClip(ctx context.Context, eventID string, startTS, endTS int64) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeAdapter) Camera(ctx context.Context, cameraID string) (event.Camera, error) {
	return event.Camera{ID: cameraID}, nil
}

func openTestLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPassOffersOnlyMissingEligibleEvents(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{events: []event.Event{
		{ID: "already-backed-up", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now.Add(-time.Hour), EndTS: now.Add(-time.Hour).Add(5 * time.Second)},
		{ID: "missing", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now.Add(-time.Minute), EndTS: now.Add(-50 * time.Second)},
		{ID: "ineligible-type", CameraID: "cam-1", Type: event.TypeRing, StartTS: now.Add(-time.Minute), EndTS: now.Add(-50 * time.Second)},
	}}
	led := openTestLedger(t)
	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "already-backed-up", EventType: "motion", CameraID: "cam-1",
		StartTS: now.Add(-time.Hour), EndTS: now.Add(-time.Hour).Add(5 * time.Second),
		RemotePath: "p", UploadedAt: now,
	}))

	queue := pipeline.NewEventQueue(8)
	inFlight := pipeline.NewInFlight()
	r := New(adapter, led, event.Eligibility{DetectionTypes: map[event.Type]bool{event.TypeMotion: true}}, queue, inFlight, retry.New(time.Hour), metrics.NewCollector(false), 7*24*time.Hour)
	r.Clock = func() time.Time { return now }

	require.NoError(t, r.Pass(context.Background()))

	e, err := queue.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "missing", e.ID)
}

func TestPassSkipsBannedEvents(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{events: []event.Event{
		{ID: "banned", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now.Add(-time.Minute), EndTS: now.Add(-50 * time.Second)},
	}}
	led := openTestLedger(t)
	retryCounter := retry.New(time.Hour)
	for i := 0; i < retry.MaxAttempts; i++ {
		retryCounter.Increment("banned")
	}

	queue := pipeline.NewEventQueue(8)
	inFlight := pipeline.NewInFlight()
	r := New(adapter, led, event.Eligibility{}, queue, inFlight, retryCounter, metrics.NewCollector(false), 7*24*time.Hour)
	r.Clock = func() time.Time { return now }

	require.NoError(t, r.Pass(context.Background()))
	assert.Equal(t, 0, queue.BacklogDepth())
}

func TestSeedCreatesSentinelRowsWithoutFetching(t *testing.T) {
	now := time.Now()
	adapter := &fakeAdapter{events: []event.Event{
		{ID: "evt-1", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now.Add(-time.Hour), EndTS: now.Add(-time.Hour).Add(5 * time.Second)},
		{ID: "evt-2", CameraID: "cam-1", Type: event.TypeMotion, StartTS: now.Add(-2 * time.Hour), EndTS: now.Add(-2 * time.Hour).Add(5 * time.Second)},
	}}
	led := openTestLedger(t)
	queue := pipeline.NewEventQueue(8)
	r := New(adapter, led, event.Eligibility{}, queue, pipeline.NewInFlight(), retry.New(time.Hour), metrics.NewCollector(false), 7*24*time.Hour)
	r.Clock = func() time.Time { return now }
	r.SkipMissing = true

	require.NoError(t, r.seed(context.Background()))

	ok, err := led.Has(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, queue.BacklogDepth())
}
