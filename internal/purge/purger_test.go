package purge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
	"github.com/ep1cman/unifi-protect-backup/internal/metrics"
	"github.com/ep1cman/unifi-protect-backup/internal/transfer"
)

type fakeTransfer struct {
	mu      sync.Mutex
	deleted []string
	missing map[string]bool
	failing map[string]bool
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{missing: map[string]bool{}, failing: map[string]bool{}}
}

func (f *fakeTransfer) StreamUpload(ctx context.Context, remotePath string, r io.Reader) error {
	return nil
}
func (f *fakeTransfer) Delete(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[remotePath] {
		return assert.AnError
	}
	if f.missing[remotePath] {
		return transfer.ErrNotFound
	}
	f.deleted = append(f.deleted, remotePath)
	return nil
}
func (f *fakeTransfer) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }

func openTestLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	l, err := ledger.Open(t.TempDir()+"/events.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestPassDeletesOnlyRowsPastRetention(t *testing.T) {
	now := time.Now()
	led := openTestLedger(t)
	xfer := newFakeTransfer()

	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "old", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-8 * 24 * time.Hour), EndTS: now.Add(-8 * 24 * time.Hour),
		RemotePath: "cam-1/old.mp4", UploadedAt: now,
	}))
	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "recent", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-time.Hour), EndTS: now.Add(-time.Hour),
		RemotePath: "cam-1/recent.mp4", UploadedAt: now,
	}))

	p := New(led, xfer, metrics.NewCollector(false), 7*24*time.Hour)
	p.Clock = func() time.Time { return now }

	require.NoError(t, p.Pass(context.Background()))

	assert.Equal(t, []string{"cam-1/old.mp4"}, xfer.deleted)
	has, err := led.Has(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = led.Has(context.Background(), "recent")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPassTreatsNotFoundAsSuccess(t *testing.T) {
	now := time.Now()
	led := openTestLedger(t)
	xfer := newFakeTransfer()
	xfer.missing["cam-1/gone.mp4"] = true

	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "gone", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-8 * 24 * time.Hour), EndTS: now.Add(-8 * 24 * time.Hour),
		RemotePath: "cam-1/gone.mp4", UploadedAt: now,
	}))

	p := New(led, xfer, metrics.NewCollector(false), 7*24*time.Hour)
	p.Clock = func() time.Time { return now }

	require.NoError(t, p.Pass(context.Background()))

	has, err := led.Has(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPassSkipsRowOnTransientFailureAndRetriesNextPass(t *testing.T) {
	now := time.Now()
	led := openTestLedger(t)
	xfer := newFakeTransfer()
	xfer.failing["cam-1/flaky.mp4"] = true

	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "flaky", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-8 * 24 * time.Hour), EndTS: now.Add(-8 * 24 * time.Hour),
		RemotePath: "cam-1/flaky.mp4", UploadedAt: now,
	}))

	p := New(led, xfer, metrics.NewCollector(false), 7*24*time.Hour)
	p.Clock = func() time.Time { return now }

	require.NoError(t, p.Pass(context.Background()))
	has, err := led.Has(context.Background(), "flaky")
	require.NoError(t, err)
	assert.True(t, has, "row must survive a transient delete failure for retry next pass")

	xfer.failing["cam-1/flaky.mp4"] = false
	require.NoError(t, p.Pass(context.Background()))
	has, err = led.Has(context.Background(), "flaky")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPassDeletesSentinelRowsWithoutCallingTransfer(t *testing.T) {
	now := time.Now()
	led := openTestLedger(t)
	xfer := newFakeTransfer()

	require.NoError(t, led.Put(context.Background(), ledger.Row{
		EventID: "seeded", CameraID: "cam-1", EventType: "motion",
		StartTS: now.Add(-8 * 24 * time.Hour), EndTS: now.Add(-8 * 24 * time.Hour),
		RemotePath: "", UploadedAt: now,
	}))

	p := New(led, xfer, metrics.NewCollector(false), 7*24*time.Hour)
	p.Clock = func() time.Time { return now }

	require.NoError(t, p.Pass(context.Background()))

	has, err := led.Has(context.Background(), "seeded")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Empty(t, xfer.deleted)
}
