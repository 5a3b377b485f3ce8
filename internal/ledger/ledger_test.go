package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerPutHasDelete(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	ok, err := l.Has(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	row := Row{
		EventID:    "evt-1",
		EventType:  "motion",
		CameraID:   "cam-1",
		StartTS:    time.Unix(1000, 0),
		EndTS:      time.Unix(1010, 0),
		RemotePath: "cam-1/clip.mp4",
		UploadedAt: time.Unix(1020, 0),
	}
	require.NoError(t, l.Put(ctx, row))

	ok, err = l.Has(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Delete(ctx, "evt-1"))
	ok, err = l.Has(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerPutIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	row := Row{
		EventID:    "evt-2",
		EventType:  "person",
		CameraID:   "cam-2",
		StartTS:    time.Unix(2000, 0),
		EndTS:      time.Unix(2010, 0),
		RemotePath: "cam-2/first.mp4",
		UploadedAt: time.Unix(2020, 0),
	}
	require.NoError(t, l.Put(ctx, row))

	row.RemotePath = "cam-2/second.mp4"
	require.NoError(t, l.Put(ctx, row))

	rows, err := l.IterOlderThan(ctx, time.Unix(3000, 0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cam-2/second.mp4", rows[0].RemotePath)
}

func TestLedgerIterOlderThan(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i, endTS := range []int64{100, 200, 300} {
		require.NoError(t, l.Put(ctx, Row{
			EventID:    "evt-" + string(rune('a'+i)),
			EventType:  "motion",
			CameraID:   "cam-1",
			StartTS:    time.Unix(endTS-5, 0),
			EndTS:      time.Unix(endTS, 0),
			RemotePath: "path",
			UploadedAt: time.Unix(endTS+1, 0),
		}))
	}

	rows, err := l.IterOlderThan(ctx, time.Unix(250, 0))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "evt-a", rows[0].EventID)
	assert.Equal(t, "evt-b", rows[1].EventID)
}

func TestLedgerAllIDsInWindow(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, Row{
		EventID: "evt-in", EventType: "motion", CameraID: "cam-1",
		StartTS: time.Unix(95, 0), EndTS: time.Unix(100, 0),
		RemotePath: "p", UploadedAt: time.Unix(101, 0),
	}))
	require.NoError(t, l.Put(ctx, Row{
		EventID: "evt-out", EventType: "motion", CameraID: "cam-1",
		StartTS: time.Unix(995, 0), EndTS: time.Unix(1000, 0),
		RemotePath: "p", UploadedAt: time.Unix(1001, 0),
	}))

	ids, err := l.AllIDsInWindow(ctx, time.Unix(0, 0), time.Unix(500, 0))
	require.NoError(t, err)
	_, inWindow := ids["evt-in"]
	_, outWindow := ids["evt-out"]
	assert.True(t, inWindow)
	assert.False(t, outWindow)
}

func TestLedgerWriteFailureEscalatesAfterRetries(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Close())

	var fatal error
	l.onFatal = func(err error) { fatal = err }

	err := l.Put(context.Background(), Row{EventID: "evt-x", EventType: "motion", CameraID: "cam-1"})
	assert.Error(t, err)
	assert.Error(t, fatal)
}
