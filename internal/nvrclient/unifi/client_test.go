package unifi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestWireEventToEvent(t *testing.T) {
	we := wireEvent{
		ID:       "evt-1",
		CameraID: "cam-1",
		Type:     "Motion",
		StartTS:  1700000000000,
		EndTS:    1700000005000,
	}
	e := we.toEvent()
	assert.Equal(t, "evt-1", e.ID)
	assert.True(t, e.Ended())
	assert.Equal(t, 5*time.Second, e.Duration())
}

func TestWireEventUnendedHasZeroEndTS(t *testing.T) {
	we := wireEvent{ID: "evt-2", StartTS: 1700000000000}
	e := we.toEvent()
	assert.False(t, e.Ended())
}

func TestClockSkewClamp(t *testing.T) {
	start, end := clockSkewClamp(1700000000, 1700000005)
	assert.Equal(t, int64(1699999998), start)
	assert.Equal(t, int64(1700000007), end)
}

func TestCameraCachesAndRefreshesOnMiss(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cam-1","name":"Front Door","timezoneOffsetSeconds":-18000}`))
	}))
	defer srv.Close()

	c := New(Config{Address: "ignored", CameraTTL: 50 * time.Millisecond, HTTPClient: srv.Client()})
	c.base = mustParseURL(t, srv.URL)

	cam, err := c.Camera(t.Context(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "Front Door", cam.Name)
	assert.Equal(t, 1, calls)

	// second call within TTL should hit the cache
	_, err = c.Camera(t.Context(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	time.Sleep(60 * time.Millisecond)
	_, err = c.Camera(t.Context(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
