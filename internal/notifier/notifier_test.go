package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsMalformedSpec(t *testing.T) {
	_, err := New([]string{"ERROR-no-equals"})
	assert.Error(t, err)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New([]string{"BOGUS=http://example.com/hook"})
	assert.Error(t, err)
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New([]string{"ERROR=not a url"})
	assert.Error(t, err)
}

func TestNotifyDispatchesOnlyToSubscribedLevels(t *testing.T) {
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = append(received, "hit")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New([]string{"ERROR,WARNING=" + srv.URL})
	require.NoError(t, err)

	d.Notify(context.Background(), LevelInfo, "subject", "message")
	assert.Empty(t, received)

	err = d.NotifyErr(context.Background(), LevelError, "subject", "message")
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestNotifyErrSurfacesDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := New([]string{"ERROR=" + srv.URL})
	require.NoError(t, err)

	err = d.NotifyErr(context.Background(), LevelError, "subject", "message")
	assert.Error(t, err)
}

func TestEmptySpecsYieldsSilentDispatcher(t *testing.T) {
	d, err := New(nil)
	require.NoError(t, err)
	err = d.NotifyErr(context.Background(), LevelError, "s", "m")
	assert.NoError(t, err)
}
