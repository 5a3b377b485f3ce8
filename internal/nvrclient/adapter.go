// Package nvrclient defines the external NVR Adapter contract (C2, spec.md
// §4.2). The core depends only on this interface; internal/nvrclient/unifi
// provides the one concrete implementation shipped with this agent. The
// interface shape follows the teacher's internal/nvr/adapters/interface.go,
// which draws the same external-provider boundary around an RTSP source.
package nvrclient

import (
	"context"
	"io"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
)

// RawMessageKind distinguishes the realtime stream's message types.
type RawMessageKind int

const (
	// RawAdd is a newly observed event, possibly still in progress
	// (EndTS zero).
	RawAdd RawMessageKind = iota
	// RawUpdate carries a later revision of a previously-seen event,
	// typically the one that finally sets EndTS.
	RawUpdate
	// RawReconnected is a sentinel emitted after the adapter
	// transparently re-establishes its realtime connection, so the
	// core knows to run the reconciler immediately (spec.md §4.2).
	RawReconnected
)

// RawEvent is one message off the realtime stream.
type RawEvent struct {
	Kind  RawMessageKind
	Event event.Event // zero value when Kind == RawReconnected
}

// Sentinel errors fetch_clip may return; the core treats NotReady and
// NotFound as retryable up to retry.MaxAttempts (spec.md §4.2, §7).
var (
	ErrNotReady = adapterError("clip not ready")
	ErrNotFound = adapterError("clip not found")
)

type adapterError string

func (e adapterError) Error() string { return string(e) }

// Adapter is the contract required of any NVR client implementation.
type Adapter interface {
	// Subscribe delivers realtime add/update/reconnected messages until
	// ctx is cancelled. The adapter reconnects transparently on
	// connection loss; callers never see a closed channel before ctx is
	// done.
	Subscribe(ctx context.Context) (<-chan RawEvent, error)

	// ListEvents returns every event with EndTS set in [from, to],
	// paginated internally in pages of at most 500 for NVR stability.
	ListEvents(ctx context.Context, from, to int64) ([]event.Event, error)

	// FetchClip streams clip bytes for the given event window. It may
	// return ErrNotReady, ErrNotFound, or a transient network error.
	FetchClip(ctx context.Context, eventID string, startTS, endTS int64) (io.ReadCloser, error)

	// Camera resolves camera metadata, cached with a short TTL; a cache
	// miss triggers a bootstrap refresh rather than failing.
	Camera(ctx context.Context, cameraID string) (event.Camera, error)
}
