// Package transfer defines the external Transfer Adapter contract (C3,
// spec.md §4.2/§6): stream-upload, delete, and list against a remote
// object store. internal/transfer/rclone provides the one concrete
// implementation shipped with this agent.
package transfer

import (
	"context"
	"io"
)

// Transfer is the contract required of any remote-storage backend.
type Transfer interface {
	// StreamUpload writes the full contents of r to remotePath. It must
	// not return until the object is durably written or a non-retryable
	// error has occurred.
	StreamUpload(ctx context.Context, remotePath string, r io.Reader) error

	// Delete removes remotePath. A "not found" condition is reported via
	// ErrNotFound so callers can treat it as success (spec.md §4.7).
	Delete(ctx context.Context, remotePath string) error

	// List enumerates object paths under prefix, used only by
	// diagnostics and tests; the core never relies on it for retention
	// decisions (spec.md §8 invariant 2: only ledger-known paths are
	// ever deleted).
	List(ctx context.Context, prefix string) ([]string, error)
}

// ErrNotFound is returned by Delete when the remote object is already
// absent.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "remote object not found" }
