// Package pipeline implements the event queue and the download/upload
// stages (C6, C7) that exchange bounded byte-handoffs, per spec.md §3 and
// §4.5/§4.6. The handoff is the only large-memory buffer in the agent: its
// capacity caps resident memory regardless of clip size, the way the
// teacher's ring buffer in the nishisan-dev-n-backup reference bounds a
// backup stream's resident bytes independent of file size (adapted here to
// a single-producer single-consumer channel of fixed-size chunks rather
// than an indexable ring, since nothing in this pipeline needs resume-by-offset).
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ep1cman/unifi-protect-backup/internal/event"
)

// chunkSize is the unit the handoff buffers in; capacity is expressed in
// chunks so configured byte sizes translate directly into channel depth.
const chunkSize = 256 * 1024

// DefaultBufferSize is spec.md §6's --download-buffer-size default.
const DefaultBufferSize = 512 * 1024 * 1024

// Handoff is the bounded, backpressured byte pipe between the download and
// upload stage for a single event (spec.md §3's PipelineItem). Exactly one
// goroutine may write, and exactly one may read.
type Handoff struct {
	Event      event.Event
	RemotePath string

	chunks chan []byte

	closeOnce sync.Once
	mu        sync.Mutex
	writeErr  error // set by CloseWithError, observed by the reader

	pending []byte // leftover bytes from the chunk currently being read
}

// NewHandoff allocates a Handoff whose resident buffer is bounded by
// bufferSize bytes (rounded down to a whole number of chunks, minimum one).
func NewHandoff(ev event.Event, remotePath string, bufferSize uint64) *Handoff {
	depth := int(bufferSize / chunkSize)
	if depth < 1 {
		depth = 1
	}
	return &Handoff{Event: ev, RemotePath: remotePath, chunks: make(chan []byte, depth)}
}

// WriteContext is the download stage's write side. It blocks once the
// configured buffer is full until the upload stage drains it, giving the
// producer/consumer backpressure spec.md §4.5 requires. Writes larger than
// chunkSize are split; the call only returns once every byte has been
// handed to the channel (or ctx is cancelled).
func (h *Handoff) WriteContext(ctx context.Context, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := make([]byte, n)
		copy(chunk, p[:n])

		select {
		case h.chunks <- chunk:
			total += n
			p = p[n:]
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, nil
}

// Close signals a clean EOF: every byte written so far was valid and no
// more is coming.
func (h *Handoff) Close() error {
	h.closeOnce.Do(func() { close(h.chunks) })
	return nil
}

// CloseWithError signals a download failure: the uploader must discard
// whatever it has buffered and must not write to the remote or the ledger
// (spec.md §4.5).
func (h *Handoff) CloseWithError(err error) {
	h.mu.Lock()
	h.writeErr = err
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.chunks) })
}

// Err returns the error passed to CloseWithError, if any. Only meaningful
// once Read has observed EOF.
func (h *Handoff) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeErr
}

// Read implements io.Reader for the upload stage.
func (h *Handoff) Read(p []byte) (int, error) {
	if len(h.pending) == 0 {
		chunk, ok := <-h.chunks
		if !ok {
			if err := h.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		h.pending = chunk
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

var _ io.Reader = (*Handoff)(nil)

// errAborted names a download cancelled mid-stream. Nothing in this
// package returns it: a cancelled download closes its handoff with the
// context's error instead.
var errAborted = errors.New("download aborted")

// drainTimeout is a 5s bound for a reader that has stopped reading. Close
// does not wait on the reader and does not use it.
const drainTimeout = 5 * time.Second
