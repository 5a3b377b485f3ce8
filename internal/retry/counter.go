// Package retry implements the in-memory RetryCounter described in spec.md
// §3: a keyed, monotonically increasing attempt counter with a TTL, whose
// entries are never persisted so bans lift on process restart. The
// implementation mirrors the teacher's internal/nvr/event_dedup.go, which
// keeps an LRU of key -> last-seen-time; here the value is a counter plus
// the time of its most recent increment, and a second bound (MAX_ATTEMPTS)
// turns the counter into a ban rather than a pure dedup window.
package retry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxAttempts is the permanent-ban threshold from spec.md §3.
const MaxAttempts = 10

// DefaultMaxKeys bounds the LRU so a misbehaving NVR can't grow the counter
// table without limit; entries beyond this are evicted oldest-first, which
// only risks forgetting a ban early (never manufacturing a spurious one).
const DefaultMaxKeys = 100_000

type entry struct {
	attempts  int
	updatedAt time.Time
}

// Counter is a keyed attempt counter with expiry. It is safe for concurrent
// use.
type Counter struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	ttl   time.Duration
}

// New creates a Counter whose entries expire after ttl. The caller should
// pass a TTL at least as large as the retention window (spec.md §3).
func New(ttl time.Duration) *Counter {
	c, _ := lru.New[string, entry](DefaultMaxKeys)
	return &Counter{cache: c, ttl: ttl}
}

// Increment records one more failed attempt for id and returns the new
// attempt count. A key whose prior entry has expired starts over at 1.
func (c *Counter) Increment(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(id)
	if ok && time.Since(e.updatedAt) > c.ttl {
		ok = false
	}
	if !ok {
		e = entry{}
	}
	e.attempts++
	e.updatedAt = time.Now()
	c.cache.Add(id, e)
	return e.attempts
}

// Attempts returns the current attempt count for id, or 0 if unknown or
// expired.
func (c *Counter) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(id)
	if !ok || time.Since(e.updatedAt) > c.ttl {
		return 0
	}
	return e.attempts
}

// Banned reports whether id has reached MaxAttempts and not yet expired.
func (c *Counter) Banned(id string) bool {
	return c.Attempts(id) >= MaxAttempts
}

// Reset clears the counter for id, used once an event finally succeeds.
func (c *Counter) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(id)
}
