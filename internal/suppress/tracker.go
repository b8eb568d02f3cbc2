// Package suppress implements the write-suppression tracker (C2): a
// short-lived record of outgoing writes used to discard the inbound echo
// they produce. It is the one component the design notes permit to remain
// process-global, provided it sits behind an interface so tests can supply
// a double.
package suppress

import (
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/logger"
)

// DefaultTTL is the suppression window applied when a caller doesn't
// specify one.
const DefaultTTL = 60 * time.Second

// Tracker answers "is this inbound event our own echo?" for every
// (client, book_id) pair the engine has recently written to.
type Tracker interface {
	Record(client, bookID string, ttl time.Duration)
	IsOwnWrite(client, bookID string) bool
}

type key struct {
	client string
	bookID string
}

// memoryTracker is a concurrent map keyed on (client, book_id) holding an
// expiry wall-clock time, adapted from the teacher's generic
// internal/cache.Cache[K,V] narrowed to this package's one composite key
// shape and its one operation pair.
type memoryTracker struct {
	mu      sync.RWMutex
	expires map[key]time.Time
	log     *logger.Logger
}

// New returns a process-wide Tracker backed by an in-memory map. Expired
// entries are evicted lazily, on the next Record or IsOwnWrite call that
// touches the same key, or in bulk by GC.
func New(log *logger.Logger) Tracker {
	return &memoryTracker{
		expires: make(map[key]time.Time),
		log:     log,
	}
}

// Record stamps (client, book_id) as our own write, valid until ttl elapses.
// The sync cycle engine's contract requires calling this before releasing
// a successful write's result to any observer, so the echo it produces is
// never mistaken for a new external change.
func (t *memoryTracker) Record(client, bookID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := key{client: client, bookID: bookID}

	t.mu.Lock()
	t.expires[k] = time.Now().Add(ttl)
	t.mu.Unlock()

	if t.log != nil {
		t.log.Debug("suppression stamp recorded", map[string]interface{}{
			"client":  client,
			"book_id": bookID,
			"ttl":     ttl.String(),
		})
	}
}

// IsOwnWrite reports whether (client, book_id) is still within its
// suppression window. A stale entry is treated as absent and lazily
// removed.
func (t *memoryTracker) IsOwnWrite(client, bookID string) bool {
	k := key{client: client, bookID: bookID}

	t.mu.RLock()
	expiresAt, found := t.expires[k]
	t.mu.RUnlock()

	if !found {
		return false
	}

	if time.Now().After(expiresAt) {
		t.mu.Lock()
		delete(t.expires, k)
		t.mu.Unlock()
		return false
	}

	return true
}

// GC removes every expired entry regardless of key, so long-running
// processes with many distinct books don't accumulate stale stamps that are
// never individually queried again.
func (t *memoryTracker) GC() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, expiresAt := range t.expires {
		if now.After(expiresAt) {
			delete(t.expires, k)
		}
	}
}
