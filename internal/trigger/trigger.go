// Package trigger implements the trigger layer (C7): three independent
// sources of "something may have changed" — a streaming event listener, a
// per-client poller, and a global tick — all converging on one coalescing
// sync queue keyed by book_id. Scheduling style (ticker-driven background
// goroutines, signal-friendly shutdown) is adapted from the teacher's
// main.go periodic-sync ticker; the event listener and per-client polling
// are new, since the teacher never had more than one follower to poll.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/logger"
)

// DefaultDebounce is how long the event listener waits after the last
// playback event before scheduling a sync for a book.
const DefaultDebounce = 30 * time.Second

// DefaultSyncPeriod is the global tick's default interval.
const DefaultSyncPeriod = 5 * time.Minute

// Queue is the single coalescing sync queue every trigger source enqueues
// into. Requests for the same book_id already in-flight or queued are
// dropped rather than duplicated.
type Queue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	ch      chan string
	logger  *logger.Logger
}

// NewQueue creates a queue with the given buffer capacity.
func NewQueue(capacity int, log *logger.Logger) *Queue {
	return &Queue{
		pending: make(map[string]struct{}),
		ch:      make(chan string, capacity),
		logger:  log,
	}
}

// Enqueue schedules bookID for a sync cycle, coalescing with any request
// already pending for the same book.
func (q *Queue) Enqueue(bookID string) {
	q.mu.Lock()
	if _, already := q.pending[bookID]; already {
		q.mu.Unlock()
		return
	}
	q.pending[bookID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- bookID:
	default:
		// Queue full: drop the coalescing marker so a later enqueue can
		// retry rather than wedging this book out forever.
		q.mu.Lock()
		delete(q.pending, bookID)
		q.mu.Unlock()
	}
}

// Next blocks until a book is ready to sync or ctx is cancelled. Callers
// must call Done(bookID) once the cycle completes so a fresh change can be
// coalesced again.
func (q *Queue) Next(ctx context.Context) (string, bool) {
	select {
	case bookID := <-q.ch:
		return bookID, true
	case <-ctx.Done():
		return "", false
	}
}

// Done clears the in-flight marker for bookID, allowing future enqueues to
// schedule it again.
func (q *Queue) Done(bookID string) {
	q.mu.Lock()
	delete(q.pending, bookID)
	q.mu.Unlock()
}

// Debouncer schedules a delayed call per key, resetting the delay whenever
// Trigger is called again before it fires.
type Debouncer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	delay   time.Duration
	onFired func(key string)
}

// NewDebouncer builds a debouncer that waits delay after the last Trigger
// call for a key before invoking onFired with that key.
func NewDebouncer(delay time.Duration, onFired func(key string)) *Debouncer {
	return &Debouncer{
		timers:  make(map[string]*time.Timer),
		delay:   delay,
		onFired: onFired,
	}
}

// Trigger (re)starts the debounce window for key.
func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		d.onFired(key)
	})
}

// Stop cancels every pending debounce timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// GlobalTick enqueues every active mapping on a fixed period, the third and
// simplest trigger source.
type GlobalTick struct {
	period    time.Duration
	listBooks func(ctx context.Context) ([]string, error)
	queue     *Queue
	logger    *logger.Logger
}

// NewGlobalTick builds a global tick source. listBooks should return every
// currently-active mapping's book_id.
func NewGlobalTick(period time.Duration, listBooks func(ctx context.Context) ([]string, error), queue *Queue, log *logger.Logger) *GlobalTick {
	if period <= 0 {
		period = DefaultSyncPeriod
	}
	return &GlobalTick{period: period, listBooks: listBooks, queue: queue, logger: log}
}

// Run blocks, enqueuing every active book on each tick, until ctx is
// cancelled.
func (g *GlobalTick) Run(ctx context.Context) {
	ticker := time.NewTicker(g.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bookIDs, err := g.listBooks(ctx)
			if err != nil {
				if g.logger != nil {
					g.logger.Warn("global tick failed to list active mappings", map[string]interface{}{"error": err.Error()})
				}
				continue
			}
			for _, id := range bookIDs {
				g.queue.Enqueue(id)
			}
		}
	}
}
