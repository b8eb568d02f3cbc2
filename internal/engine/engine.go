// Package engine implements the sync cycle engine (C8): the per-book
// algorithm that fetches every configured client's position, elects a
// leader, gates against noise and regression, translates the leader's
// position for every follower via C6, and propagates the result, adapted
// from the overall shape (heavy structured per-book logging, delta gates,
// state-machine status transitions) of the teacher's internal/sync.Service.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/align"
	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/locate"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/briarwood/readbridge/internal/suppress"
	"github.com/briarwood/readbridge/internal/translate"
	"github.com/briarwood/readbridge/internal/trigger"
)

// clientOrder is the deterministic tie-break ordering for leader election
// when last_updated and normalized percentage are both equal, resolved to
// lexicographic ordering on the client name enum.
var clientOrder = map[client.Name]int{
	client.NameABS:          0,
	client.NameBooklore:     1,
	client.NameHardcover:    2,
	client.NameKoReaderSync: 3,
	client.NameStoryteller:  4,
}

// Thresholds mirrors config.Config's App block: the knobs the delta and
// anti-regression gates consume. Kept as a plain struct so engine doesn't
// import internal/config and create an import cycle with anything that
// constructs the engine from config.
type Thresholds struct {
	DeltaABSSeconds            float64
	DeltaKosyncPercent         float64
	DeltaKosyncWords           int
	DeltaBetweenClientsPercent float64
	AntiRegressionTolerance    float64
	MaxConsecutiveFullFailures int
}

// ContextSource supplies the artifacts translate.To (C6) needs beyond the
// leader/follower clients themselves: the book's alignment map (once a
// transcription job has produced one) and a follower's parsed ebook
// document. Both return ok=false when the artifact isn't available yet; a
// follower whose translation needs the missing artifact is then skipped and
// its translate error is recorded as a soft error for the cycle.
type ContextSource interface {
	Alignment(ctx context.Context, book store.Book) (*align.Map, bool, error)
	FollowerDocument(ctx context.Context, book store.Book, follower client.Name) (locate.Document, bool, error)
	StorytellerNative(book store.Book) bool
}

// Engine runs sync cycles for a fixed set of clients against a shared store.
type Engine struct {
	store      *store.Store
	clients    map[client.Name]client.Client
	suppressor suppress.Tracker
	context    ContextSource
	thresholds Thresholds
	logger     *logger.Logger

	bookLocksMu sync.Mutex
	bookLocks   map[string]*sync.Mutex
}

// New constructs an Engine. clients is the full configured client set
// (including ones that report IsConfigured() == false; the engine filters
// those out per cycle).
func New(st *store.Store, clients map[client.Name]client.Client, tracker suppress.Tracker, ctxSource ContextSource, thresholds Thresholds, log *logger.Logger) *Engine {
	return &Engine{
		store:      st,
		clients:    clients,
		suppressor: tracker,
		context:    ctxSource,
		thresholds: thresholds,
		logger:     log,
		bookLocks:  make(map[string]*sync.Mutex),
	}
}

// contributing is one client's position after it has survived the absence
// check, echo suppression, and per-client delta gate.
type contributing struct {
	name       client.Name
	state      store.ClientState
	normalized float64
}

// RunCycle executes the full 10-step algorithm for one book. force bypasses
// the anti-regression refusal (the user-initiated override spec.md names).
func (e *Engine) RunCycle(ctx context.Context, bookID string, force bool) error {
	lock := e.lockFor(bookID)
	lock.Lock()
	defer lock.Unlock()

	log := e.logWith(bookID)

	// Step 1: load mapping, only active mappings are syncable.
	book, found, err := e.store.LoadMapping(bookID)
	if err != nil {
		return apperrors.WithBook(err, bookID, "")
	}
	if !found || book.Status != store.StatusActive {
		log.Debug("cycle skipped: mapping absent or not active", map[string]interface{}{
			"found": found,
		})
		return nil
	}

	cached, err := e.cachedStates(bookID)
	if err != nil {
		return e.failCycle(book, err)
	}

	// Steps 2-4: fetch, suppress echoes, normalize, delta gate.
	contributors, fetchErrs := e.fetchContributors(ctx, book, cached)
	for _, ferr := range fetchErrs {
		log.Warn("client fetch_state failed", map[string]interface{}{"error": ferr.Error()})
	}
	if len(contributors) == 0 {
		log.Debug("cycle skipped: no client contributed", nil)
		return e.recordOutcome(book, true)
	}

	// Step 5: leader election.
	leader := electLeader(contributors)

	// Step 6: inter-client delta gate against every follower's cached position.
	if !anyFollowerDiffers(leader, e.clients, cached, e.thresholds.DeltaBetweenClientsPercent) {
		log.Debug("cycle skipped: leader matches every follower within tolerance", map[string]interface{}{
			"leader": string(leader.name),
		})
		return e.recordOutcome(book, true)
	}

	// Step 7: anti-regression.
	if !force && regressed(leader, cached, book.LastLeaderClient, e.thresholds.AntiRegressionTolerance) {
		log.Warn("cycle refused: anti-regression check failed", map[string]interface{}{
			"leader":            string(leader.name),
			"previous_leader":   book.LastLeaderClient,
			"leader_percentage": leader.normalized,
		})
		return e.recordOutcome(book, true)
	}

	// Steps 8-9: translate and propagate to every configured follower.
	updated, softErrs := e.propagate(ctx, book, leader)
	for _, serr := range softErrs {
		log.Warn("follower update failed", map[string]interface{}{"error": serr.Error()})
	}

	success := updated > 0
	if err := e.recordOutcome(book, success); err != nil {
		return err
	}
	// recordOutcome persisted its own copy of the mapping; reload it so the
	// step-10 write below keeps the updated failure counter and status.
	if reloaded, ok, err := e.store.LoadMapping(bookID); err != nil {
		return apperrors.WithBook(err, bookID, "")
	} else if ok {
		book = reloaded
	}

	// Step 10: persist the leader's own refreshed state and advance the
	// last-leader bookkeeping used by the anti-regression check.
	if err := e.store.WriteState(leader.state); err != nil {
		return apperrors.WithBook(err, bookID, string(leader.name))
	}
	book.LastLeaderClient = string(leader.name)
	if err := e.store.UpdateMapping(book); err != nil {
		return apperrors.WithBook(err, bookID, "")
	}

	log.Info("cycle complete", map[string]interface{}{
		"leader":           string(leader.name),
		"followers_synced": updated,
	})
	return nil
}

func (e *Engine) lockFor(bookID string) *sync.Mutex {
	e.bookLocksMu.Lock()
	defer e.bookLocksMu.Unlock()
	lock, ok := e.bookLocks[bookID]
	if !ok {
		lock = &sync.Mutex{}
		e.bookLocks[bookID] = lock
	}
	return lock
}

func (e *Engine) logWith(bookID string) *logger.Logger {
	if e.logger == nil {
		return nil
	}
	return e.logger.WithBook(bookID)
}

// cachedStates loads C1's last-known state for every client, keyed by name,
// used as the baseline for both delta gates.
func (e *Engine) cachedStates(bookID string) (map[client.Name]store.ClientState, error) {
	states, err := e.store.ListStates(bookID)
	if err != nil {
		return nil, err
	}
	out := make(map[client.Name]store.ClientState, len(states))
	for _, s := range states {
		out[client.Name(s.Client)] = s
	}
	return out, nil
}

// fetchContributors runs steps 2-4: fetch every configured client's state,
// discard echoes of our own writes and absent clients, normalize, and keep
// only the clients whose delta against the cached value clears their
// client-specific minimum.
func (e *Engine) fetchContributors(ctx context.Context, book store.Book, cached map[client.Name]store.ClientState) ([]contributing, []error) {
	var contributors []contributing
	var errs []error

	for name, cl := range e.clients {
		if !cl.IsConfigured() {
			continue
		}

		bulk, err := cl.FetchBulk(ctx)
		if err != nil && apperrors.KindOf(err) != apperrors.NotConfigured {
			errs = append(errs, err)
		}

		prev := cached[name]
		state, found, err := cl.FetchState(ctx, book, prev, bulk)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found {
			continue
		}
		if e.suppressor != nil && e.suppressor.IsOwnWrite(string(name), book.ID) {
			continue
		}

		normalized, ok := state.NormalizedPercentage(book.DurationSeconds)
		if !ok {
			continue
		}

		if !e.clearsMinimumDelta(name, state, normalized, prev, book) {
			continue
		}

		contributors = append(contributors, contributing{name: name, state: state, normalized: normalized})
	}

	return contributors, errs
}

// clearsMinimumDelta implements step 4's per-client minimums.
func (e *Engine) clearsMinimumDelta(name client.Name, state store.ClientState, normalized float64, prev store.ClientState, book store.Book) bool {
	prevNormalized, hadPrev := prev.NormalizedPercentage(book.DurationSeconds)
	if !hadPrev {
		return true
	}

	switch name {
	case client.NameABS:
		audio, ok := state.Locator.(store.AudioLocator)
		prevAudio, prevOK := prev.Locator.(store.AudioLocator)
		if !ok || !prevOK {
			return true
		}
		return absFloat(audio.TimestampSeconds-prevAudio.TimestampSeconds) >= e.thresholds.DeltaABSSeconds
	case client.NameKoReaderSync:
		deltaPct := absFloat(normalized - prevNormalized)
		if deltaPct < e.thresholds.DeltaKosyncPercent {
			return false
		}
		if book.WordCount <= 0 {
			// No word-count metadata to check against; the percentage gate
			// already cleared, so don't block on an unmeasurable quantity.
			return true
		}
		deltaWords := int(deltaPct * float64(book.WordCount))
		return deltaWords >= e.thresholds.DeltaKosyncWords
	default:
		return absFloat(normalized-prevNormalized) >= 0.005
	}
}

// electLeader implements step 5: latest last_updated wins, ties broken by
// highest normalized percentage, further ties broken by deterministic
// client-name ordering.
func electLeader(contributors []contributing) contributing {
	sort.Slice(contributors, func(i, j int) bool {
		a, b := contributors[i], contributors[j]
		if !a.state.LastUpdated.Equal(b.state.LastUpdated) {
			return a.state.LastUpdated.After(b.state.LastUpdated)
		}
		if a.normalized != b.normalized {
			return a.normalized > b.normalized
		}
		return clientOrder[a.name] < clientOrder[b.name]
	})
	return contributors[0]
}

// anyFollowerDiffers implements step 6: the cycle only proceeds if the
// leader's position differs from at least one configured follower's cached
// position by more than the cross-client tolerance. A configured follower
// with no cached position at all -- either because it has never been
// written to, or because it was only just configured -- always counts as
// differing, the same as a cached-but-unparseable position does; otherwise
// a follower added mid-read would never receive its first sync for as long
// as every already-cached follower kept agreeing with the leader.
func anyFollowerDiffers(leader contributing, clients map[client.Name]client.Client, cached map[client.Name]store.ClientState, tolerance float64) bool {
	any := false
	for name, cl := range clients {
		if name == leader.name || cl == nil || !cl.IsConfigured() {
			continue
		}
		any = true

		state, ok := cached[name]
		if !ok {
			return true
		}
		normalized, ok := state.NormalizedPercentage(0)
		if !ok {
			return true
		}
		if absFloat(leader.normalized-normalized) >= tolerance {
			return true
		}
	}
	// No configured followers at all: nothing to compare against, so treat
	// the leader's position as new information worth propagating.
	return !any
}

// regressed implements step 7: refuse to propagate a leader whose position
// is meaningfully behind the highest position anyone has ever reported,
// unless the leader is the same client that held the lead last cycle
// (interpreted as the spec's "device-id" check, since this store tracks
// position at client granularity, not per-device).
func regressed(leader contributing, cached map[client.Name]store.ClientState, previousLeader string, tolerance float64) bool {
	if string(leader.name) == previousLeader {
		return false
	}
	maxCached := leader.normalized
	for _, state := range cached {
		normalized, ok := state.NormalizedPercentage(0)
		if !ok {
			continue
		}
		if normalized > maxCached {
			maxCached = normalized
		}
	}
	return maxCached-leader.normalized > tolerance
}

// propagate implements steps 8-9: translate the leader's position for every
// configured follower and write it, stamping C2 before returning each
// successful write so its echo is never mistaken for a new change.
func (e *Engine) propagate(ctx context.Context, book store.Book, leader contributing) (int, []error) {
	updated := 0
	var softErrs []error

	leaderClient := e.clients[leader.name]
	leaderWrapper := translate.Leader{Client: leaderClient, State: leader.state, Book: book}

	for name, follower := range e.clients {
		if name == leader.name || !follower.IsConfigured() {
			continue
		}

		tctx := translate.Context{StorytellerNative: e.context != nil && e.context.StorytellerNative(book)}
		if e.context != nil {
			if alignment, ok, err := e.context.Alignment(ctx, book); err == nil && ok {
				tctx.Alignment = alignment
			}
			if doc, ok, err := e.context.FollowerDocument(ctx, book, name); err == nil && ok {
				tctx.FollowerDoc = doc
			}
		}

		locator, err := translate.To(ctx, leaderWrapper, translate.Follower{Client: follower, Book: book}, tctx)
		if err != nil {
			softErrs = append(softErrs, fmt.Errorf("translate for %s: %w", name, err))
			continue
		}

		req := client.UpdateRequest{BookID: followerBookID(book, name), Locator: locator}
		result := follower.Update(ctx, req)
		if result.Err != nil {
			softErrs = append(softErrs, fmt.Errorf("update %s: %w", name, result.Err))
			continue
		}

		if e.suppressor != nil {
			e.suppressor.Record(string(name), book.ID, 0)
		}

		if err := e.store.WriteState(store.ClientState{
			BookID:      book.ID,
			Client:      string(name),
			LastUpdated: time.Now(),
			Locator:     locator,
		}); err != nil {
			softErrs = append(softErrs, fmt.Errorf("persist state for %s: %w", name, err))
			continue
		}

		updated++
	}

	return updated, softErrs
}

// followerBookID resolves the client-specific external id the engine
// addresses a follower's Update/FetchState calls with, matching the
// convention established by the ABS and Hardcover adapters: BookID on the
// wire is always the external id, not the internal book_id.
func followerBookID(book store.Book, name client.Name) string {
	key := map[client.Name]string{
		client.NameABS:          "abs",
		client.NameBooklore:     "booklore",
		client.NameHardcover:    "hardcover",
		client.NameStoryteller:  "storyteller",
		client.NameKoReaderSync: "kosync",
	}[name]
	if id, ok := book.ExternalIDs[key]; ok {
		return id
	}
	return book.ID
}

// recordOutcome implements the state-machine transition on cycle outcome:
// a successful (or intentionally-skipped) cycle resets the failure counter;
// a full failure increments it and flips to failed_retry_later after
// MaxConsecutiveFullFailures in a row.
func (e *Engine) recordOutcome(book store.Book, success bool) error {
	if success {
		if book.ConsecutiveFailures != 0 {
			book.ConsecutiveFailures = 0
			return e.store.UpdateMapping(book)
		}
		return nil
	}
	book.ConsecutiveFailures++
	if book.ConsecutiveFailures >= e.thresholds.MaxConsecutiveFullFailures {
		book.Status = store.StatusFailedRetryLater
	}
	return e.store.UpdateMapping(book)
}

// failCycle records a full-cycle failure (a C1 error, not a per-follower
// one) and returns the original error wrapped with book context.
func (e *Engine) failCycle(book store.Book, err error) error {
	_ = e.recordOutcome(book, false)
	return apperrors.WithBook(err, book.ID, "")
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// RunWorkerPool drains queue with a bounded number of concurrent workers,
// calling RunCycle for each dequeued book_id until ctx is cancelled. workers
// defaults to runtime.NumCPU()-equivalent by the caller; a value <= 0 runs a
// single worker.
func (e *Engine) RunWorkerPool(ctx context.Context, queue *trigger.Queue, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				bookID, ok := queue.Next(ctx)
				if !ok {
					return
				}
				if err := e.RunCycle(ctx, bookID, false); err != nil && e.logger != nil {
					e.logger.Error("sync cycle failed", map[string]interface{}{
						"book_id": bookID,
						"error":   err.Error(),
					})
				}
				queue.Done(bookID)
			}
		}()
	}
	wg.Wait()
}
