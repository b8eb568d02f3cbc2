// Package client defines the uniform adapter contract (C3) that every
// external service implements, plus the shared request/result shapes the
// sync cycle engine (C8) drives every adapter through.
package client

import (
	"context"

	"github.com/briarwood/readbridge/internal/store"
)

// Name is the closed set of clients the engine knows how to address.
type Name string

const (
	NameABS          Name = "ABS"
	NameBooklore     Name = "Booklore"
	NameHardcover    Name = "Hardcover"
	NameKoReaderSync Name = "KoReaderSync"
	NameStoryteller  Name = "Storyteller"
)

// UpdateRequest carries the position the engine wants a follower to adopt,
// expressed as whichever locator variant the follower understands.
type UpdateRequest struct {
	BookID  string
	Locator store.Locator
	// Force bypasses the client's own idempotence/delta gating when the
	// engine's anti-regression override is in effect.
	Force bool
}

// UpdateResult is the outcome of a write. Err, when non-nil, is always
// classifiable via apperrors.KindOf.
type UpdateResult struct {
	OK  bool
	Err error
}

// BulkContext is whatever a client's fetch_bulk returned for this cycle,
// threaded back into fetch_state so a client that amortizes N lookups into
// one call doesn't need to re-fetch per book.
type BulkContext any

// Client is the polymorphic adapter every external service implements.
// Implementations MUST NOT return an error to signal "no progress known" —
// that is the (ClientState{}, false, nil) return of FetchState.
type Client interface {
	// Name returns this client's identity.
	Name() Name

	// IsConfigured reports whether credentials are present. False means
	// the client is silently skipped in every cycle.
	IsConfigured() bool

	// FetchState returns the client's last-known position for a book, or
	// (zero, false, nil) when no progress is known. prev is the engine's
	// cached state for this client, passed so adapters that need a
	// baseline (e.g. to compute a delta themselves) don't have to query
	// the store directly.
	FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk BulkContext) (store.ClientState, bool, error)

	// FetchBulk is an optional amortization hook: clients that can fetch
	// every book's progress in one call return a BulkContext here, passed
	// into every subsequent FetchState call this cycle. Clients that have
	// no such capability return (nil, nil).
	FetchBulk(ctx context.Context) (BulkContext, error)

	// Update writes a position in the client's own coordinate system.
	Update(ctx context.Context, req UpdateRequest) UpdateResult

	// TextAt extracts a snippet of ebook text (or transcript text) at the
	// given position, used by the translator (C6) to locate the
	// equivalent position in another representation.
	TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error)
}
