// Package hardcover adapts the Hardcover GraphQL API to the C3 Client
// contract as a write-only progress tracker: it never reports its own
// progress back to the engine, but needs a persisted cursor of its own to
// delta-gate writes, slimmed from the teacher's 2700-line GraphQL client down
// to the handful of operations progress sync actually uses -- including the
// user_book_reads.progress_seconds mutations that carry the actual reading
// position, not just the user_books.status_id want/reading/read enum.
package hardcover

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

// MinDeltaPercent is the smallest progress change (in either direction)
// worth writing,
// matching spec's "delta-gated (1% minimum)" write-only tracker behavior.
// Expressed as a fraction of total progress, matching store's percentage
// scale.
const MinDeltaPercent = 0.01

// statusNameToID mirrors the teacher's status_id mapping for user_books.
var statusNameToID = map[string]int{
	"WANT_TO_READ":      1,
	"CURRENTLY_READING": 2,
	"READ":              3,
}

// userBookEntry caches what userBookIDFor resolved for one edition: the
// user_book row id and that edition's audio_seconds, used to convert a
// normalized percentage into the progress_seconds a user_book_read expects.
type userBookEntry struct {
	id           int
	audioSeconds int
}

// Client adapts Hardcover's GraphQL API to the Client contract.
type Client struct {
	transport *transport
	store     *store.Store
	logger    *logger.Logger

	mu      sync.Mutex
	userID  int
	hasUser bool

	userBookIDMu sync.Mutex
	userBookIDs  map[string]userBookEntry // editionID -> user_book/edition info
}

// New constructs a Hardcover adapter. st is used only to persist this
// client's own last-written-percentage cursor (spec's resolved delta-gating
// approach); it is never consulted for any other client's state.
func New(token string, st *store.Store, log *logger.Logger) *Client {
	if log != nil {
		log = log.WithClient(string(client.NameHardcover))
	}
	return &Client{
		transport:   newTransport(token, log),
		store:       st,
		logger:      log,
		userBookIDs: make(map[string]userBookEntry),
	}
}

var _ client.Client = (*Client)(nil)

func (c *Client) Name() client.Name { return client.NameHardcover }

func (c *Client) IsConfigured() bool { return c.transport.token != "" }

// FetchBulk is unused: Hardcover has no amortized progress listing relevant
// to this adapter's write-only role.
func (c *Client) FetchBulk(ctx context.Context) (client.BulkContext, error) {
	return nil, nil
}

// FetchState always reports absent: Hardcover is a write-only tracker, never
// a source of truth the engine reads progress from.
func (c *Client) FetchState(ctx context.Context, book store.Book, prev store.ClientState, bulk client.BulkContext) (store.ClientState, bool, error) {
	return store.ClientState{}, false, nil
}

func (c *Client) TextAt(ctx context.Context, book store.Book, state store.ClientState) (string, error) {
	return "", apperrors.New(apperrors.NotFound, fmt.Errorf("hardcover client has no text representation"))
}

func (c *Client) Update(ctx context.Context, req client.UpdateRequest) client.UpdateResult {
	if !c.IsConfigured() {
		return client.UpdateResult{Err: apperrors.New(apperrors.NotConfigured, fmt.Errorf("hardcover client not configured"))}
	}

	percentage, ok := normalizedPercentage(req.Locator)
	if !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover update requires a locator with a normalized percentage"))}
	}

	if !req.Force {
		if cursor, found, err := c.readCursor(req.BookID); err != nil {
			return client.UpdateResult{Err: err}
		} else if found {
			if delta := percentage - cursor; delta < MinDeltaPercent && delta > -MinDeltaPercent {
				return client.UpdateResult{OK: true}
			}
		}
	}

	editionIDStr, ok := editionIDFor(req)
	if !ok {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover book has no edition external id"))}
	}
	editionID, err := strconv.Atoi(editionIDStr)
	if err != nil {
		return client.UpdateResult{Err: apperrors.New(apperrors.InvalidData, err)}
	}

	entry, err := c.userBookIDFor(ctx, editionID)
	if err != nil {
		return client.UpdateResult{Err: err}
	}

	finished := percentage >= 0.995
	if err := c.syncUserBookRead(ctx, entry, percentage, finished); err != nil {
		return client.UpdateResult{Err: err}
	}

	status := "CURRENTLY_READING"
	if finished {
		status = "READ"
	}
	if err := c.updateUserBookStatus(ctx, entry.id, status); err != nil {
		return client.UpdateResult{Err: err}
	}

	if err := c.writeCursor(req.BookID, percentage); err != nil {
		return client.UpdateResult{Err: err}
	}

	return client.UpdateResult{OK: true}
}

// syncUserBookRead carries the actual reading position to Hardcover via
// user_book_reads.progress_seconds, mirroring the teacher's
// checkExistingUserBookRead / checkExistingFinishedRead / insertUserBookRead
// flow: updateUserBookStatus alone only ever moves the coarse want/reading/
// read enum and never records where in the book the reader actually is.
func (c *Client) syncUserBookRead(ctx context.Context, entry userBookEntry, percentage float64, finished bool) error {
	if entry.audioSeconds <= 0 {
		// No edition duration to express a seconds-based position against;
		// updateUserBookStatus still carries the coarse want/reading/read
		// transition for this edition.
		return nil
	}
	progressSeconds := progressSecondsFor(percentage, entry.audioSeconds)
	if progressSeconds < 1 {
		progressSeconds = 1
	}

	existingID, existingSeconds, found, err := c.checkExistingUserBookRead(ctx, entry.id)
	if err != nil {
		return err
	}

	if found {
		if existingSeconds == progressSeconds {
			return nil
		}
		return c.updateUserBookReadProgress(ctx, existingID, progressSeconds, finished)
	}

	if finished {
		hasFinished, err := c.checkExistingFinishedRead(ctx, entry.id)
		if err != nil {
			return err
		}
		if hasFinished {
			// Already has a finished read on record; don't create a duplicate.
			return nil
		}
	}

	return c.insertUserBookRead(ctx, entry.id, progressSeconds, finished)
}

// progressSecondsFor converts a normalized [0,1] percentage into the seconds
// offset Hardcover's audiobook reading_format expects, using the edition's
// own audio_seconds when known.
func progressSecondsFor(percentage float64, audioSeconds int) int {
	if audioSeconds <= 0 {
		return 0
	}
	return int(percentage*float64(audioSeconds) + 0.5)
}

// editionIDFor reads the Hardcover edition external id carried alongside the
// update request; the engine is responsible for resolving book.ExternalIDs
// before calling Update, so this only re-derives it from what's available.
func editionIDFor(req client.UpdateRequest) (string, bool) {
	// The engine threads the book's Hardcover external id through BookID
	// when addressing this client, matching the teacher's edition-id
	// keyed lookups (GetUserBookID, CreateUserBook).
	if req.BookID == "" {
		return "", false
	}
	return req.BookID, true
}

func normalizedPercentage(loc store.Locator) (float64, bool) {
	switch v := loc.(type) {
	case store.AudioLocator:
		if v.DurationSeconds == nil || *v.DurationSeconds <= 0 {
			return 0, false
		}
		return v.TimestampSeconds / *v.DurationSeconds, true
	case store.TextLocator:
		return v.Percentage, true
	default:
		return 0, false
	}
}

func (c *Client) readCursor(bookID string) (float64, bool, error) {
	if c.store == nil {
		return 0, false, nil
	}
	state, found, err := c.store.ReadState(bookID, string(client.NameHardcover))
	if err != nil {
		return 0, false, apperrors.New(apperrors.Transient, err)
	}
	if !found {
		return 0, false, nil
	}
	pct, ok := normalizedPercentage(state.Locator)
	return pct, ok, nil
}

func (c *Client) writeCursor(bookID string, percentage float64) error {
	if c.store == nil {
		return nil
	}
	state := store.ClientState{
		BookID: bookID,
		Client: string(client.NameHardcover),
		Locator: store.TextLocator{
			Percentage: percentage,
		},
	}
	if err := c.store.WriteState(state); err != nil {
		return apperrors.New(apperrors.Transient, err)
	}
	return nil
}

func (c *Client) currentUserID(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.hasUser {
		id := c.userID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	const query = `
	query GetCurrentUserID {
	  me {
	    id
	  }
	}`
	var resp struct {
		Me []struct {
			ID int `json:"id"`
		} `json:"me"`
	}
	if err := c.transport.execute(ctx, query, nil, &resp); err != nil {
		return 0, err
	}
	if len(resp.Me) == 0 || resp.Me[0].ID == 0 {
		return 0, apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover returned no current user"))
	}

	c.mu.Lock()
	c.userID = resp.Me[0].ID
	c.hasUser = true
	c.mu.Unlock()
	return resp.Me[0].ID, nil
}

func (c *Client) userBookIDFor(ctx context.Context, editionID int) (userBookEntry, error) {
	key := strconv.Itoa(editionID)
	c.userBookIDMu.Lock()
	if entry, ok := c.userBookIDs[key]; ok {
		c.userBookIDMu.Unlock()
		return entry, nil
	}
	c.userBookIDMu.Unlock()

	userID, err := c.currentUserID(ctx)
	if err != nil {
		return userBookEntry{}, err
	}

	const query = `
	query GetUserBookByEdition($editionId: Int!, $userId: Int!) {
	  user_books(
	    where: { edition_id: {_eq: $editionId}, user_id: {_eq: $userId} }
	    limit: 1
	  ) {
	    id
	    edition {
	      audio_seconds
	    }
	  }
	}`
	var resp struct {
		UserBooks []struct {
			ID      int `json:"id"`
			Edition struct {
				AudioSeconds int `json:"audio_seconds"`
			} `json:"edition"`
		} `json:"user_books"`
	}
	if err := c.transport.execute(ctx, query, map[string]interface{}{
		"editionId": editionID,
		"userId":    userID,
	}, &resp); err != nil {
		return userBookEntry{}, err
	}

	var entry userBookEntry
	if len(resp.UserBooks) > 0 {
		entry = userBookEntry{id: resp.UserBooks[0].ID, audioSeconds: resp.UserBooks[0].Edition.AudioSeconds}
	} else {
		created, err := c.createUserBook(ctx, editionID, "CURRENTLY_READING")
		if err != nil {
			return userBookEntry{}, err
		}
		entry = created
	}

	c.userBookIDMu.Lock()
	c.userBookIDs[key] = entry
	c.userBookIDMu.Unlock()
	return entry, nil
}

func (c *Client) createUserBook(ctx context.Context, editionID int, status string) (userBookEntry, error) {
	statusID, ok := statusNameToID[status]
	if !ok {
		return userBookEntry{}, apperrors.New(apperrors.InvalidData, fmt.Errorf("invalid hardcover status %q", status))
	}

	const mutation = `
	mutation InsertUserBook($object: UserBookCreateInput!) {
	  insert_user_book(object: $object) {
	    id
	    error
	    user_book {
	      edition {
	        audio_seconds
	      }
	    }
	  }
	}`
	var resp struct {
		InsertUserBook struct {
			ID       int     `json:"id"`
			Error    *string `json:"error"`
			UserBook struct {
				Edition struct {
					AudioSeconds int `json:"audio_seconds"`
				} `json:"edition"`
			} `json:"user_book"`
		} `json:"insert_user_book"`
	}
	if err := c.transport.execute(ctx, mutation, map[string]interface{}{
		"object": map[string]interface{}{
			"edition_id": editionID,
			"status_id":  statusID,
		},
	}, &resp); err != nil {
		return userBookEntry{}, err
	}
	if resp.InsertUserBook.Error != nil {
		return userBookEntry{}, apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover insert_user_book: %s", *resp.InsertUserBook.Error))
	}
	return userBookEntry{id: resp.InsertUserBook.ID, audioSeconds: resp.InsertUserBook.UserBook.Edition.AudioSeconds}, nil
}

// checkExistingUserBookRead finds the most recent unfinished user_book_read
// for userBookID, matching the teacher's checkExistingUserBookRead query
// (scoped to the calling user rather than a username filter, since this
// adapter only ever acts on its own token's account).
func (c *Client) checkExistingUserBookRead(ctx context.Context, userBookID int) (id int, progressSeconds int, found bool, err error) {
	userID, err := c.currentUserID(ctx)
	if err != nil {
		return 0, 0, false, err
	}

	const query = `
	query CheckUserBookRead($userBookId: Int!, $userId: Int!) {
	  user_book_reads(
	    where: {
	      user_book_id: { _eq: $userBookId }
	      finished_at: { _is_null: true }
	      user_book: { user_id: { _eq: $userId } }
	    }
	    order_by: { id: desc }
	    limit: 1
	  ) {
	    id
	    progress_seconds
	  }
	}`
	var resp struct {
		UserBookReads []struct {
			ID              int  `json:"id"`
			ProgressSeconds *int `json:"progress_seconds"`
		} `json:"user_book_reads"`
	}
	if err := c.transport.execute(ctx, query, map[string]interface{}{
		"userBookId": userBookID,
		"userId":     userID,
	}, &resp); err != nil {
		return 0, 0, false, err
	}
	if len(resp.UserBookReads) == 0 {
		return 0, 0, false, nil
	}

	read := resp.UserBookReads[0]
	seconds := 0
	if read.ProgressSeconds != nil {
		seconds = *read.ProgressSeconds
	}
	return read.ID, seconds, true, nil
}

// checkExistingFinishedRead reports whether any finished user_book_read
// already exists for userBookID, matching the teacher's
// checkExistingFinishedRead guard against duplicate finished reads.
func (c *Client) checkExistingFinishedRead(ctx context.Context, userBookID int) (bool, error) {
	const query = `
	query CheckExistingFinishedRead($userBookId: Int!) {
	  user_book_reads(
	    where: { user_book_id: { _eq: $userBookId }, finished_at: { _is_null: false } }
	    order_by: { finished_at: desc }
	    limit: 1
	  ) {
	    id
	  }
	}`
	var resp struct {
		UserBookReads []struct {
			ID int `json:"id"`
		} `json:"user_book_reads"`
	}
	if err := c.transport.execute(ctx, query, map[string]interface{}{
		"userBookId": userBookID,
	}, &resp); err != nil {
		return false, err
	}
	return len(resp.UserBookReads) > 0, nil
}

// insertUserBookRead records a new reading session, matching the teacher's
// insert_user_book_read mutation.
func (c *Client) insertUserBookRead(ctx context.Context, userBookID, progressSeconds int, finished bool) error {
	read := map[string]interface{}{
		"progress_seconds":  progressSeconds,
		"reading_format_id": 2, // audiobook
		"started_at":        time.Now().Format("2006-01-02"),
	}
	if finished {
		read["finished_at"] = time.Now().Format("2006-01-02")
	}

	const mutation = `
	mutation InsertUserBookRead($user_book_id: Int!, $user_book_read: DatesReadInput!) {
	  insert_user_book_read(user_book_id: $user_book_id, user_book_read: $user_book_read) {
	    id
	    error
	  }
	}`
	var resp struct {
		InsertUserBookRead struct {
			ID    int     `json:"id"`
			Error *string `json:"error"`
		} `json:"insert_user_book_read"`
	}
	if err := c.transport.execute(ctx, mutation, map[string]interface{}{
		"user_book_id":   userBookID,
		"user_book_read": read,
	}, &resp); err != nil {
		return err
	}
	if resp.InsertUserBookRead.Error != nil {
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover insert_user_book_read: %s", *resp.InsertUserBookRead.Error))
	}
	return nil
}

// updateUserBookReadProgress advances an existing reading session's position,
// matching the teacher's update_user_book_read mutation.
func (c *Client) updateUserBookReadProgress(ctx context.Context, readID, progressSeconds int, finished bool) error {
	object := map[string]interface{}{
		"progress_seconds": progressSeconds,
	}
	if finished {
		object["finished_at"] = time.Now().Format("2006-01-02")
	}

	const mutation = `
	mutation UpdateUserBookRead($id: Int!, $object: DatesReadInput!) {
	  update_user_book_read(id: $id, object: $object) {
	    id
	    error
	  }
	}`
	var resp struct {
		UpdateUserBookRead struct {
			ID    int     `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book_read"`
	}
	if err := c.transport.execute(ctx, mutation, map[string]interface{}{
		"id":     readID,
		"object": object,
	}, &resp); err != nil {
		return err
	}
	if resp.UpdateUserBookRead.Error != nil {
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover update_user_book_read: %s", *resp.UpdateUserBookRead.Error))
	}
	return nil
}

func (c *Client) updateUserBookStatus(ctx context.Context, userBookID int, status string) error {
	statusID, ok := statusNameToID[status]
	if !ok {
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("invalid hardcover status %q", status))
	}

	const mutation = `
	mutation UpdateUserBookStatus($id: Int!, $status_id: Int!) {
	  update_user_book(id: $id, object: { status_id: $status_id }) {
	    id
	    error
	  }
	}`
	var resp struct {
		UpdateUserBook struct {
			ID    int     `json:"id"`
			Error *string `json:"error"`
		} `json:"update_user_book"`
	}
	if err := c.transport.execute(ctx, mutation, map[string]interface{}{
		"id":        userBookID,
		"status_id": statusID,
	}, &resp); err != nil {
		return err
	}
	if resp.UpdateUserBook.Error != nil {
		return apperrors.New(apperrors.InvalidData, fmt.Errorf("hardcover update_user_book: %s", *resp.UpdateUserBook.Error))
	}
	return nil
}
