package hardcover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, "file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// gqlRequest is the wire shape hasura/go-graphql-client POSTs for every
// operation; tests dispatch on a substring of the query text since that's
// the only thing distinguishing operations in the request body.
type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

// newTestClient wires a Client directly to server, bypassing the hardcoded
// production graphqlEndpoint.
func newTestClient(server *httptest.Server, st *store.Store) *Client {
	tr := &transport{
		token:      "tok",
		limiter:    client.NewRateLimiter(client.DefaultRate, client.DefaultBurst, nil),
		maxRetries: 1,
		retryDelay: time.Millisecond,
	}
	tr.gql = graphql.NewClient(server.URL, server.Client())
	return &Client{
		transport:   tr,
		store:       st,
		userBookIDs: make(map[string]userBookEntry),
	}
}

func TestFetchStateAlwaysAbsent(t *testing.T) {
	c := New("tok", nil, nil)
	state, found, err := c.FetchState(context.Background(), store.Book{ID: "b1"}, store.ClientState{}, nil)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, state)
}

func TestUpdateSkipsBelowMinimumDelta(t *testing.T) {
	st := newTestStore(t)
	c := New("tok", st, nil)

	require.NoError(t, c.writeCursor("edition-1", 0.50))

	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "edition-1",
		Locator: store.TextLocator{Percentage: 0.505},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
}

func TestUpdateRejectsLocatorWithoutNormalizedPercentage(t *testing.T) {
	c := New("tok", nil, nil)
	duration := -1.0
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "edition-1",
		Locator: store.AudioLocator{TimestampSeconds: 10, DurationSeconds: &duration},
	})
	require.Error(t, result.Err)
}

func TestNotConfiguredWithoutToken(t *testing.T) {
	c := New("", nil, nil)
	assert.False(t, c.IsConfigured())
	result := c.Update(context.Background(), client.UpdateRequest{BookID: "edition-1", Locator: store.TextLocator{Percentage: 0.10}})
	require.Error(t, result.Err)
}

// TestUpdateWritesProgressSecondsViaInsert exercises the full mutation
// sequence when no user_book_read exists yet for the edition: Update must
// call insert_user_book_read with a progress_seconds derived from the
// edition's audio_seconds, not just flip user_books.status_id.
func TestUpdateWritesProgressSecondsViaInsert(t *testing.T) {
	st := newTestStore(t)

	var insertedSeconds int
	var insertCalled, statusCalled bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case contains(req.Query, "GetCurrentUserID"):
			_, _ = w.Write([]byte(`{"data":{"me":[{"id":7}]}}`))
		case contains(req.Query, "GetUserBookByEdition"):
			_, _ = w.Write([]byte(`{"data":{"user_books":[{"id":42,"edition":{"audio_seconds":36000}}]}}`))
		case contains(req.Query, "CheckUserBookRead"):
			_, _ = w.Write([]byte(`{"data":{"user_book_reads":[]}}`))
		case contains(req.Query, "CheckExistingFinishedRead"):
			_, _ = w.Write([]byte(`{"data":{"user_book_reads":[]}}`))
		case contains(req.Query, "InsertUserBookRead"):
			insertCalled = true
			read, _ := req.Variables["user_book_read"].(map[string]interface{})
			if seconds, ok := read["progress_seconds"].(float64); ok {
				insertedSeconds = int(seconds)
			}
			_, _ = w.Write([]byte(`{"data":{"insert_user_book_read":{"id":99,"error":null}}}`))
		case contains(req.Query, "UpdateUserBookStatus"):
			statusCalled = true
			_, _ = w.Write([]byte(`{"data":{"update_user_book":{"id":42,"error":null}}}`))
		default:
			t.Fatalf("unhandled graphql operation: %s", req.Query)
		}
	}))
	defer server.Close()

	c := newTestClient(server, st)

	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "501",
		Locator: store.TextLocator{Percentage: 0.50},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.True(t, insertCalled, "expected insert_user_book_read to be called")
	assert.True(t, statusCalled, "expected update_user_book_status to still run")
	assert.Equal(t, 18000, insertedSeconds, "progress_seconds should be percentage * audio_seconds")
}

// TestUpdateWritesProgressSecondsViaUpdate exercises the update path when an
// unfinished user_book_read already exists: Update must call
// update_user_book_read with the new position rather than inserting a
// duplicate session.
func TestUpdateWritesProgressSecondsViaUpdate(t *testing.T) {
	st := newTestStore(t)

	var updatedSeconds int
	var updateCalled bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case contains(req.Query, "GetCurrentUserID"):
			_, _ = w.Write([]byte(`{"data":{"me":[{"id":7}]}}`))
		case contains(req.Query, "GetUserBookByEdition"):
			_, _ = w.Write([]byte(`{"data":{"user_books":[{"id":42,"edition":{"audio_seconds":36000}}]}}`))
		case contains(req.Query, "CheckUserBookRead"):
			_, _ = w.Write([]byte(`{"data":{"user_book_reads":[{"id":55,"progress_seconds":9000}]}}`))
		case contains(req.Query, "UpdateUserBookRead"):
			updateCalled = true
			object, _ := req.Variables["object"].(map[string]interface{})
			if seconds, ok := object["progress_seconds"].(float64); ok {
				updatedSeconds = int(seconds)
			}
			_, _ = w.Write([]byte(`{"data":{"update_user_book_read":{"id":55,"error":null}}}`))
		case contains(req.Query, "UpdateUserBookStatus"):
			_, _ = w.Write([]byte(`{"data":{"update_user_book":{"id":42,"error":null}}}`))
		default:
			t.Fatalf("unhandled graphql operation: %s", req.Query)
		}
	}))
	defer server.Close()

	c := newTestClient(server, st)

	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "501",
		Locator: store.TextLocator{Percentage: 0.60},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.True(t, updateCalled, "expected update_user_book_read to be called")
	assert.Equal(t, 21600, updatedSeconds, "progress_seconds should advance to the new percentage")
}

// TestUpdateSkipsProgressWriteWithoutAudioSeconds covers an edition Hardcover
// has no duration for: the seconds-based position write is skipped, but the
// status transition still happens.
func TestUpdateSkipsProgressWriteWithoutAudioSeconds(t *testing.T) {
	st := newTestStore(t)

	var progressOpsCalled, statusCalled bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case contains(req.Query, "GetCurrentUserID"):
			_, _ = w.Write([]byte(`{"data":{"me":[{"id":7}]}}`))
		case contains(req.Query, "GetUserBookByEdition"):
			_, _ = w.Write([]byte(`{"data":{"user_books":[{"id":42,"edition":{"audio_seconds":0}}]}}`))
		case contains(req.Query, "UserBookRead"):
			progressOpsCalled = true
			_, _ = w.Write([]byte(`{"data":{}}`))
		case contains(req.Query, "UpdateUserBookStatus"):
			statusCalled = true
			_, _ = w.Write([]byte(`{"data":{"update_user_book":{"id":42,"error":null}}}`))
		default:
			t.Fatalf("unhandled graphql operation: %s", req.Query)
		}
	}))
	defer server.Close()

	c := newTestClient(server, st)

	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "501",
		Locator: store.TextLocator{Percentage: 0.40},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.False(t, progressOpsCalled, "no audio_seconds means no seconds-based position to write")
	assert.True(t, statusCalled)
}
