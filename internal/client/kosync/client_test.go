package kosync

import (
	"context"
	"testing"
	"time"

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

func TestUpdateThenFetchStateRoundTrips(t *testing.T) {
	st := newTestStore(t)
	c := New(st, true)

	err := st.CreateMapping(store.Book{ID: "book-1", Title: "t"})
	require.NoError(t, err)

	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "book-1",
		Locator: store.TextLocator{Percentage: 0.42, Fragment: "/body/DocFragment[5]/body/text()[1].0"},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)

	state, found, err := c.FetchState(context.Background(), store.Book{ID: "book-1"}, store.ClientState{}, nil)
	require.NoError(t, err)
	require.True(t, found)

	text, ok := state.Locator.(store.TextLocator)
	require.True(t, ok)
	assert.Equal(t, 0.42, text.Percentage)
}

func TestDocPayloadRoundTrip(t *testing.T) {
	payload := DocPayload{
		Document:   "hash-1",
		Progress:   "/body/frag",
		Percentage: 0.55,
		Device:     "kobo",
		DeviceID:   "dev-1",
		Timestamp:  time.Now().Unix(),
	}
	locator := FromDocPayload(payload)
	state := store.ClientState{BookID: "book-1", Client: "KoReaderSync", Locator: locator, LastUpdated: time.Unix(payload.Timestamp, 0)}

	back, err := ToDocPayload("hash-1", state, "kobo", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, payload.Percentage, back.Percentage)
	assert.Equal(t, payload.Progress, back.Progress)
}

func TestNotConfiguredWhenDisabled(t *testing.T) {
	st := newTestStore(t)
	c := New(st, false)
	assert.False(t, c.IsConfigured())
}
