package booklore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStateReturnsAbsentOn404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	book := store.Book{ID: "b1", ExternalIDs: map[string]string{"booklore": "item-1"}}
	state, found, err := c.FetchState(context.Background(), book, store.ClientState{}, nil)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, state)
}

func TestFetchStateParsesLocator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/books/item-1/progress", r.URL.Path)
		_ = json.NewEncoder(w).Encode(progressPayload{Percentage: 0.33, XPath: "/html/body/p[2]"})
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	book := store.Book{ID: "b1", ExternalIDs: map[string]string{"booklore": "item-1"}}
	state, found, err := c.FetchState(context.Background(), book, store.ClientState{}, nil)
	require.NoError(t, err)
	require.True(t, found)

	text, ok := state.Locator.(store.TextLocator)
	require.True(t, ok)
	assert.Equal(t, 0.33, text.Percentage)
	assert.Equal(t, "/html/body/p[2]", text.XPath)
}

func TestUpdateWritesLocator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body progressPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 0.77, body.Percentage)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "item-1",
		Locator: store.TextLocator{Percentage: 0.77},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
}
