package abs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConfigured(t *testing.T) {
	assert.False(t, New("", "", nil).IsConfigured())
	assert.False(t, New("http://x", "", nil).IsConfigured())
	assert.True(t, New("http://x", "tok", nil).IsConfigured())
}

func TestFetchStateReturnsAbsentWithoutExternalID(t *testing.T) {
	c := New("http://example.com", "tok", nil)
	state, found, err := c.FetchState(context.Background(), store.Book{ID: "b1"}, store.ClientState{}, nil)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, state)
}

func TestFetchStateUsesBulkContextWhenAvailable(t *testing.T) {
	c := New("http://example.com", "tok", nil)
	bulk := bulkState{
		"item-1": {ItemID: "item-1", CurrentTime: 120.5, Duration: 3600, LastUpdate: time.Now().UnixMilli()},
	}

	book := store.Book{ID: "b1", ExternalIDs: map[string]string{"abs": "item-1"}}
	state, found, err := c.FetchState(context.Background(), book, store.ClientState{}, bulk)
	require.NoError(t, err)
	require.True(t, found)

	audio, ok := state.Locator.(store.AudioLocator)
	require.True(t, ok)
	assert.Equal(t, 120.5, audio.TimestampSeconds)
	require.NotNil(t, audio.DurationSeconds)
	assert.Equal(t, 3600.0, *audio.DurationSeconds)
}

func TestFetchBulkParsesMediaProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(userProgress{
			MediaProgress: []MediaProgress{{ItemID: "item-1", CurrentTime: 10, Duration: 100}},
		})
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	bulk, err := c.FetchBulk(context.Background())
	require.NoError(t, err)

	typed, ok := bulk.(bulkState)
	require.True(t, ok)
	assert.Contains(t, typed, "item-1")
}

func TestUpdateRejectsNonAudioLocator(t *testing.T) {
	c := New("http://example.com", "tok", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "item-1",
		Locator: store.TextLocator{Percentage: 50},
	})
	require.Error(t, result.Err)
	assert.False(t, result.OK)
}

func TestUpdatePostsCurrentTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/me/progress/item-1", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 42.0, body["currentTime"])
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	duration := 100.0
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "item-1",
		Locator: store.AudioLocator{TimestampSeconds: 42, DurationSeconds: &duration},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
}

func TestUpdateTreatsConflictAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := New(server.URL, "tok", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "item-1",
		Locator: store.AudioLocator{TimestampSeconds: 1},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
}
