package storyteller

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

func TestIsConfigured(t *testing.T) {
	assert.False(t, New("", "", "", nil).IsConfigured())
	assert.True(t, New("http://x", "u", "p", nil).IsConfigured())
}

func TestUpdateExchangesTokenThenPutsPosition(t *testing.T) {
	var sawAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token":
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "abc123"})
		case "/api/v2/books/uuid-1/positions":
			sawAuth = r.Header.Get("Authorization")
			var body position
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 0.5, body.Progression)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := New(server.URL, "user", "pass", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "uuid-1",
		Locator: store.TextLocator{Percentage: 0.5, CFI: "epubcfi(/6/4!/4/2)"},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
	assert.Equal(t, "Bearer abc123", sawAuth)
}

func TestUpdateTreats409AsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "abc123"})
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := New(server.URL, "user", "pass", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "uuid-1",
		Locator: store.TextLocator{Percentage: 0.10},
	})
	require.NoError(t, result.Err)
	assert.True(t, result.OK)
}

func TestUpdateRejectsAudioLocator(t *testing.T) {
	c := New("http://example.com", "u", "p", nil)
	result := c.Update(context.Background(), client.UpdateRequest{
		BookID:  "uuid-1",
		Locator: store.AudioLocator{TimestampSeconds: 1},
	})
	require.Error(t, result.Err)
}
