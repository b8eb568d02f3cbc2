package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, "file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMappingLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadMapping("book-1")
	require.NoError(t, err)
	assert.False(t, ok, "unknown mapping should be absent, not an error")

	require.NoError(t, s.CreateMapping(Book{
		ID:              "book-1",
		Title:           "The Fellowship of the Ring",
		Author:          "J.R.R. Tolkien",
		SyncMode:        SyncModeAudiobook,
		DurationSeconds: 36000,
		ExternalIDs:     map[string]string{"booklore": "42"},
	}))

	b, ok, err := s.LoadMapping("book-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusPending, b.Status, "new mapping defaults to pending")
	assert.Equal(t, "42", b.ExternalIDs["booklore"])

	b.Status = StatusActive
	require.NoError(t, s.UpdateMapping(b))

	active, err := s.ListActiveMappings()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "book-1", active[0].ID)

	require.NoError(t, s.WriteState(ClientState{
		BookID:      "book-1",
		Client:      "abs",
		LastUpdated: time.Now(),
		Locator:     AudioLocator{TimestampSeconds: 55},
	}))

	require.NoError(t, s.DeleteMapping("book-1"))

	_, ok, err = s.LoadMapping("book-1")
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := s.ListStates("book-1")
	require.NoError(t, err)
	assert.Empty(t, states, "delete must cascade-purge client states")
}

func TestClientStateRoundTripsAudioAndTextLocators(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.WriteState(ClientState{
		BookID:      "book-2",
		Client:      "abs",
		LastUpdated: now,
		Locator:     AudioLocator{TimestampSeconds: 123.5},
	}))

	require.NoError(t, s.WriteState(ClientState{
		BookID:      "book-2",
		Client:      "kosync",
		LastUpdated: now,
		Locator: TextLocator{
			Percentage: 0.42,
			XPath:      "/body/DocFragment[1]/body/p[3]",
			CFI:        "epubcfi(/6/4!/4/10)",
		},
	}))

	audioState, ok, err := s.ReadState("book-2", "abs")
	require.NoError(t, err)
	require.True(t, ok)
	audioLoc, isAudio := audioState.Locator.(AudioLocator)
	require.True(t, isAudio)
	assert.Equal(t, 123.5, audioLoc.TimestampSeconds)

	textState, ok, err := s.ReadState("book-2", "kosync")
	require.NoError(t, err)
	require.True(t, ok)
	textLoc, isText := textState.Locator.(TextLocator)
	require.True(t, isText)
	assert.Equal(t, 0.42, textLoc.Percentage)
	assert.Equal(t, "epubcfi(/6/4!/4/10)", textLoc.CFI)

	pct, ok := audioState.NormalizedPercentage(247)
	require.True(t, ok)
	assert.InDelta(t, 0.5, pct, 0.001)
}

func TestResetStateDoesNotTouchMappingStatus(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateMapping(Book{ID: "book-3", Status: StatusActive}))
	require.NoError(t, s.WriteState(ClientState{
		BookID:      "book-3",
		Client:      "abs",
		LastUpdated: time.Now(),
		Locator:     AudioLocator{TimestampSeconds: 10},
	}))

	require.NoError(t, s.ResetState("book-3"))

	states, err := s.ListStates("book-3")
	require.NoError(t, err)
	assert.Empty(t, states)

	b, ok, err := s.LoadMapping("book-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusActive, b.Status)
}

func TestJobResumability(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadJob("book-4")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveJob(Job{
		BookID:          "book-4",
		State:           JobStateRunning,
		CompletedChunks: []int{0, 1, 2},
	}))

	j, ok, err := s.LoadJob("book-4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, j.CompletedChunks)
	assert.Equal(t, JobStateRunning, j.State)
}

func TestSuggestionsAreNotActedOnAutomatically(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordSuggestion(Suggestion{
		SourceClient:    "booklore",
		ExternalID:      "lib-item-99",
		CandidateBookID: "book-5",
		Confidence:      0.81,
	}))

	pending, err := s.ListSuggestions()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "book-5", pending[0].CandidateBookID)

	require.NoError(t, s.DismissSuggestion(pending[0].ID))

	pending, err = s.ListSuggestions()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
