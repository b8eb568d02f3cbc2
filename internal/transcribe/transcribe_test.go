package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/briarwood/readbridge/internal/align"
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

func generateWord(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26]) + string(rune('0'+i%10))
}

// scriptedTranscriber returns distinct generated words for whatever window
// it's asked about, continuing the global word index from the window's
// start time so every chunk's tokens slot into one monotonic transcript.
type scriptedTranscriber struct {
	secondsPerWord float64
	calls          []chunkWindow
	failUntilCall  int // 0 means never fail
}

func (s *scriptedTranscriber) TranscribeChunk(ctx context.Context, audioPath string, start, end time.Duration, modelHint string) ([]align.Token, error) {
	s.calls = append(s.calls, chunkWindow{start: start, end: end})
	if s.failUntilCall > 0 && len(s.calls) <= s.failUntilCall {
		return nil, fmt.Errorf("scripted transient failure")
	}

	startWord := int(start.Seconds() / s.secondsPerWord)
	endWord := int(end.Seconds() / s.secondsPerWord)
	var tokens []align.Token
	for i := startWord; i < endWord; i++ {
		tokens = append(tokens, align.Token{
			Start: float64(i) * s.secondsPerWord,
			End:   float64(i+1) * s.secondsPerWord,
			Text:  generateWord(i),
		})
	}
	return tokens, nil
}

type fakeAudioSource struct {
	downloadCalls int
}

func (f *fakeAudioSource) DownloadAudio(ctx context.Context, book store.Book, destPath string) error {
	f.downloadCalls++
	return os.WriteFile(destPath, []byte("fake audio"), 0o644)
}

type staticDocumentSource struct {
	text string
}

func (s *staticDocumentSource) FetchText(ctx context.Context, book store.Book, follower client.Name) (string, bool, error) {
	if s.text == "" {
		return "", false, nil
	}
	return s.text, true, nil
}

func wholeEbookText(totalWords int) string {
	words := make([]string, totalWords)
	for i := range words {
		words[i] = generateWord(i)
	}
	return strings.Join(words, " ")
}

func TestRunBuildsAlignmentFromChunks(t *testing.T) {
	st := newTestStore(t)
	book := store.Book{ID: "book-1", Status: store.StatusActive, DurationSeconds: 24}
	require.NoError(t, st.CreateMapping(book))

	transcriber := &scriptedTranscriber{secondsPerWord: 0.4}
	audio := &fakeAudioSource{}
	documents := &staticDocumentSource{text: wholeEbookText(60)}

	dir := t.TempDir()
	cfg := Config{
		ChunkDuration:  12 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		AudioCacheDir:  filepath.Join(dir, "audio"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		AlignmentsDir:  filepath.Join(dir, "alignments"),
	}
	m := New(st, transcriber, audio, documents, cfg, nil)

	require.NoError(t, m.Run(context.Background(), "book-1"))

	assert.Equal(t, 1, audio.downloadCalls)
	assert.Len(t, transcriber.calls, 2) // 24s / 12s chunks

	job, found, err := st.LoadJob("book-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.JobStateDone, job.State)
	assert.ElementsMatch(t, []int{0, 1}, job.CompletedChunks)

	updated, found, err := st.LoadMapping("book-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, updated.AlignmentPath)

	alignment, found, err := m.Alignment(context.Background(), updated)
	require.NoError(t, err)
	require.True(t, found)
	assert.GreaterOrEqual(t, len(alignment.Anchors()), align.MinAnchors)
}

func TestRunSkipsChunksAlreadyOnDisk(t *testing.T) {
	st := newTestStore(t)
	book := store.Book{ID: "book-1", Status: store.StatusActive, DurationSeconds: 24}
	require.NoError(t, st.CreateMapping(book))

	dir := t.TempDir()
	transcriptsDir := filepath.Join(dir, "transcripts", "book-1")
	require.NoError(t, os.MkdirAll(transcriptsDir, 0o755))

	var preTokens []align.Token
	for i := 0; i < 30; i++ {
		preTokens = append(preTokens, align.Token{Start: float64(i) * 0.4, End: float64(i+1) * 0.4, Text: generateWord(i)})
	}
	require.NoError(t, writeChunk(filepath.Join(transcriptsDir, "chunk-0.json"), preTokens))

	require.NoError(t, st.SaveJob(store.Job{BookID: "book-1", State: store.JobStateRunning, CompletedChunks: []int{0}}))

	transcriber := &scriptedTranscriber{secondsPerWord: 0.4}
	audio := &fakeAudioSource{}
	documents := &staticDocumentSource{text: wholeEbookText(60)}

	cfg := Config{
		ChunkDuration:  12 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		AudioCacheDir:  filepath.Join(dir, "audio"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		AlignmentsDir:  filepath.Join(dir, "alignments"),
	}
	m := New(st, transcriber, audio, documents, cfg, nil)

	require.NoError(t, m.Run(context.Background(), "book-1"))

	assert.Len(t, transcriber.calls, 1, "chunk 0 was already on disk and should not be re-transcribed")
}

func TestRunMarksJobAndBookFailedAfterRetriesExhausted(t *testing.T) {
	st := newTestStore(t)
	book := store.Book{ID: "book-1", Status: store.StatusActive, DurationSeconds: 24}
	require.NoError(t, st.CreateMapping(book))

	transcriber := &scriptedTranscriber{secondsPerWord: 0.4, failUntilCall: 1000}
	audio := &fakeAudioSource{}
	documents := &staticDocumentSource{text: wholeEbookText(60)}

	originalDelay := innerDelay
	innerDelay = time.Millisecond
	t.Cleanup(func() { innerDelay = originalDelay })

	dir := t.TempDir()
	cfg := Config{
		ChunkDuration:  12 * time.Second,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		AudioCacheDir:  filepath.Join(dir, "audio"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		AlignmentsDir:  filepath.Join(dir, "alignments"),
	}
	m := New(st, transcriber, audio, documents, cfg, nil)

	require.Error(t, m.Run(context.Background(), "book-1"))

	job, found, err := st.LoadJob("book-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.JobStateFailedRetryLater, job.State)
	assert.NotEmpty(t, job.LastError)

	updated, found, err := st.LoadMapping("book-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.StatusFailedRetryLater, updated.Status)
}

func TestRunIsNoopWhenJobAlreadyDone(t *testing.T) {
	st := newTestStore(t)
	book := store.Book{ID: "book-1", Status: store.StatusActive, DurationSeconds: 24}
	require.NoError(t, st.CreateMapping(book))
	require.NoError(t, st.SaveJob(store.Job{BookID: "book-1", State: store.JobStateDone}))

	transcriber := &scriptedTranscriber{secondsPerWord: 0.4}
	audio := &fakeAudioSource{}
	documents := &staticDocumentSource{}

	dir := t.TempDir()
	cfg := Config{
		AudioCacheDir:  filepath.Join(dir, "audio"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		AlignmentsDir:  filepath.Join(dir, "alignments"),
	}
	m := New(st, transcriber, audio, documents, cfg, nil)

	require.NoError(t, m.Run(context.Background(), "book-1"))
	assert.Empty(t, transcriber.calls)
	assert.Equal(t, 0, audio.downloadCalls)
}

func TestRunFailsFastWithNoTranscriberConfigured(t *testing.T) {
	st := newTestStore(t)
	book := store.Book{ID: "book-1", Status: store.StatusActive, DurationSeconds: 24}
	require.NoError(t, st.CreateMapping(book))

	audio := &fakeAudioSource{}
	documents := &staticDocumentSource{}

	dir := t.TempDir()
	cfg := Config{
		AudioCacheDir:  filepath.Join(dir, "audio"),
		TranscriptsDir: filepath.Join(dir, "transcripts"),
		AlignmentsDir:  filepath.Join(dir, "alignments"),
	}
	m := New(st, nil, audio, documents, cfg, nil)

	err := m.Run(context.Background(), "book-1")
	require.Error(t, err)
	assert.Equal(t, 0, audio.downloadCalls)
}
