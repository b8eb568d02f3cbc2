// Package transcribe implements the transcription job manager (C9): running
// chunked, resumable transcription for a book's audio and, once every chunk
// is in hand, invoking the alignment builder (C4) and persisting the result
// so the engine can translate between audio and text coordinates.
//
// The chunk/retry/resume shape follows the teacher's internal/sync.Service
// retry bookkeeping (RetryCount/LastError/LastAttempt on a persisted job
// row) generalized from one continuous sync loop to independent, restartable
// chunk attempts, the way jatniel-synthezia's live transcription service
// tracks per-chunk progress on a session object.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/briarwood/readbridge/internal/align"
	"github.com/briarwood/readbridge/internal/apperrors"
	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/engine"
	"github.com/briarwood/readbridge/internal/locate"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/store"
)

var _ engine.ContextSource = (*Manager)(nil)

// Transcriber runs one bounded audio window through a transcription model
// and returns its words with timing, implemented locally (faster-whisper
// style), against a remote HTTP server (whisper.cpp server), or against a
// cloud API (Deepgram-like) — the manager doesn't care which.
type Transcriber interface {
	TranscribeChunk(ctx context.Context, audioPath string, start, end time.Duration, modelHint string) ([]align.Token, error)
}

// AudioSource fetches a book's full audio to a local path for chunking.
// abs.Client.DownloadAudio satisfies this; Storyteller-backed books have no
// local audio and are never enqueued here.
type AudioSource interface {
	DownloadAudio(ctx context.Context, book store.Book, destPath string) error
}

// DocumentSource fetches a follower's full ebook text, used both to build
// the alignment (against a designated primary follower) and, per the engine's
// ContextSource contract, to parse a follower's own document for C5 lookups.
type DocumentSource interface {
	FetchText(ctx context.Context, book store.Book, follower client.Name) (string, bool, error)
}

// Config tunes chunking and retry behavior, mirroring config.Config's
// Transcription block.
type Config struct {
	ChunkDuration   time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	AudioCacheDir   string
	TranscriptsDir  string
	AlignmentsDir   string
	PrimaryFollower client.Name // the follower whose ebook text the alignment is built against
	ModelHint       string
}

// Manager runs transcription jobs and doubles as the engine's ContextSource,
// since it is the component that actually produces alignment maps and can
// parse a follower's ebook text on demand.
type Manager struct {
	store       *store.Store
	transcriber Transcriber
	audio       AudioSource
	documents   DocumentSource
	cfg         Config
	logger      *logger.Logger
}

// New constructs a Manager. A zero-value Config.ChunkDuration/MaxRetries is
// filled in with the teacher's documented defaults (45 min chunks, 3
// retries, 5 min back-off).
func New(st *store.Store, transcriber Transcriber, audio AudioSource, documents DocumentSource, cfg Config, log *logger.Logger) *Manager {
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 45 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	return &Manager{store: st, transcriber: transcriber, audio: audio, documents: documents, cfg: cfg, logger: log}
}

// Enqueue creates (or resets) a queued job for a book.
func (m *Manager) Enqueue(bookID string) error {
	return m.store.SaveJob(store.Job{BookID: bookID, State: store.JobStateQueued})
}

// chunkWindow is one [start, end) slice of the audio.
type chunkWindow struct {
	index int
	start time.Duration
	end   time.Duration
}

func chunkWindows(total, chunkDuration time.Duration) []chunkWindow {
	if total <= 0 || chunkDuration <= 0 {
		return nil
	}
	var windows []chunkWindow
	for start, i := time.Duration(0), 0; start < total; start, i = start+chunkDuration, i+1 {
		end := start + chunkDuration
		if end > total {
			end = total
		}
		windows = append(windows, chunkWindow{index: i, start: start, end: end})
	}
	return windows
}

// Run executes (or resumes) the transcription job for bookID: it downloads
// audio once, transcribes every chunk not already on disk, and on full
// completion builds and persists the alignment map.
func (m *Manager) Run(ctx context.Context, bookID string) error {
	log := m.loggerWith(bookID)

	if m.transcriber == nil {
		return apperrors.New(apperrors.NotConfigured, fmt.Errorf("transcribe: no transcriber configured"))
	}

	book, found, err := m.store.LoadMapping(bookID)
	if err != nil {
		return apperrors.WithBook(err, bookID, "")
	}
	if !found {
		return apperrors.New(apperrors.NotFound, fmt.Errorf("transcribe: no mapping for book %s", bookID))
	}

	job, found, err := m.store.LoadJob(bookID)
	if err != nil {
		return apperrors.WithBook(err, bookID, "")
	}
	if !found {
		job = store.Job{BookID: bookID, State: store.JobStateQueued}
	}
	if job.State == store.JobStateDone {
		log.Debug("job already complete, nothing to do", nil)
		return nil
	}

	job.State = store.JobStateRunning
	if err := m.store.SaveJob(job); err != nil {
		return apperrors.WithBook(err, bookID, "")
	}

	audioPath := filepath.Join(m.cfg.AudioCacheDir, bookID+".audio")
	if _, statErr := os.Stat(audioPath); statErr != nil {
		if err := os.MkdirAll(m.cfg.AudioCacheDir, 0o755); err != nil {
			return m.failJob(job, book, err)
		}
		if err := m.audio.DownloadAudio(ctx, book, audioPath); err != nil {
			return m.failJob(job, book, err)
		}
	}

	windows := chunkWindows(time.Duration(book.DurationSeconds*float64(time.Second)), m.cfg.ChunkDuration)
	if len(windows) == 0 {
		return m.failJob(job, book, fmt.Errorf("transcribe: book has no known duration"))
	}

	completed := toSet(job.CompletedChunks)
	bookDir := filepath.Join(m.cfg.TranscriptsDir, bookID)
	if err := os.MkdirAll(bookDir, 0o755); err != nil {
		return m.failJob(job, book, err)
	}

	for _, w := range windows {
		chunkPath := filepath.Join(bookDir, fmt.Sprintf("chunk-%d.json", w.index))
		if completed[w.index] {
			continue
		}
		if _, statErr := os.Stat(chunkPath); statErr == nil {
			// Present on disk from a prior run the job row never recorded;
			// trust the file and move on.
			completed[w.index] = true
			job.CompletedChunks = append(job.CompletedChunks, w.index)
			continue
		}

		tokens, err := m.transcribeWithRetry(ctx, audioPath, w)
		if err != nil {
			return m.failChunk(job, book, w.index, err)
		}

		if err := writeChunk(chunkPath, tokens); err != nil {
			return m.failChunk(job, book, w.index, err)
		}

		completed[w.index] = true
		job.CompletedChunks = append(job.CompletedChunks, w.index)
		job.RetryCount = 0
		if err := m.store.SaveJob(job); err != nil {
			return apperrors.WithBook(err, bookID, "")
		}
		log.Debug("chunk transcribed", map[string]interface{}{"chunk": w.index, "total": len(windows)})
	}

	tokens, err := readAllChunks(bookDir, len(windows))
	if err != nil {
		return m.failJob(job, book, err)
	}

	ebookText, ok, err := m.documents.FetchText(ctx, book, m.cfg.PrimaryFollower)
	if err != nil {
		return m.failJob(job, book, err)
	}
	if !ok {
		return m.failJob(job, book, fmt.Errorf("transcribe: no ebook text available from %s", m.cfg.PrimaryFollower))
	}

	alignment, err := align.Build(tokens, ebookText)
	if err != nil {
		return m.failJob(job, book, err)
	}

	if err := os.MkdirAll(m.cfg.AlignmentsDir, 0o755); err != nil {
		return m.failJob(job, book, err)
	}
	alignPath := filepath.Join(m.cfg.AlignmentsDir, bookID+".json")
	if err := writeAlignment(alignPath, alignment); err != nil {
		return m.failJob(job, book, err)
	}

	job.State = store.JobStateDone
	job.LastError = ""
	if err := m.store.SaveJob(job); err != nil {
		return apperrors.WithBook(err, bookID, "")
	}

	book.AlignmentPath = alignPath
	if err := m.store.UpdateMapping(book); err != nil {
		return apperrors.WithBook(err, bookID, "")
	}

	log.Info("alignment built", map[string]interface{}{"anchors": len(alignment.Anchors())})
	return nil
}

// innerAttempts/innerDelay smooth over a one-off transient blip (a dropped
// connection, a 503) within a single chunk call. This is independent of the
// job-level retry budget (cfg.MaxRetries), which governs how many failed
// Run invocations the job tolerates before it's marked failed_retry_later.
// Manager does not schedule those invocations itself and does not read
// cfg.RetryDelay; Run is only called again when its caller calls it.
const innerAttempts = 3

var innerDelay = 2 * time.Second

func (m *Manager) transcribeWithRetry(ctx context.Context, audioPath string, w chunkWindow) ([]align.Token, error) {
	var tokens []align.Token
	err := retry.Do(
		func() error {
			result, err := m.transcriber.TranscribeChunk(ctx, audioPath, w.start, w.end, m.cfg.ModelHint)
			if err != nil {
				return err
			}
			tokens = result
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(innerAttempts),
		retry.Delay(innerDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return tokens, err
}

// failChunk records a chunk-level failure (one that survived innerAttempts
// retries) against the job's own retry budget. Once that budget is
// exhausted the whole job (and the book it belongs to) is marked
// failed_retry_later, per spec's terminal-failure policy; until then the
// job is left running with RetryCount and LastError updated, and a later
// Run call resumes it. Nothing in this module makes that later call.
func (m *Manager) failChunk(job store.Job, book store.Book, chunkIndex int, cause error) error {
	job.RetryCount++
	job.LastError = cause.Error()
	now := time.Now()
	job.LastAttempt = &now

	if job.RetryCount >= m.cfg.MaxRetries {
		return m.failJob(job, book, cause)
	}
	if err := m.store.SaveJob(job); err != nil {
		return apperrors.WithBook(err, job.BookID, "")
	}
	return apperrors.New(apperrors.Transient, fmt.Errorf("transcribe: chunk %d failed, will retry: %w", chunkIndex, cause))
}

// failJob marks the job and its book terminally failed.
func (m *Manager) failJob(job store.Job, book store.Book, cause error) error {
	job.State = store.JobStateFailedRetryLater
	job.LastError = cause.Error()
	now := time.Now()
	job.LastAttempt = &now
	_ = m.store.SaveJob(job)

	book.Status = store.StatusFailedRetryLater
	_ = m.store.UpdateMapping(book)

	return apperrors.New(apperrors.Fatal, cause)
}

func (m *Manager) loggerWith(bookID string) *logger.Logger {
	if m.logger == nil {
		return nil
	}
	return m.logger.WithBook(bookID)
}

func toSet(indices []int) map[int]bool {
	set := make(map[int]bool, len(indices))
	for _, i := range indices {
		set[i] = true
	}
	return set
}

func writeChunk(path string, tokens []align.Token) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func readAllChunks(dir string, count int) ([]align.Token, error) {
	var all []align.Token
	for i := 0; i < count; i++ {
		raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("chunk-%d.json", i)))
		if err != nil {
			return nil, fmt.Errorf("transcribe: reading chunk %d: %w", i, err)
		}
		var tokens []align.Token
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return nil, fmt.Errorf("transcribe: parsing chunk %d: %w", i, err)
		}
		all = append(all, tokens...)
	}
	return all, nil
}

func writeAlignment(path string, m *align.Map) error {
	raw, err := json.Marshal(m.Anchors())
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// loadAlignment reads back a persisted anchor list.
func loadAlignment(path string) (*align.Map, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var anchors []align.Anchor
	if err := json.Unmarshal(raw, &anchors); err != nil {
		return nil, err
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].CharOffset < anchors[j].CharOffset })
	return align.FromAnchors(anchors), nil
}

// Alignment implements engine.ContextSource: it loads the persisted anchor
// list for a book that has already completed transcription.
func (m *Manager) Alignment(ctx context.Context, book store.Book) (*align.Map, bool, error) {
	if book.AlignmentPath == "" {
		return nil, false, nil
	}
	alignment, err := loadAlignment(book.AlignmentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, apperrors.New(apperrors.Fatal, err)
	}
	return alignment, true, nil
}

// FollowerDocument implements engine.ContextSource: it fetches a follower's
// ebook text and parses it into the tree C5's locate.Find needs.
func (m *Manager) FollowerDocument(ctx context.Context, book store.Book, follower client.Name) (locate.Document, bool, error) {
	text, ok, err := m.documents.FetchText(ctx, book, follower)
	if err != nil {
		return locate.Document{}, false, err
	}
	if !ok {
		return locate.Document{}, false, nil
	}
	doc, err := locate.NewDocument(text)
	if err != nil {
		return locate.Document{}, false, apperrors.New(apperrors.InvalidData, err)
	}
	return doc, true, nil
}

// StorytellerNative reports false: this manager always produces alignment
// from its own transcription, never from Storyteller's forced-alignment
// data, so the engine's bypass case never applies to it.
func (m *Manager) StorytellerNative(book store.Book) bool { return false }
