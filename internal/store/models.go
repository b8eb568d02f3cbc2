package store

import (
	"encoding/json"
	"time"
)

// SyncMode is how a mapping's leader position is interpreted.
type SyncMode string

const (
	SyncModeAudiobook SyncMode = "audiobook"
	SyncModeEbookOnly SyncMode = "ebook_only"
)

// Status is a mapping's lifecycle state. Only StatusActive is syncable.
type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusActive           Status = "active"
	StatusFailedRetryLater Status = "failed_retry_later"
	StatusDisabled         Status = "disabled"
)

// Book is the unit of synchronization: the linkage between an audiobook
// identifier and one or more ebook/representation identifiers.
type Book struct {
	ID                  string
	Title               string
	Author              string
	SyncMode            SyncMode
	Status              Status
	AlignmentPath       string
	DurationSeconds     float64
	WordCount           int // ebook word count, used to translate a KoReaderSync percentage delta into a word delta
	ExternalIDs         map[string]string // per-client external identifier, e.g. {"booklore": "42"}
	ConsecutiveFailures int
	LastLeaderClient    string // client name elected leader in the previous cycle, for anti-regression comparisons
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// bookRow is the GORM-mapped row for Book. ExternalIDs is flattened to a
// JSON text column the way the teacher's SyncProfileConfig serialized
// SyncConfigData, since GORM has no first-class map column portable across
// sqlite/mysql/postgres.
type bookRow struct {
	ID                  string `gorm:"primaryKey"`
	Title               string
	Author              string
	SyncMode            string
	Status              string `gorm:"index"`
	AlignmentPath       string
	DurationSeconds     float64
	WordCount           int
	ExternalIDsJSON     string `gorm:"type:text"`
	ConsecutiveFailures int
	LastLeaderClient    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (bookRow) TableName() string { return "books" }

func toBookRow(b Book) (bookRow, error) {
	raw, err := json.Marshal(b.ExternalIDs)
	if err != nil {
		return bookRow{}, err
	}
	return bookRow{
		ID:                  b.ID,
		Title:               b.Title,
		Author:              b.Author,
		SyncMode:            string(b.SyncMode),
		Status:              string(b.Status),
		AlignmentPath:       b.AlignmentPath,
		DurationSeconds:     b.DurationSeconds,
		WordCount:           b.WordCount,
		ExternalIDsJSON:     string(raw),
		ConsecutiveFailures: b.ConsecutiveFailures,
		LastLeaderClient:    b.LastLeaderClient,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}, nil
}

func fromBookRow(r bookRow) (Book, error) {
	ids := map[string]string{}
	if r.ExternalIDsJSON != "" {
		if err := json.Unmarshal([]byte(r.ExternalIDsJSON), &ids); err != nil {
			return Book{}, err
		}
	}
	return Book{
		ID:                  r.ID,
		Title:               r.Title,
		Author:              r.Author,
		SyncMode:            SyncMode(r.SyncMode),
		Status:              Status(r.Status),
		AlignmentPath:       r.AlignmentPath,
		DurationSeconds:     r.DurationSeconds,
		WordCount:           r.WordCount,
		ExternalIDs:         ids,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastLeaderClient:    r.LastLeaderClient,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}

// LocatorKind discriminates the two shapes a ClientState's position can
// take, per the sum-type redesign: duck-typed dict positions become a
// tagged variant instead of an untagged map.
type LocatorKind string

const (
	LocatorKindAudio LocatorKind = "audio"
	LocatorKindText  LocatorKind = "text"
)

// Locator is implemented by AudioLocator and TextLocator. Kind() names the
// variant; callers in this module select on the concrete type.
type Locator interface {
	Kind() LocatorKind
}

// AudioLocator is a position expressed in audio playback time.
type AudioLocator struct {
	TimestampSeconds float64
	DurationSeconds  *float64 // nil when the client didn't report duration
}

func (AudioLocator) Kind() LocatorKind { return LocatorKindAudio }

// TextLocator is a position expressed in ebook text coordinates. Every
// sub-field besides Percentage is optional: a client may supply only an
// xpath, only a CFI, or several redundantly.
type TextLocator struct {
	// Percentage is progress through the book as a fraction in [0,1].
	Percentage  float64
	XPath       string
	CSSSelector string
	Fragment    string
	CFI         string
}

func (TextLocator) Kind() LocatorKind { return LocatorKindText }

// ClientState is one client's last-known reading position for a book.
type ClientState struct {
	BookID      string
	Client      string
	LastUpdated time.Time
	Locator     Locator
}

// NormalizedPercentage reduces a ClientState to a 0.0-1.0 progress value.
// Audio locators need the book's known duration; if the locator carries its
// own duration that takes precedence (it reflects what the client actually
// measured against).
func (s ClientState) NormalizedPercentage(bookDuration float64) (float64, bool) {
	switch loc := s.Locator.(type) {
	case AudioLocator:
		duration := bookDuration
		if loc.DurationSeconds != nil && *loc.DurationSeconds > 0 {
			duration = *loc.DurationSeconds
		}
		if duration <= 0 {
			return 0, false
		}
		return loc.TimestampSeconds / duration, true
	case TextLocator:
		return loc.Percentage, true
	default:
		return 0, false
	}
}

// clientStateRow is the GORM-mapped row for ClientState. The locator
// variant is stored discriminated-by-kind in flat nullable columns rather
// than a blob, so delta-gate queries can filter on kind/percentage directly.
type clientStateRow struct {
	BookID      string `gorm:"primaryKey;column:book_id"`
	Client      string `gorm:"primaryKey"`
	LastUpdated time.Time
	Kind        string
	Timestamp   *float64
	Duration    *float64
	Percentage  float64
	XPath       string
	CSSSelector string
	Fragment    string
	CFI         string
}

func (clientStateRow) TableName() string { return "client_states" }

func toClientStateRow(s ClientState) clientStateRow {
	row := clientStateRow{
		BookID:      s.BookID,
		Client:      s.Client,
		LastUpdated: s.LastUpdated,
	}
	switch loc := s.Locator.(type) {
	case AudioLocator:
		row.Kind = string(LocatorKindAudio)
		ts := loc.TimestampSeconds
		row.Timestamp = &ts
		row.Duration = loc.DurationSeconds
	case TextLocator:
		row.Kind = string(LocatorKindText)
		row.Percentage = loc.Percentage
		row.XPath = loc.XPath
		row.CSSSelector = loc.CSSSelector
		row.Fragment = loc.Fragment
		row.CFI = loc.CFI
	}
	return row
}

func fromClientStateRow(r clientStateRow) ClientState {
	state := ClientState{
		BookID:      r.BookID,
		Client:      r.Client,
		LastUpdated: r.LastUpdated,
	}
	switch LocatorKind(r.Kind) {
	case LocatorKindAudio:
		ts := 0.0
		if r.Timestamp != nil {
			ts = *r.Timestamp
		}
		state.Locator = AudioLocator{TimestampSeconds: ts, DurationSeconds: r.Duration}
	case LocatorKindText:
		state.Locator = TextLocator{
			Percentage:  r.Percentage,
			XPath:       r.XPath,
			CSSSelector: r.CSSSelector,
			Fragment:    r.Fragment,
			CFI:         r.CFI,
		}
	}
	return state
}

// JobState is a transcription job's lifecycle state.
type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateRunning         JobState = "running"
	JobStateDone            JobState = "done"
	JobStateFailedRetryLater JobState = "failed_retry_later"
)

// Job is a resumable transcription job for one book.
type Job struct {
	BookID           string
	State            JobState
	RetryCount       int
	LastError        string
	LastAttempt      *time.Time
	CompletedChunks  []int
}

type jobRow struct {
	BookID              string `gorm:"primaryKey;column:book_id"`
	State               string
	RetryCount          int
	LastError           string
	LastAttempt         *time.Time
	CompletedChunksJSON string `gorm:"type:text"`
}

func (jobRow) TableName() string { return "jobs" }

func toJobRow(j Job) (jobRow, error) {
	raw, err := json.Marshal(j.CompletedChunks)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		BookID:              j.BookID,
		State:               string(j.State),
		RetryCount:          j.RetryCount,
		LastError:           j.LastError,
		LastAttempt:         j.LastAttempt,
		CompletedChunksJSON: string(raw),
	}, nil
}

func fromJobRow(r jobRow) (Job, error) {
	var chunks []int
	if r.CompletedChunksJSON != "" {
		if err := json.Unmarshal([]byte(r.CompletedChunksJSON), &chunks); err != nil {
			return Job{}, err
		}
	}
	return Job{
		BookID:          r.BookID,
		State:           JobState(r.State),
		RetryCount:      r.RetryCount,
		LastError:       r.LastError,
		LastAttempt:     r.LastAttempt,
		CompletedChunks: chunks,
	}, nil
}

// Suggestion is a heuristic, unconfirmed match between an external event and
// a candidate book, held for a human (or the external mapping editor) to
// confirm. The store only holds these rows; the trigger layer's poller does
// not create them.
type Suggestion struct {
	ID              uint
	SourceClient    string
	ExternalID      string
	CandidateBookID string
	Confidence      float64
	Dismissed       bool
	CreatedAt       time.Time
}

type suggestionRow struct {
	ID              uint `gorm:"primaryKey;autoIncrement"`
	SourceClient    string
	ExternalID      string
	CandidateBookID string
	Confidence      float64
	Dismissed       bool
	CreatedAt       time.Time
}

func (suggestionRow) TableName() string { return "suggestions" }

func toSuggestionRow(s Suggestion) suggestionRow {
	return suggestionRow{
		ID:              s.ID,
		SourceClient:    s.SourceClient,
		ExternalID:      s.ExternalID,
		CandidateBookID: s.CandidateBookID,
		Confidence:      s.Confidence,
		Dismissed:       s.Dismissed,
		CreatedAt:       s.CreatedAt,
	}
}

func fromSuggestionRow(r suggestionRow) Suggestion {
	return Suggestion{
		ID:              r.ID,
		SourceClient:    r.SourceClient,
		ExternalID:      r.ExternalID,
		CandidateBookID: r.CandidateBookID,
		Confidence:      r.Confidence,
		Dismissed:       r.Dismissed,
		CreatedAt:       r.CreatedAt,
	}
}
