// Package store is the progress store (C1): durable per-(book, client)
// last-known positions plus per-book mapping metadata. It is the single
// source of truth the sync cycle engine reads before electing a leader and
// writes after propagating one.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	applogger "github.com/briarwood/readbridge/internal/logger"
)

// ErrNotFound is returned by operations that look up a single row by key
// when no such row exists. Callers that model absence as a valid outcome
// (LoadMapping, ReadState) get (zero, false, nil) instead — ErrNotFound is
// reserved for operations where the row is expected to exist.
var ErrNotFound = errors.New("store: not found")

// Store is the concrete C1 implementation, backed by GORM over sqlite,
// mysql, or postgres depending on configuration.
type Store struct {
	db     *gorm.DB
	logger *applogger.Logger
}

// Open connects to the configured backing database and migrates the schema.
func Open(driverName Driver, dsn string, log *applogger.Logger) (*Store, error) {
	db, err := connect(driverName, dsn, log)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateMapping inserts a new Book mapping. Status defaults to pending if
// unset, matching the lifecycle in spec: created on user mapping action.
func (s *Store) CreateMapping(b Book) error {
	if b.Status == "" {
		b.Status = StatusPending
	}
	row, err := toBookRow(b)
	if err != nil {
		return fmt.Errorf("encode book: %w", err)
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("create mapping %s: %w", b.ID, err)
	}
	return nil
}

// LoadMapping returns the mapping for book_id, or (Book{}, false, nil) if
// none exists.
func (s *Store) LoadMapping(bookID string) (Book, bool, error) {
	var row bookRow
	err := s.db.First(&row, "id = ?", bookID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Book{}, false, nil
	}
	if err != nil {
		return Book{}, false, fmt.Errorf("load mapping %s: %w", bookID, err)
	}
	b, err := fromBookRow(row)
	if err != nil {
		return Book{}, false, fmt.Errorf("decode mapping %s: %w", bookID, err)
	}
	return b, true, nil
}

// ListActiveMappings returns every mapping with status = active, the only
// status the sync cycle engine is allowed to act on.
func (s *Store) ListActiveMappings() ([]Book, error) {
	var rows []bookRow
	if err := s.db.Where("status = ?", string(StatusActive)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active mappings: %w", err)
	}
	books := make([]Book, 0, len(rows))
	for _, row := range rows {
		b, err := fromBookRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode mapping %s: %w", row.ID, err)
		}
		books = append(books, b)
	}
	return books, nil
}

// UpdateMapping persists a mutated mapping (status transitions, identifier
// refreshes, consecutive-failure counters).
func (s *Store) UpdateMapping(b Book) error {
	row, err := toBookRow(b)
	if err != nil {
		return fmt.Errorf("encode book: %w", err)
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("update mapping %s: %w", b.ID, err)
	}
	return nil
}

// DeleteMapping removes a mapping and every piece of state it owns:
// client-state rows, suppression history (handled separately by C2), the
// job row, and suggestions pointing at it — the cascading purge the spec
// requires on user delete.
func (s *Store) DeleteMapping(bookID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&clientStateRow{}, "book_id = ?", bookID).Error; err != nil {
			return fmt.Errorf("purge client states: %w", err)
		}
		if err := tx.Delete(&jobRow{}, "book_id = ?", bookID).Error; err != nil {
			return fmt.Errorf("purge job: %w", err)
		}
		if err := tx.Delete(&suggestionRow{}, "candidate_book_id = ?", bookID).Error; err != nil {
			return fmt.Errorf("purge suggestions: %w", err)
		}
		if err := tx.Delete(&bookRow{}, "id = ?", bookID).Error; err != nil {
			return fmt.Errorf("delete mapping: %w", err)
		}
		return nil
	})
}

// ReadState returns the last-known state for (book_id, client), or
// (ClientState{}, false, nil) when no row exists — the "absent" outcome the
// client adapter contract and the engine must be able to distinguish from
// an error.
func (s *Store) ReadState(bookID, client string) (ClientState, bool, error) {
	var row clientStateRow
	err := s.db.First(&row, "book_id = ? AND client = ?", bookID, client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientState{}, false, nil
	}
	if err != nil {
		return ClientState{}, false, fmt.Errorf("read state %s/%s: %w", bookID, client, err)
	}
	return fromClientStateRow(row), true, nil
}

// ListStates returns every client's last-known state for a book, used by
// the engine to gather the full picture before electing a leader.
func (s *Store) ListStates(bookID string) ([]ClientState, error) {
	var rows []clientStateRow
	if err := s.db.Where("book_id = ?", bookID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list states %s: %w", bookID, err)
	}
	states := make([]ClientState, 0, len(rows))
	for _, row := range rows {
		states = append(states, fromClientStateRow(row))
	}
	return states, nil
}

// WriteState is last-writer-wins within a single process; it upserts the
// (book_id, client) row durably.
func (s *Store) WriteState(state ClientState) error {
	row := toClientStateRow(state)
	err := s.db.Save(&row).Error
	if err != nil {
		return fmt.Errorf("write state %s/%s: %w", state.BookID, state.Client, err)
	}
	return nil
}

// WriteStates persists several client states for one book as a single group
// commit, so a partially-applied propagation cycle never leaves the book's
// rows in an inconsistent mix of old and new positions.
func (s *Store) WriteStates(states []ClientState) error {
	if len(states) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, state := range states {
			row := toClientStateRow(state)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("write state %s/%s: %w", state.BookID, state.Client, err)
			}
		}
		return nil
	})
}

// ResetState atomically purges every client-state row for a book, used by
// "Clear Progress" and on delete. Mapping status is left unchanged.
func (s *Store) ResetState(bookID string) error {
	if err := s.db.Delete(&clientStateRow{}, "book_id = ?", bookID).Error; err != nil {
		return fmt.Errorf("reset state %s: %w", bookID, err)
	}
	return nil
}

// LoadJob returns the transcription job for a book, or (Job{}, false, nil)
// if none has been enqueued yet.
func (s *Store) LoadJob(bookID string) (Job, bool, error) {
	var row jobRow
	err := s.db.First(&row, "book_id = ?", bookID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("load job %s: %w", bookID, err)
	}
	j, err := fromJobRow(row)
	if err != nil {
		return Job{}, false, fmt.Errorf("decode job %s: %w", bookID, err)
	}
	return j, true, nil
}

// SaveJob upserts the job row for a book (enqueue or progress update).
func (s *Store) SaveJob(j Job) error {
	row, err := toJobRow(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("save job %s: %w", j.BookID, err)
	}
	return nil
}

// RecordSuggestion deposits an unmatched-book heuristic match for later
// human (or mapping-editor) review.
func (s *Store) RecordSuggestion(sg Suggestion) error {
	row := toSuggestionRow(sg)
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("record suggestion: %w", err)
	}
	return nil
}

// ListSuggestions returns outstanding (non-dismissed) suggestions.
func (s *Store) ListSuggestions() ([]Suggestion, error) {
	var rows []suggestionRow
	if err := s.db.Where("dismissed = ?", false).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	out := make([]Suggestion, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromSuggestionRow(row))
	}
	return out, nil
}

// DismissSuggestion marks a suggestion as handled without taking action on
// it; no automatic action is ever taken on a suggestion per spec.
func (s *Store) DismissSuggestion(id uint) error {
	res := s.db.Model(&suggestionRow{}).Where("id = ?", id).Update("dismissed", true)
	if res.Error != nil {
		return fmt.Errorf("dismiss suggestion %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
