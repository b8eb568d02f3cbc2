// Package apperrors collapses the many HTTP/driver-specific error
// categories a client adapter can encounter into the seven kinds the sync
// cycle engine actually branches on, adapting the teacher's ErrorType enum
// (errors/errors.go) and its BookError book-scoped wrapper
// (internal/api/hardcover/errors.go) into a single closed taxonomy.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories every adapter call must be
// classifiable into.
type Kind int

const (
	// KindUnknown is never returned by KindOf for a wrapped *Error; it is
	// the zero value callers see when passed a plain, unwrapped error.
	KindUnknown Kind = iota
	// NotConfigured: client credentials absent. Policy: silent skip.
	NotConfigured
	// Transient: network timeout, 5xx, socket reset. Policy: retry with
	// back-off; cycle continues with other clients.
	Transient
	// Unauthorized: 401/403. Policy: log at warning; disable the event
	// listener for that client; continue with polling.
	Unauthorized
	// NotFound: resource missing on a follower. Policy: skip that
	// follower only.
	NotFound
	// Conflict: 409 on write. Policy: treated as success (idempotent).
	Conflict
	// InvalidData: schema or hash mismatch. Policy: mark mapping
	// inconsistent; flag for user attention; do not propagate.
	InvalidData
	// Fatal: store unreachable, corrupted alignment. Policy: abort cycle;
	// status -> failed_retry_later.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotConfigured:
		return "not_configured"
	case Transient:
		return "transient"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InvalidData:
		return "invalid_data"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind plus optional book/client
// context, in the shape of the teacher's BookError but generalized to carry
// a classification instead of only a book ID.
type Error struct {
	Kind    Kind
	Err     error
	BookID  string
	Client  string
}

func (e *Error) Error() string {
	switch {
	case e.BookID != "" && e.Client != "":
		return fmt.Sprintf("%s: %s (book_id=%s, client=%s)", e.Kind, e.Err, e.BookID, e.Client)
	case e.BookID != "":
		return fmt.Sprintf("%s: %s (book_id=%s)", e.Kind, e.Err, e.BookID)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as the given Kind. Returns nil if err is nil, so call sites
// can write `return apperrors.New(apperrors.Transient, err)` unconditionally.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WithBook attaches book/client context to an existing apperrors.Error,
// or wraps a plain error as Fatal with that context if it isn't one yet.
func WithBook(err error, bookID, client string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		cp := *ae
		cp.BookID = bookID
		cp.Client = client
		return &cp
	}
	return &Error{Kind: Fatal, Err: err, BookID: bookID, Client: client}
}

// KindOf classifies any error: apperrors.Error values report their own
// Kind, everything else is KindUnknown so callers must treat it
// conservatively (generally as Fatal) rather than silently ignoring it.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
