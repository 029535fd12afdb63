package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the tagging engine. Wrap them with TaggingError so
// callers can branch with errors.Is.
var (
	// ErrValidation marks malformed filter or search input
	ErrValidation = errors.New("validation error")
	// ErrConflict marks an operation refused because another run owns the state
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown filter id
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation that does not apply to the filter's current state
	ErrInvalidState = errors.New("invalid state")
	// ErrStorage marks a failed transaction or query
	ErrStorage = errors.New("storage error")
)

// ErrSweepInFlight is returned when a daily sweep is requested while filters are still queued
var ErrSweepInFlight = &TaggingError{Kind: ErrConflict, Op: "sweep", Err: errors.New("a sweep is already in flight")}

// TaggingError carries the kind, the failing operation and the filter involved
type TaggingError struct {
	Kind     error
	Op       string
	FilterID int64
	Err      error
}

func (e *TaggingError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.FilterID != 0 {
		return fmt.Sprintf("%s filter %d: %s", e.Op, e.FilterID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes both the kind and the underlying cause
func (e *TaggingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewTaggingError builds a TaggingError of the given kind
func NewTaggingError(kind error, op string, filterID int64, err error) *TaggingError {
	return &TaggingError{Kind: kind, Op: op, FilterID: filterID, Err: err}
}

// NotFound returns an ErrNotFound for the filter
func NotFound(op string, filterID int64) error {
	return NewTaggingError(ErrNotFound, op, filterID, fmt.Errorf("tag filter %d not found", filterID))
}

// IsNotFound reports whether err is an ErrNotFound
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an ErrConflict
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidState reports whether err is an ErrInvalidState
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsValidation reports whether err is an ErrValidation
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStorage reports whether err is an ErrStorage
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
