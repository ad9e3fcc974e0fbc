package listing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilter is returned when a filter, sort or paging value is
	// outside the set the list endpoint supports. Nothing is fetched.
	ErrInvalidFilter = errors.New("invalid list filter")

	// ErrSuperseded is returned by Refresh when a newer fetch started before
	// this one finished. Its result was discarded.
	ErrSuperseded = errors.New("fetch superseded by a newer request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("list controller closed")
)

// FilterError describes which fields of a filter change were rejected.
type FilterError struct {
	Op     string
	Fields map[string]string // field name -> failed rule
}

// Error implements the error interface.
func (e *FilterError) Error() string {
	return fmt.Sprintf("listing: %s: %v: %s", e.Op, ErrInvalidFilter, formatFields(e.Fields))
}

// Unwrap returns ErrInvalidFilter.
func (e *FilterError) Unwrap() error {
	return ErrInvalidFilter
}
