package packfile

import (
	"errors"
	"fmt"
)

// Error wraps a reason with optional, appendable detail — the scanner
// and parser use this to report exactly which byte offset or object
// index a malformed pack failed at without losing the root cause.
type Error struct {
	error
}

// NewError returns a new Error with the given reason.
func NewError(reason string) *Error {
	return &Error{errors.New(reason)}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.error
}

// AddDetails appends formatted detail onto the error.
func (e *Error) AddDetails(format string, args ...interface{}) *Error {
	err := fmt.Errorf(format, args...)
	if e.error == nil {
		return &Error{err}
	}
	return &Error{fmt.Errorf("%w: %w", e.error, err)}
}
