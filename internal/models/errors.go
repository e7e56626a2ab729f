package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind partitions engine errors for handling at the host boundary.
type ErrorKind string

const (
	// ErrInvalidEvent rejects malformed input at ingest
	ErrInvalidEvent ErrorKind = "invalid_event"
	// ErrParse rejects malformed TimeQL
	ErrParse ErrorKind = "parse_error"
	// ErrUnknownField rejects conditions naming unresolvable fields
	ErrUnknownField ErrorKind = "unknown_field"
	// ErrNotFound reports a missing event, chain, or anchor
	ErrNotFound ErrorKind = "not_found"
	// ErrTimeout reports a query exceeding its deadline
	ErrTimeout ErrorKind = "timeout"
	// ErrCancelled reports a caller-cancelled query
	ErrCancelled ErrorKind = "cancelled"
	// ErrInternal reports a bug or unexpected state
	ErrInternal ErrorKind = "internal"
)

// Error is the typed error returned across package boundaries. Parse errors
// additionally carry the offending token and its byte offset.
type Error struct {
	Kind    ErrorKind
	Message string
	Token   string
	Pos     int
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Kind == ErrParse && e.Token != "" {
		return fmt.Sprintf("%s at offset %d near %q", e.Message, e.Pos, e.Token)
	}
	return e.Message
}

// NewInvalidEventError creates an invalid-event error.
func NewInvalidEventError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInvalidEvent, Message: fmt.Sprintf(format, args...)}
}

// NewParseError creates a parse error pointing at a token.
func NewParseError(pos int, token string, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrParse, Message: fmt.Sprintf(format, args...), Token: token, Pos: pos}
}

// NewUnknownFieldError creates an unknown-field error.
func NewUnknownFieldError(field string) *Error {
	return &Error{Kind: ErrUnknownField, Message: fmt.Sprintf("unknown field: %s", field)}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrTimeout, Message: fmt.Sprintf(format, args...)}
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrCancelled, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError creates an internal error.
func NewInternalError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error's kind, ErrInternal for foreign errors, and
// "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// FromContextErr maps context termination onto engine error kinds and
// returns other errors unchanged.
func FromContextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("query exceeded deadline")
	case errors.Is(err, context.Canceled):
		return NewCancelledError("query cancelled")
	default:
		return err
	}
}
