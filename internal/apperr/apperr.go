// Package apperr is the error taxonomy shared by the store, the monitors and
// the API. Callers branch on Kind, never on message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotFound     Kind = "NOT_FOUND"
	KindInvalidState Kind = "INVALID_STATE"
	KindModeMismatch Kind = "MODE_MISMATCH"
	KindVenue        Kind = "VENUE_ERROR"
	KindValidation   Kind = "VALIDATION_ERROR"
	KindConflict     Kind = "CONFLICT"
	KindInternal     Kind = "INTERNAL"
)

// VenueClass refines KindVenue.
type VenueClass string

const (
	VenueConnection VenueClass = "connection"
	VenueTimeout    VenueClass = "timeout"
	VenueRejected   VenueClass = "rejected"
	VenueOther      VenueClass = "other"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Venue   VenueClass
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ToLower(string(e.Kind)))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the next scheduled tick should try again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConflict:
		return true
	case KindVenue:
		return e.Venue == VenueConnection || e.Venue == VenueTimeout
	}
	return false
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return newf(KindInvalidState, op, format, args...)
}

func ModeMismatch(op, format string, args ...any) *Error {
	return newf(KindModeMismatch, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return newf(KindConflict, op, format, args...)
}

// Internal wraps an unexpected failure (storage, codec).
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// Venue wraps a venue failure and classifies it.
func Venue(op string, err error) *Error {
	return &Error{Kind: KindVenue, Op: op, Venue: ClassifyVenue(err), Err: err}
}

// VenueRejection is a terminal refusal reported by the venue itself.
func VenueRejection(op, reason string) *Error {
	return &Error{Kind: KindVenue, Op: op, Venue: VenueRejected, Message: reason}
}

// ClassifyVenue separates transport failures from everything else.
func ClassifyVenue(err error) VenueClass {
	if err == nil {
		return VenueOther
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == KindVenue && ae.Venue != "" {
		return ae.Venue
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return VenueTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return VenueTimeout
		}
		return VenueConnection
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return VenueConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return VenueTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return VenueConnection
	}
	return VenueOther
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsTransient reports connection/timeout venue failures.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindVenue && (ae.Venue == VenueConnection || ae.Venue == VenueTimeout)
	}
	c := ClassifyVenue(err)
	return c == VenueConnection || c == VenueTimeout
}
