// Package apperr defines the typed error taxonomy shared by the bed registry,
// reservation manager and movement workflows, and its mapping onto HTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide whether to retry.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindBedUnavailable      Kind = "BedUnavailable"
	KindWindowConflict      Kind = "WindowConflict"
	KindConflictingWorkflow Kind = "ConflictingWorkflow"
	KindReservationExpired  Kind = "ReservationExpired"
	KindValidation          Kind = "Validation"
)

// Sentinels for errors.Is comparisons. Any *Error of the same kind matches.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrBedUnavailable      = &Error{Kind: KindBedUnavailable}
	ErrWindowConflict      = &Error{Kind: KindWindowConflict}
	ErrConflictingWorkflow = &Error{Kind: KindConflictingWorkflow}
	ErrReservationExpired  = &Error{Kind: KindReservationExpired}
	ErrValidation          = &Error{Kind: KindValidation}
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap translates err into a domain message while keeping its kind. If err is
// unclassified, kind is used.
func Wrap(kind Kind, op, message string, err error) *Error {
	if k := KindOf(err); k != "" {
		kind = k
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

func InvalidTransition(op, format string, args ...interface{}) *Error {
	return New(KindInvalidTransition, op, format, args...)
}

func BedUnavailable(op, format string, args ...interface{}) *Error {
	return New(KindBedUnavailable, op, format, args...)
}

func WindowConflict(op, format string, args ...interface{}) *Error {
	return New(KindWindowConflict, op, format, args...)
}

func ConflictingWorkflow(op, format string, args ...interface{}) *Error {
	return New(KindConflictingWorkflow, op, format, args...)
}

func ReservationExpired(op, format string, args ...interface{}) *Error {
	return New(KindReservationExpired, op, format, args...)
}

func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain, or
// "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may retry, possibly with different
// arguments (another bed, another window) or after the competing workflow
// resolves.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBedUnavailable, KindWindowConflict, KindConflictingWorkflow:
		return true
	}
	return false
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindBedUnavailable, KindWindowConflict, KindConflictingWorkflow:
		return http.StatusConflict
	case KindReservationExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}
