package domain

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	ErrValidation        = errors.ConstError("validation failed")
	ErrNotFound          = errors.ConstError("not found")
	ErrConflict          = errors.ConstError("conflict")
	ErrCapacityExceeded  = errors.ConstError("capacity exceeded")
	ErrInvalidState      = errors.ConstError("invalid state")
	ErrInvalidTransition = errors.ConstError("invalid transition")
	ErrExpired           = errors.ConstError("expired")
	ErrNotEligible       = errors.ConstError("not eligible")
	ErrOutOfRange        = errors.ConstError("out of range")
	ErrInvalidStartTime  = errors.ConstError("invalid start time")
	ErrForbidden         = errors.ConstError("forbidden")
)

// Error is a classified failure returned by the engine. Callers match on
// Kind with errors.Is.
type Error struct {
	Kind    errors.ConstError
	Field   string
	State   string
	Action  string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Kind }

// Is lets the range and start-time failures also match ErrValidation.
func (e *Error) Is(target error) bool {
	if target == ErrValidation {
		return e.Kind == ErrValidation || e.Kind == ErrOutOfRange || e.Kind == ErrInvalidStartTime
	}
	return false
}

func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func InvalidStatef(state string, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidState, State: state, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classified kind of err, or the empty string for
// unclassified failures.
func KindOf(err error) errors.ConstError {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for _, k := range []errors.ConstError{
		ErrValidation, ErrNotFound, ErrConflict, ErrCapacityExceeded, ErrInvalidState,
		ErrInvalidTransition, ErrExpired, ErrNotEligible, ErrOutOfRange, ErrInvalidStartTime, ErrForbidden,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ""
}

// Retryable reports failures a caller may retry after re-reading state.
func Retryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// Code returns the stable snake_case code for an error kind, as used in API
// error bodies and metric labels.
func Code(kind errors.ConstError) string {
	switch kind {
	case ErrValidation:
		return "validation_error"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrCapacityExceeded:
		return "capacity_exceeded"
	case ErrInvalidState:
		return "invalid_state"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrExpired:
		return "expired"
	case ErrNotEligible:
		return "not_eligible"
	case ErrOutOfRange:
		return "out_of_range"
	case ErrInvalidStartTime:
		return "invalid_start_time"
	case ErrForbidden:
		return "forbidden"
	}
	return "internal_error"
}
