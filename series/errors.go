package series

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/eventseries/recurrence"
)

// ErrorType classifies a series failure
type ErrorType string

const (
	TypeNotFound          ErrorType = "not_found"
	TypeInvalidState      ErrorType = "invalid_state"
	TypeConflict          ErrorType = "conflict"
	TypeEngineDegradation ErrorType = "engine_degradation"
)

// Error represents a series-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Type)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the same type, so errors.Is(err, ErrConflict)
// holds for every conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Err == nil
}

var (
	ErrNotFound          = &Error{Type: TypeNotFound}
	ErrInvalidState      = &Error{Type: TypeInvalidState}
	ErrConflict          = &Error{Type: TypeConflict}
	ErrEngineDegradation = &Error{Type: TypeEngineDegradation}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Type: TypeNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Type: TypeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Conflict wraps the store error that detected a concurrent mutation.
func Conflict(err error, format string, args ...any) *Error {
	return &Error{Type: TypeConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// degraded classifies a recurrence engine failure.
func degraded(err error) error {
	var engineErr *recurrence.EngineError
	if errors.As(err, &engineErr) || errors.Is(err, recurrence.ErrInvalidRule) ||
		errors.Is(err, recurrence.ErrInvalidTimeZone) || errors.Is(err, recurrence.ErrInvalidInstant) {
		return &Error{Type: TypeEngineDegradation, Message: "recurrence engine failed", Err: err}
	}
	return err
}

// TypeOf returns the classification of err, or "" for unclassified errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsRetryable reports whether the whole operation may be retried once.
func IsRetryable(err error) bool {
	return TypeOf(err) == TypeConflict
}

// RetryOnConflict runs fn and, if it fails with a conflict, runs it exactly
// once more.
func RetryOnConflict[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || !IsRetryable(err) || ctx.Err() != nil {
		return v, err
	}
	return fn(ctx)
}
