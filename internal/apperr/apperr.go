// Package apperr defines the error taxonomy shared by the identity services.
//
// Repositories return plain wrapped errors (optionally wrapping one of the
// sentinels below); services translate them into a *Error with a Kind so the
// HTTP layer and the CLI can report a specific reason.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindExternalDependency Kind = "external_dependency"
	KindPersistence        Kind = "persistence"
)

// Infrastructure facts returned by stores.
var (
	ErrNotFound    = errors.New("not found")
	ErrCycle       = errors.New("merge pointer cycle")
	ErrTooDeep     = errors.New("merge pointer chain too deep")
	ErrLockTimeout = errors.New("lock wait timeout")
)

type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches structured data (ids, field diffs) to the error.
func (e *Error) WithDetails(kv map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		e.Details[k] = v
	}
	return e
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func ExternalDependency(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExternalDependency, Message: fmt.Sprintf(format, args...), Err: err}
}

func Persistence(err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in the chain. Errors without a
// kind are treated as persistence failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindPersistence
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may retry after re-resolving
// canonical ids.
func IsRetryable(err error) bool {
	return Is(err, KindConflict)
}
