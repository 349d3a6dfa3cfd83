package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell "peer untrusted" apart from
// "peer unreachable" without string matching.
type Kind string

const (
	KindInvalidFormat    Kind = "INVALID_FORMAT"
	KindResolutionFailed Kind = "RESOLUTION_FAILED"
	KindNotFound         Kind = "NOT_FOUND"
	KindExpired          Kind = "EXPIRED"
	KindUUIDConflict     Kind = "UUID_CONFLICT"
	KindInternal         Kind = "INTERNAL"

	// Dispatch level kinds
	KindMethodNotAllowed Kind = "METHOD_NOT_ALLOWED"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindCryptographic    Kind = "CRYPTOGRAPHIC_ERROR"
)

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrInvalidFormat    = &Error{Kind: KindInvalidFormat}
	ErrResolutionFailed = &Error{Kind: KindResolutionFailed}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrUUIDConflict     = &Error{Kind: KindUUIDConflict}
	ErrInternal         = &Error{Kind: KindInternal}
	ErrMethodNotAllowed = &Error{Kind: KindMethodNotAllowed}
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrCryptographic    = &Error{Kind: KindCryptographic}
)

// Error is the error value returned across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf formats a message and tags it with kind. A %w verb keeps the
// wrapped error reachable through errors.Unwrap.
func Errorf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// KindOf returns the kind carried by err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind is shorthand for KindOf(err) == kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
