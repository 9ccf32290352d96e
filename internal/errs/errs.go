// Package errs defines the collaboration core's error taxonomy. Every failure a
// component returns to a caller carries one of the Kinds below so the API layer
// can map it to a distinct outcome.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidState     Kind = "invalid_state"
	KindConflict         Kind = "conflict"
)

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrConflict         = &Error{Kind: KindConflict}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.ErrNotFound)
// works for every NotFound regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func PermissionDenied(op, format string, args ...any) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the taxonomy kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
