// Package apperr carries typed error kinds across package boundaries so the
// transport layer can map them to status codes without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	Unauthorised
	PreconditionFailed
	AlreadyExists
	StaleVersion
	TransientUnavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Unauthorised:
		return "unauthorised"
	case PreconditionFailed:
		return "precondition_failed"
	case AlreadyExists:
		return "already_exists"
	case StaleVersion:
		return "stale_version"
	case TransientUnavailable:
		return "transient_unavailable"
	default:
		return "internal"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Code is the stable machine-readable code, e.g. "stale_version"
func (e *Error) Code() string { return e.Kind.String() }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrStaleVersion  = &Error{Kind: StaleVersion, Message: "stale version"}
	ErrAlreadyExists = &Error{Kind: AlreadyExists, Message: "already exists"}
	ErrNotFound      = &Error{Kind: NotFound, Message: "not found"}
)

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf walks the chain for the first *Error. Context timeouts count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientUnavailable
	}
	return Internal
}

// Code returns the code of err's kind
func Code(err error) string { return KindOf(err).String() }

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns a client-safe message; internal errors are not leaked.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Message
	}
	if KindOf(err) == TransientUnavailable {
		return "service temporarily unavailable"
	}
	return "internal error"
}
