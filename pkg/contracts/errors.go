package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the core surfaces to callers.
type ErrorKind string

// Error kinds.
const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindConflict       ErrorKind = "conflict"
	KindUnavailable    ErrorKind = "unavailable"
	KindTimeout        ErrorKind = "timeout"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindInternal       ErrorKind = "internal"
)

// Error is the public error type of the core. Internal causes are carried
// for logging but callers branch on Kind only.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to an underlying cause.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from any error; unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
