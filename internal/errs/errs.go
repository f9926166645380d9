// Package errs defines the failure kinds that cross component boundaries.
//
// Every error produced by the decoder, the model or the lifecycle code is
// classified by wrapping one of the sentinel kinds below. The API boundary
// switches on the kind with errors.Is and only ever shows clients the
// public message; the wrapped cause is for logs.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrDecode     = errors.New("decode error")
	ErrInference  = errors.New("inference error")
	ErrStartup    = errors.New("startup error")
)

// Error pairs a client-safe message with its kind and internal cause.
type Error struct {
	kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.Cause}
}

// Kind returns the sentinel this error was classified as.
func (e *Error) Kind() error {
	return e.kind
}

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

func Decode(cause error, format string, args ...any) error {
	return newError(ErrDecode, cause, format, args...)
}

func Inference(cause error, format string, args ...any) error {
	return newError(ErrInference, cause, format, args...)
}

func Startup(cause error, format string, args ...any) error {
	return newError(ErrStartup, cause, format, args...)
}

// PublicMessage returns the message that may be sent to a client, or
// fallback when err carries none.
func PublicMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
