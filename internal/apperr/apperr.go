// Package apperr defines the error kinds shared by the review, collab and app layers.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindForbidden      Kind = "FORBIDDEN"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindStorageFailure Kind = "STORAGE_FAILURE"
)

// Error carries a kind plus a client-facing code and message. Code defaults to
// the kind when empty.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.code(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) code() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// PublicCode is the code reported to clients.
func (e *Error) PublicCode() string {
	return e.code()
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func WithCode(kind Kind, code, message string, details any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

func Validation(message string) *Error { return New(KindValidation, message) }
func Forbidden() *Error                { return New(KindForbidden, "Forbidden") }
func NotFound(what string) *Error      { return Newf(KindNotFound, "%s not found", what) }
func Conflict(message string) *Error   { return New(KindConflict, message) }

func Storage(err error, op string) *Error {
	return Wrap(KindStorageFailure, err, op)
}

// KindOf returns the kind of the first *Error in err's chain, or "" for
// errors that carry none.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
