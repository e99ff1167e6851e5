// Package apperr holds the error taxonomy shared by the request path and the
// job path.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
)

// Error is a request-path error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Code: "UNAUTHORIZED", Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: "CONFLICT", Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus returns the status for any error exposing HTTPStatus() int,
// or 500.
func HTTPStatus(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// TransientDispatchError marks a job failure worth retrying.
type TransientDispatchError struct {
	Err error
}

func (e *TransientDispatchError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientDispatchError) Unwrap() error { return e.Err }

// PermanentDispatchError marks a job failure that retrying cannot fix.
type PermanentDispatchError struct {
	Err error
}

func (e *PermanentDispatchError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentDispatchError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDispatchError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDispatchError{Err: err}
}

// Transientf and Permanentf build classified errors from a message.
func Transientf(format string, args ...any) error { return Transient(fmt.Errorf(format, args...)) }

func Permanentf(format string, args ...any) error { return Permanent(fmt.Errorf(format, args...)) }

func IsPermanent(err error) bool {
	var p *PermanentDispatchError
	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient; only an explicit PermanentDispatchError does not.
// An unclassified handler bug is therefore retried until the job's attempts
// run out and only then dead-lettered. Handlers that know a failure cannot
// succeed on retry must wrap it with Permanent.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
