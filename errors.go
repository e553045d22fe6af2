package pusudb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yamigr/pusudb/storage"
)

// ErrorKind classifies errors surfaced by the pipeline.
type ErrorKind string

const (
	// ParseError is a malformed wire payload.
	ParseError ErrorKind = "parse"
	// EmptyRequest is a request missing its namespace or payload.
	EmptyRequest ErrorKind = "empty_request"
	// StorageError is a failure reported by the store.
	StorageError ErrorKind = "storage"
	// UnknownOperation is an operation neither the router nor the store knows.
	UnknownOperation ErrorKind = "unknown_operation"
	// DeliveryError is a failed write to one subscriber. It never reaches the
	// request that caused the notification.
	DeliveryError ErrorKind = "delivery"
	// MiddlewareError is a failure raised by a before or after handler.
	MiddlewareError ErrorKind = "middleware"
)

// Error represents an error response in pusudb. It carries an HTTP-like
// status code, whether the error is temporary (retryable), and optional
// details.
type Error struct {
	Kind      ErrorKind   `json:"kind,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) withKind(kind ErrorKind) *Error {
	e.Kind = kind
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Kind:      e.Kind,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusBadRequest,
	}
}

func notFound(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusNotFound,
	}
}

func conflict(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusConflict,
	}
}

func forbidden(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusForbidden,
	}
}

func internal(message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusInternalServerError,
	}
}

func tooManyRequests(message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusTooManyRequests,
		Temporary: true,
	}
}

func timeout(message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		Temporary: true,
	}
}

func parseError(err error) *Error {
	return badRequest(err.Error()).withKind(ParseError).withCause(err)
}

func emptyRequest(message string) *Error {
	return badRequest(message).withKind(EmptyRequest)
}

func deliveryError(token Token, err error) *Error {
	return wrapF(err, "delivery to %s failed", token).withKind(DeliveryError)
}

// storageError classifies an error returned by the store.
func storageError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case storage.ErrUnknownOperation.Has(err):
		return badRequest(err.Error()).withKind(UnknownOperation).withCause(err)
	case storage.ErrKeyNotFound.Has(err):
		return notFound(err.Error()).withKind(StorageError).withCause(err)
	case storage.ErrEmptyKey.Has(err), storage.ErrEmptyBatch.Has(err), storage.ErrInvalidPayload.Has(err):
		return badRequest(err.Error()).withKind(StorageError).withCause(err)
	case storage.ErrClosed.Has(err):
		return &Error{
			Kind:      StorageError,
			Message:   err.Error(),
			Code:      StatusServiceUnavailable,
			Temporary: true,
			cause:     err,
		}
	}
	return internal(err.Error()).withKind(StorageError).withCause(err)
}

// middlewareError converts a handler failure. An *Error keeps its code; a
// kindless one is marked as a middleware failure.
func middlewareError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Kind == "" {
			clone := *e
			return clone.withKind(MiddlewareError)
		}
		return e
	}
	return internal(err.Error()).withKind(MiddlewareError).withCause(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	if err == nil {
		return 200
	}
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return StatusInternalServerError
}

// errorMessage renders err for the `err` field of an envelope.
func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	message := err.Error()

	var e *Error
	if errors.As(err, &e) {
		message = e.Message
	}
	return &message
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}
