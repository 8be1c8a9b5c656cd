package registrar

import (
	"errors"
	"fmt"
)

// Result codes used by the registrar API. Everything except CodeOK is an error.
const (
	CodeOK           = 1000
	CodeAuthFailed   = 2001
	CodeNotFound     = 2100
	CodeExists       = 2302
	CodeInvalidParam = 2304
)

// APIError is a non-success result code returned by the registrar.
type APIError struct {
	Method string
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registrar %s: code %d: %s", e.Method, e.Code, e.Msg)
}

// NotFound reports whether the error represents a missing remote object.
func (e *APIError) NotFound() bool { return e.Code == CodeNotFound }

// TransientError wraps transport-level failures (timeouts, 5xx) that are safe
// to retry within a step's own poll budget.
type TransientError struct {
	Method string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("registrar %s: transient: %v", e.Method, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UnavailableError indicates a domain cannot be registered because it is taken.
type UnavailableError struct {
	Domain string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("domain %s is not available for registration", e.Domain)
}

// IsTransient reports whether the error is retryable within a poll loop.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
