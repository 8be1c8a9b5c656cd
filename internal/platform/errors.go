package platform

import (
	"errors"
	"fmt"
)

// AuthError means the platform rejected our credentials. Not retryable.
type AuthError struct {
	Op      string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("platform %s: authentication failed: %s", e.Op, e.Message)
}

// NotFoundError means the referenced platform object does not exist.
type NotFoundError struct {
	Op      string
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("platform %s: not found: %s", e.Op, e.Message)
}

// ValidationError means the platform rejected the request contents, e.g. a
// domain already in use. Not retryable without operator intervention.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("platform %s: invalid request: %s", e.Op, e.Message)
}

// TransientError wraps network failures and 5xx responses, which are safe to
// retry within a step's poll budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("platform %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
