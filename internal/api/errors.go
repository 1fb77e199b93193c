package api

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a distinguishable "no such resource" outcome, e.g. a user
// with no server-side chat history. Callers treat it as a valid empty result.
var ErrNotFound = errors.New("api: not found")

// NetworkError wraps a failure to reach the service at all (dial, timeout).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("api: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-success response from the service, carrying the
// remote message when one was given.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: service error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: service error (status %d)", e.Status)
}
