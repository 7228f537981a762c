package source

import (
	"errors"
	"fmt"
	"net/http"
	"syscall"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
)

// NetworkError represents transport failures and 5xx responses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "stat", "open")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the remote or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// UnavailableError is returned when the source has no bundle with the requested name.
type UnavailableError struct {
	Name string // Bundle that could not be found
	Err  error  // Underlying error, if any
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("bundle %s is not available", e.Name)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Code maps an error to the error code reported on a Failed bundle.
func Code(err error) string {
	var (
		netErr  *NetworkError
		missing *UnavailableError
		authErr *AuthenticationError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return fetch.ErrorCodeUnavailable
	case errors.As(err, &authErr):
		return fetch.ErrorCodeAccessDenied
	case errors.As(err, &netErr):
		return fetch.ErrorCodeNetwork
	case errors.Is(err, syscall.ENOSPC):
		return fetch.ErrorCodeInsufficientStorage
	default:
		return fetch.ErrorCodeInternal
	}
}

// FromHTTPStatus classifies a non-2xx response from a bundle server.
func FromHTTPStatus(operation, name string, statusCode int) error {
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		return &UnavailableError{Name: name}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{Operation: operation}
	default:
		return &NetworkError{
			Operation:  operation,
			StatusCode: statusCode,
			Message:    http.StatusText(statusCode),
		}
	}
}
