// Package errors provides the error taxonomy shared by the sync components.
//
// Transient failures (network, 5xx, timeouts) are retried with backoff.
// Permanent failures (unknown action, malformed payload) are never retried.
// Storage failures degrade the caller instead of aborting it.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrNotConnected  = errors.New("channel not connected")
	ErrRejected      = errors.New("request rejected by server")
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownAction = errors.New("unknown action")
	ErrPermanent     = errors.New("permanent failure")
	ErrStorage       = errors.New("storage failure")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
)

// APIError represents a non-2xx response from the remote admin API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(endpoint string, statusCode int, message string) *APIError {
	return &APIError{Endpoint: endpoint, StatusCode: statusCode, Message: message}
}

// RejectedError carries the message the server returned with success=false.
type RejectedError struct {
	Operation string
	Message   string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Operation, ErrRejected)
	}
	return fmt.Sprintf("%s: %v: %s", e.Operation, ErrRejected, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrMalformed)
}

// Permanent marks err as permanent while keeping it inspectable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
