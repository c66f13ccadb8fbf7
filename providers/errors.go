package providers

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidGrant indicates the authorization code was rejected
	ErrInvalidGrant = errors.New("authorization code rejected by provider")

	// ErrUnauthorized indicates the access token was rejected
	ErrUnauthorized = errors.New("access token rejected by provider")

	// ErrUpstream indicates the provider could not be reached or failed
	ErrUpstream = errors.New("provider unavailable")
)

// APIError describes a failed provider call. It never carries the response body.
type APIError struct {
	// Op is the provider operation, e.g. "exchange_code" or "user_profile"
	Op string

	// StatusCode is the HTTP status, or 0 for transport failures
	StatusCode int

	// Err is one of the package sentinels, optionally wrapping a cause
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps a non-2xx provider status for op to an APIError.
func ClassifyStatus(op string, statusCode int) *APIError {
	var sentinel error
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case statusCode >= 500:
		sentinel = ErrUpstream
	case statusCode >= 400:
		sentinel = ErrInvalidGrant
	default:
		sentinel = ErrUpstream
	}
	return &APIError{Op: op, StatusCode: statusCode, Err: sentinel}
}

// TransportError wraps a network-level failure (timeout, refused connection).
func TransportError(op string, cause error) *APIError {
	return &APIError{Op: op, Err: fmt.Errorf("%w: %w", ErrUpstream, cause)}
}
