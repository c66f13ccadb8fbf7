package coursesync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/coursesync/broker"
)

// Error codes returned in the "error" field of JSON error responses
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeInvalidGrant      = "invalid_grant"
	ErrorCodeExchangeFailed    = "exchange_failed"
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeUpstreamError     = "upstream_error"
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// Error is an error response written by the broker's HTTP handlers
type Error struct {
	Code        string // Error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new error response
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrExchangeFailed indicates GitHub could not complete the code exchange
	ErrExchangeFailed = func(desc string) *Error {
		return NewError(ErrorCodeExchangeFailed, desc, http.StatusInternalServerError)
	}

	// ErrInvalidToken indicates the access token is missing, rejected or revoked
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUpstream indicates GitHub failed or timed out
	ErrUpstream = func(desc string) *Error {
		return NewError(ErrorCodeUpstreamError, desc, http.StatusInternalServerError)
	}

	// ErrServerError indicates an internal server error
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// exchangeError maps a broker.Exchange error to a response.
// Descriptions are fixed strings; upstream details never reach the client.
func exchangeError(err error) *Error {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		return ErrInvalidRequest("code and state are required")
	case errors.Is(err, broker.ErrInvalidGrant):
		return ErrInvalidGrant("The authorization code is invalid or expired")
	default:
		return ErrExchangeFailed("Failed to exchange authorization code")
	}
}

// userInfoError maps a broker.UserInfo error to a response
func userInfoError(err error) *Error {
	switch {
	case errors.Is(err, broker.ErrTokenRevoked):
		return ErrInvalidToken("Token has been revoked")
	case errors.Is(err, broker.ErrUnauthorized):
		return ErrInvalidToken("Token is invalid")
	default:
		return ErrUpstream("Failed to fetch user profile")
	}
}
