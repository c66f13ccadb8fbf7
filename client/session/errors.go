package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState indicates the callback state did not match the stored
	// nonce, or no login was pending. No exchange was attempted.
	ErrInvalidState = errors.New("oauth state mismatch")

	// ErrExchangeFailed indicates the broker could not exchange the code
	ErrExchangeFailed = errors.New("code exchange failed")

	// ErrNotAuthenticated indicates there is no valid session
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAccessDenied indicates the user declined the authorization request
	ErrAccessDenied = errors.New("authorization denied")

	// ErrLoginInProgress indicates a callback is already being completed
	ErrLoginInProgress = errors.New("login already in progress")
)

// SessionError is a recoverable login or validation failure. The controller
// is back in a usable state when one is returned.
type SessionError struct {
	// Op is the failing step, e.g. "callback" or "revalidate"
	Op string

	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// BrokerError is a non-2xx response from the credential broker.
type BrokerError struct {
	Status      int
	Code        string
	Description string
}

func (e *BrokerError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("broker: status %d: %s: %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("broker: status %d: %s", e.Status, e.Code)
}
