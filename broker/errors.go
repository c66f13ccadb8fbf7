package broker

import "errors"

var (
	// ErrInvalidRequest indicates missing or malformed input; no upstream call was made
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidGrant indicates GitHub rejected the authorization code
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUpstream indicates GitHub or the broker's state store failed or timed out
	ErrUpstream = errors.New("upstream failure")

	// ErrTokenRevoked indicates the token was presented to logout
	ErrTokenRevoked = errors.New("token revoked")

	// ErrUnauthorized indicates the token is missing or rejected by GitHub
	ErrUnauthorized = errors.New("unauthorized")
)
