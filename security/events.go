package security

// Event type constants for security audit logging.
const (
	// EventLoginSucceeded is logged when a code exchange yields an access token
	EventLoginSucceeded = "login_succeeded"

	// EventLoginFailed is logged when the identity provider rejects a code exchange
	EventLoginFailed = "login_failed"

	// EventExchangeReplayed is logged when a duplicate callback is answered from the idempotency cache
	EventExchangeReplayed = "exchange_replayed"

	// EventTokenRevoked is logged when a token is added to the revocation set on logout
	EventTokenRevoked = "token_revoked"

	// EventRevokedTokenRejected is logged when a revoked token is presented again
	EventRevokedTokenRejected = "revoked_token_rejected" //nolint:gosec // event name, not a credential

	// EventAuthFailure is logged when a bearer token is missing or rejected upstream
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a client exceeds the request rate
	EventRateLimitExceeded = "rate_limit_exceeded"
)
