package coursesync

// CallbackRequest is the body of POST /github/oauth/callback
type CallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// TokenResponse is returned by a successful callback
type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

// ValidateTokenResponse is returned by POST /github/validate-token.
// It deliberately carries no reason.
type ValidateTokenResponse struct {
	Valid bool `json:"valid"`
}

// LogoutResponse is returned by POST /github/logout
type LogoutResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
