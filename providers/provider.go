package providers

import (
	"context"
	"encoding/json"

	"golang.org/x/oauth2"
)

// ProfileFetcher resolves an access token to the authenticated user.
// It needs no client secret, so client-side code can use it directly.
type ProfileFetcher interface {
	// UserProfile returns the profile for accessToken. A rejected token
	// yields an error wrapping ErrUnauthorized.
	UserProfile(ctx context.Context, accessToken string) (*UserInfo, error)
}

// Provider defines the interface for OAuth identity providers.
type Provider interface {
	ProfileFetcher

	// Name returns the provider name (e.g., "github")
	Name() string

	// AuthorizationURL generates the URL to redirect users for authentication
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for a token.
	// Rejected codes yield an error wrapping ErrInvalidGrant, timeouts and
	// 5xx responses an error wrapping ErrUpstream.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Login is the account handle (GitHub username)
	Login string

	// Email is the user's public email address, if any
	Email string

	// Name is the user's display name
	Name string

	// AvatarURL is the URL of the user's profile picture
	AvatarURL string

	// Raw is the unmodified profile document returned by the provider.
	// The broker relays it to clients as-is.
	Raw json.RawMessage
}
