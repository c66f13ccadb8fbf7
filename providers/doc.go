// Package providers defines the identity provider interface used by the credential broker.
//
// A Provider exchanges OAuth authorization codes for access tokens and resolves
// an access token to the user's profile. Errors are classified into a small set
// of sentinels so callers can map them to HTTP statuses without inspecting
// upstream bodies:
//   - ErrInvalidGrant: the code was rejected (bad, expired or already used)
//   - ErrUnauthorized: the access token was rejected (401/403)
//   - ErrUpstream: timeout, transport failure or 5xx
//
// Implementations are provided in subpackages:
//   - providers/github: GitHub OAuth Apps
//   - providers/mock: Mock provider for testing
package providers
