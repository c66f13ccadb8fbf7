package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by ExchangeCache.GetExchange on a cache miss.
var ErrNotFound = errors.New("not found")

// RevocationStore holds tokens invalidated by logout.
// All methods accept context.Context for tracing and cancellation.
type RevocationStore interface {
	// Revoke adds token to the revocation set for ttl. Revoking an already
	// revoked token refreshes nothing and is not an error.
	Revoke(ctx context.Context, token string, ttl time.Duration) error

	// IsRevoked reports whether token is currently in the revocation set
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// ExchangeResult is the outcome of a successful authorization code exchange.
type ExchangeResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	ExchangedAt time.Time `json:"exchanged_at"`
}

// ExchangeCache is the short-lived idempotency cache for code exchanges.
type ExchangeCache interface {
	// GetExchange returns the cached result for key or ErrNotFound
	GetExchange(ctx context.Context, key string) (*ExchangeResult, error)

	// PutExchange stores result under key for ttl. The first writer wins:
	// a second Put for a key that is still cached leaves the original entry.
	PutExchange(ctx context.Context, key string, result *ExchangeResult, ttl time.Duration) error
}

// RevocationEntry describes a revoked token. TokenID is TokenKey(token).
type RevocationEntry struct {
	TokenID   string    `json:"token_id"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry has outlived its TTL at now
func (e RevocationEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TokenKey returns the SHA-256 hex digest used to index a token.
func TokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ExchangeKey derives the idempotency key for a (code, state) pair.
// The separator keeps ("ab","c") and ("a","bc") distinct.
func ExchangeKey(code, state string) string {
	sum := sha256.Sum256([]byte(code + "\x00" + state))
	return hex.EncodeToString(sum[:])
}
