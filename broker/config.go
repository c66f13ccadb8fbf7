package broker

import "time"

const (
	// DefaultRevocationTTL is how long a logged-out token stays blacklisted
	DefaultRevocationTTL = 24 * time.Hour

	// DefaultExchangeCacheTTL is how long a successful exchange is replayed
	DefaultExchangeCacheTTL = 2 * time.Minute

	// DefaultUpstreamTimeout bounds each call to GitHub
	DefaultUpstreamTimeout = 5 * time.Second

	// maxParamLength bounds code and state values
	maxParamLength = 512
)

// Config holds broker settings. Zero values select the defaults.
type Config struct {
	// RevocationTTL is the lifetime of a revocation entry (default: 24h)
	RevocationTTL time.Duration

	// ExchangeCacheTTL is the lifetime of an idempotency cache entry (default: 2m)
	ExchangeCacheTTL time.Duration

	// UpstreamTimeout bounds code exchange and profile calls (default: 5s)
	UpstreamTimeout time.Duration
}

func applyDefaults(config *Config) *Config {
	out := *config
	if out.RevocationTTL <= 0 {
		out.RevocationTTL = DefaultRevocationTTL
	}
	if out.ExchangeCacheTTL <= 0 {
		out.ExchangeCacheTTL = DefaultExchangeCacheTTL
	}
	if out.UpstreamTimeout <= 0 {
		out.UpstreamTimeout = DefaultUpstreamTimeout
	}
	return &out
}
