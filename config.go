package coursesync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/giantswarm/coursesync/broker"
	"github.com/giantswarm/coursesync/internal/util"
	"github.com/giantswarm/coursesync/security"
)

// Environment variable names recognised by LoadConfig
const (
	EnvGitHubClientID     = "GITHUB_CLIENT_ID"
	EnvGitHubClientSecret = "GITHUB_CLIENT_SECRET" //nolint:gosec // variable name, not a credential
	EnvGitHubRedirectURI  = "GITHUB_REDIRECT_URI"
	EnvAllowedOrigin      = "ALLOWED_ORIGIN"
	EnvPort               = "PORT"
	EnvRevocationTTL      = "REVOCATION_TTL"
	EnvExchangeCacheTTL   = "EXCHANGE_CACHE_TTL"
	EnvUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	EnvRedisAddr          = "REDIS_ADDR"
	EnvRedisPassword      = "REDIS_PASSWORD" //nolint:gosec // variable name, not a credential
	EnvRateLimitRPS       = "RATE_LIMIT_RPS"
	EnvRateLimitBurst     = "RATE_LIMIT_BURST"
	EnvTrustProxy         = "TRUST_PROXY"
	EnvTrustedProxyCount  = "TRUSTED_PROXY_COUNT"
	EnvEncryptionKey      = "ENCRYPTION_KEY"
	EnvAuditLogging       = "AUDIT_LOGGING"
	EnvSentryDSN          = "SENTRY_DSN"
	EnvAppEnv             = "APP_ENV"
	EnvLogLevel           = "LOG_LEVEL"
	EnvMetricsEnabled     = "METRICS_ENABLED"
)

const (
	// DefaultPort matches the port the course site's frontend expects
	DefaultPort = 3001

	// DefaultRateLimitRPS is the sustained per-IP request rate
	DefaultRateLimitRPS = 5

	// DefaultRateLimitBurst is the per-IP burst size
	DefaultRateLimitBurst = 20
)

// Config holds the broker process configuration
type Config struct {
	// GitHub OAuth App credentials (required)
	GitHub GitHubConfig

	// AllowedOrigin is the single frontend origin allowed to call the
	// broker with credentials (required)
	AllowedOrigin string

	// Port is the listening port (default: 3001)
	Port int

	// Broker holds revocation and exchange cache TTLs and the upstream timeout
	Broker broker.Config

	// RedisAddr selects shared Redis storage when set; otherwise state is in memory
	RedisAddr     string
	RedisPassword string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// EncryptionKey is the AES-256 key (32 bytes) for cached tokens at rest.
	// Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging (default: true)
	EnableAuditLogging bool

	// SentryDSN enables panic reporting when set
	SentryDSN string

	// Environment is reported to Sentry and logs (default: "development")
	Environment string

	// LogLevel is one of debug, info, warn, error (default: info)
	LogLevel slog.Level

	// MetricsEnabled exposes Prometheus metrics on /metrics
	MetricsEnabled bool
}

// GitHubConfig holds GitHub OAuth App settings
type GitHubConfig struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURI is the callback URL registered with the app.
	RedirectURI string
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond allowed per IP. Zero or negative disables limiting.
	RequestsPerSecond float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the broker (default: 1)
	TrustedProxyCount int
}

// Addr returns the listen address for Port
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SecureTransport reports whether the broker is reached over HTTPS,
// judged from the registered redirect URI.
func (c *Config) SecureTransport() bool {
	u, err := url.Parse(c.GitHub.RedirectURI)
	return err == nil && u.Scheme == "https"
}

// LoadConfig reads configuration from the environment. Files in envFiles are
// loaded first with godotenv (missing files are ignored, existing variables
// win). With no envFiles, ".env" in the working directory is tried.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := &Config{
		GitHub: GitHubConfig{
			ClientID:     os.Getenv(EnvGitHubClientID),
			ClientSecret: os.Getenv(EnvGitHubClientSecret),
			RedirectURI:  os.Getenv(EnvGitHubRedirectURI),
		},
		AllowedOrigin: util.NormalizeURL(os.Getenv(EnvAllowedOrigin)),
		RedisAddr:     os.Getenv(EnvRedisAddr),
		RedisPassword: os.Getenv(EnvRedisPassword),
		SentryDSN:     os.Getenv(EnvSentryDSN),
		Environment:   os.Getenv(EnvAppEnv),
	}

	cfg.Port = envInt(EnvPort, DefaultPort, &errs)
	cfg.Broker.RevocationTTL = envDuration(EnvRevocationTTL, broker.DefaultRevocationTTL, &errs)
	cfg.Broker.ExchangeCacheTTL = envDuration(EnvExchangeCacheTTL, broker.DefaultExchangeCacheTTL, &errs)
	cfg.Broker.UpstreamTimeout = envDuration(EnvUpstreamTimeout, broker.DefaultUpstreamTimeout, &errs)
	cfg.RateLimit.RequestsPerSecond = envFloat(EnvRateLimitRPS, DefaultRateLimitRPS, &errs)
	cfg.RateLimit.Burst = envInt(EnvRateLimitBurst, DefaultRateLimitBurst, &errs)
	cfg.RateLimit.TrustProxy = envBool(EnvTrustProxy, false, &errs)
	cfg.RateLimit.TrustedProxyCount = envInt(EnvTrustedProxyCount, 1, &errs)
	cfg.EnableAuditLogging = envBool(EnvAuditLogging, true, &errs)
	cfg.MetricsEnabled = envBool(EnvMetricsEnabled, false, &errs)

	if level := os.Getenv(EnvLogLevel); level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvLogLevel, err))
		}
	}

	if raw := os.Getenv(EnvEncryptionKey); raw != "" {
		key, err := security.KeyFromBase64(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvEncryptionKey, err))
		}
		cfg.EncryptionKey = key
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
}

// Validate reports every missing or invalid required setting at once.
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		name, value string
	}{
		{EnvGitHubClientID, c.GitHub.ClientID},
		{EnvGitHubClientSecret, c.GitHub.ClientSecret},
		{EnvGitHubRedirectURI, c.GitHub.RedirectURI},
		{EnvAllowedOrigin, c.AllowedOrigin},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	if c.GitHub.RedirectURI != "" {
		if err := validateAbsoluteURL(c.GitHub.RedirectURI); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvGitHubRedirectURI, err))
		}
	}
	if c.AllowedOrigin != "" {
		if err := validateOrigin(c.AllowedOrigin); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvAllowedOrigin, err))
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", EnvPort, c.Port))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1 when rate limiting is enabled", EnvRateLimitBurst))
	}

	return errors.Join(errs...)
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	if u.Scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		return fmt.Errorf("plain http is only allowed for loopback hosts")
	}
	return nil
}

func validateOrigin(origin string) error {
	if err := validateAbsoluteURL(origin); err != nil {
		return err
	}
	u, _ := url.Parse(origin)
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("origin must not contain a path, query or fragment")
	}
	return nil
}

func envInt(name string, def int, errs *[]error) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", name, raw))
		return def
	}
	return v
}

func envFloat(name string, def float64, errs *[]error) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", name, raw))
		return def
	}
	return v
}

func envBool(name string, def bool, errs *[]error) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", name, raw))
		return def
	}
	return v
}

func envDuration(name string, def time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", name, raw))
		return def
	}
	return v
}
