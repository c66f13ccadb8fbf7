package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "github"

// DefaultRequestTimeout bounds every call to GitHub
const DefaultRequestTimeout = 5 * time.Second

// DefaultScopes are requested when Config.Scopes is empty
var DefaultScopes = []string{"repo", "read:user"}

// Provider implements the providers.Provider interface for GitHub OAuth.
type Provider struct {
	*oauth2.Config
	*UserClient
	httpClient     *http.Client
	requestTimeout time.Duration
	metrics        *instrumentation.Metrics
}

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL registered with the app.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to DefaultScopes).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub calls (default: 5s).
	RequestTimeout time.Duration

	// Endpoint overrides the OAuth endpoints (GitHub Enterprise, tests).
	Endpoint *oauth2.Endpoint

	// APIBaseURL overrides the REST API root (default: https://api.github.com).
	APIBaseURL string
}

// NewProvider creates a new GitHub OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	// Deep copy scopes to prevent external modification
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)

	if err := providers.ValidateScopes(scopesCopy); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	endpoint := oauthgithub.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopesCopy,
			Endpoint:     endpoint,
		},
		UserClient:     NewUserClient(cfg.APIBaseURL, httpClient),
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
	}, nil
}

// SetInstrumentation enables provider API call metrics
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.UserClient.SetInstrumentation(inst)
	if inst != nil {
		p.metrics = inst.Metrics()
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL generates the GitHub OAuth authorization URL.
func (p *Provider) AuthorizationURL(state string) string {
	return p.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for an access token.
// GitHub OAuth Apps don't return refresh tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	const op = "exchange_code"

	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	// Use custom HTTP client
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	start := time.Now()
	token, err := p.Exchange(ctx, code)
	if err != nil {
		apiErr := classifyExchangeError(err)
		p.record(ctx, op, apiErr.StatusCode, start, apiErr)
		return nil, apiErr
	}
	p.record(ctx, op, http.StatusOK, start, nil)

	return token, nil
}

// classifyExchangeError maps oauth2 errors without keeping the response body.
func classifyExchangeError(err error) *providers.APIError {
	const op = "exchange_code"

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status >= 500 {
			return &providers.APIError{Op: op, StatusCode: status, Err: providers.ErrUpstream}
		}
		// GitHub answers bad_verification_code with a 200
		return &providers.APIError{Op: op, StatusCode: status, Err: providers.ErrInvalidGrant}
	}
	return providers.TransportError(op, err)
}

func (p *Provider) record(ctx context.Context, op string, status int, start time.Time, err error) {
	if p.metrics != nil {
		p.metrics.RecordProviderAPICall(ctx, providerName, op, status, float64(time.Since(start).Milliseconds()), err)
	}
}
