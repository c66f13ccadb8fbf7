package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/providers"
)

const (
	// DefaultAPIBaseURL is the GitHub REST API root
	DefaultAPIBaseURL = "https://api.github.com"

	// AcceptHeader is the media type sent with every API request
	AcceptHeader = "application/vnd.github.v3+json"

	// maxProfileSize bounds the relayed /user document
	maxProfileSize = 1 << 20
)

// Compile-time check that UserClient implements providers.ProfileFetcher.
var _ providers.ProfileFetcher = (*UserClient)(nil)

// UserClient calls GitHub's /user endpoint.
type UserClient struct {
	baseURL    string
	httpClient *http.Client
	metrics    *instrumentation.Metrics
}

// NewUserClient creates a client for baseURL (default DefaultAPIBaseURL).
// A nil httpClient means a client with a 5 second timeout.
func NewUserClient(baseURL string, httpClient *http.Client) *UserClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &UserClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// SetInstrumentation enables provider API call metrics
func (c *UserClient) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		c.metrics = inst.Metrics()
	}
}

// UserProfile fetches the authenticated user from GitHub's /user endpoint.
func (c *UserClient) UserProfile(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	const op = "user_profile"

	if accessToken == "" {
		return nil, &providers.APIError{Op: op, Err: providers.ErrUnauthorized}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", AcceptHeader)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, op, 0, start, err)
		return nil, providers.TransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		apiErr := providers.ClassifyStatus(op, resp.StatusCode)
		// Anything other than a 401/403 on /user says nothing about the token,
		// and neither does a 403 for an exhausted rate limit
		if !errors.Is(apiErr, providers.ErrUnauthorized) || rateLimited(resp) {
			apiErr.Err = providers.ErrUpstream
		}
		c.record(ctx, op, resp.StatusCode, start, apiErr)
		return nil, apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileSize))
	if err != nil {
		c.record(ctx, op, resp.StatusCode, start, err)
		return nil, providers.TransportError(op, err)
	}
	c.record(ctx, op, resp.StatusCode, start, nil)

	var ghUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &ghUser); err != nil {
		return nil, &providers.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: invalid profile document", providers.ErrUpstream)}
	}

	return &providers.UserInfo{
		ID:        strconv.FormatInt(ghUser.ID, 10),
		Login:     ghUser.Login,
		Name:      ghUser.Name,
		Email:     ghUser.Email,
		AvatarURL: ghUser.AvatarURL,
		Raw:       json.RawMessage(body),
	}, nil
}

func (c *UserClient) record(ctx context.Context, op string, status int, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.RecordProviderAPICall(ctx, providerName, op, status, float64(time.Since(start).Milliseconds()), err)
	}
}

func rateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}
