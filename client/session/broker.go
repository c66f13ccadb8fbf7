package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxBrokerResponseSize bounds broker responses
const maxBrokerResponseSize = 64 << 10

// BrokerClient calls the credential broker's HTTP API.
type BrokerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBrokerClient creates a client for the broker at baseURL.
// A nil httpClient means http.DefaultClient; callers bound calls with ctx.
func NewBrokerClient(baseURL string, httpClient *http.Client) *BrokerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &BrokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Exchange trades an authorization code for an access token.
func (b *BrokerClient) Exchange(ctx context.Context, code, state string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{"code": code, "state": state}
	if err := b.call(ctx, http.MethodPost, "/github/oauth/callback", "", body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("broker returned no access token")
	}
	return resp.AccessToken, nil
}

// ValidateToken asks the broker whether token is usable. The broker answers
// false for revoked, rejected and unverifiable tokens alike.
func (b *BrokerClient) ValidateToken(ctx context.Context, token string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := b.call(ctx, http.MethodPost, "/github/validate-token", token, nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Logout revokes token at the broker.
func (b *BrokerClient) Logout(ctx context.Context, token string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	return b.call(ctx, http.MethodPost, "/github/logout", token, nil, &resp)
}

// User returns the GitHub profile document relayed by the broker.
func (b *BrokerClient) User(ctx context.Context, token string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := b.call(ctx, http.MethodGet, "/github/user", token, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *BrokerClient) call(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBrokerResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read broker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(data, &e)
		return &BrokerError{Status: resp.StatusCode, Code: e.Error, Description: e.ErrorDescription}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode broker response: %w", err)
	}
	return nil
}
