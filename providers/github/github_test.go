package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/coursesync/providers"
)

const (
	testTokenEndpoint = "/login/oauth/access_token"
	testAccessToken   = "gho_test_access_token"
	testClientID      = "test-client-id"
	testClientSecret  = "test-client-secret"
	testCallbackURL   = "https://course.example.com/auth/callback"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(&Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testCallbackURL,
		Endpoint: &oauth2.Endpoint{
			AuthURL:   srv.URL + "/login/oauth/authorize",
			TokenURL:  srv.URL + testTokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIBaseURL:     srv.URL,
		RequestTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: &Config{ClientID: testClientID, ClientSecret: testClientSecret, RedirectURL: testCallbackURL},
		},
		{
			name:   "custom scopes",
			config: &Config{ClientID: testClientID, ClientSecret: testClientSecret, Scopes: []string{"public_repo"}},
		},
		{
			name:    "missing client ID",
			config:  &Config{ClientSecret: testClientSecret},
			wantErr: true,
			errMsg:  "client ID is required",
		},
		{
			name:    "missing client secret",
			config:  &Config{ClientID: testClientID},
			wantErr: true,
			errMsg:  "client secret is required",
		},
		{
			name:    "empty scope",
			config:  &Config{ClientID: testClientID, ClientSecret: testClientSecret, Scopes: []string{""}},
			wantErr: true,
			errMsg:  "invalid scopes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want substring %q", err, tt.errMsg)
				}
				return
			}
			if p.Name() != "github" {
				t.Errorf("Name() = %q", p.Name())
			}
			if p.requestTimeout != DefaultRequestTimeout {
				t.Errorf("requestTimeout = %v, want %v", p.requestTimeout, DefaultRequestTimeout)
			}
		})
	}
}

func TestProvider_DefaultScopesNotShared(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	p.Scopes[0] = "mutated"
	if DefaultScopes[0] != "repo" {
		t.Error("provider scopes alias the package default")
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p, _ := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret, RedirectURL: testCallbackURL})

	u, err := url.Parse(p.AuthorizationURL("nonce-123"))
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	q := u.Query()
	if u.Host != "github.com" {
		t.Errorf("host = %q, want github.com", u.Host)
	}
	if q.Get("state") != "nonce-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("scope") != "repo read:user" {
		t.Errorf("scope = %q, want %q", q.Get("scope"), "repo read:user")
	}
	if q.Get("client_id") != testClientID {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantToken  string
		wantErr    error
		wantStatus int
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = r.ParseForm()
				if r.Form.Get("code") != "good-code" {
					t.Errorf("code = %q", r.Form.Get("code"))
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(map[string]string{
					"access_token": testAccessToken,
					"token_type":   "bearer",
					"scope":        "repo,read:user",
				})
			},
			wantToken: testAccessToken,
		},
		{
			name: "bad verification code with 200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`))
			},
			wantErr: providers.ErrInvalidGrant,
		},
		{
			name: "400 from token endpoint",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			},
			wantErr:    providers.ErrInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "upstream 502",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr:    providers.ErrUpstream,
			wantStatus: http.StatusBadGateway,
		},
		{
			name: "upstream hangs",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			wantErr: providers.ErrUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, tt.handler)

			token, err := p.ExchangeCode(context.Background(), "good-code")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ExchangeCode() error = %v, want %v", err, tt.wantErr)
				}
				var apiErr *providers.APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("error should be *providers.APIError, got %T", err)
				}
				if tt.wantStatus != 0 && apiErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.wantStatus)
				}
				if strings.Contains(err.Error(), "incorrect or expired") {
					t.Error("error leaks upstream body")
				}
				return
			}
			if err != nil {
				t.Fatalf("ExchangeCode() error = %v", err)
			}
			if token.AccessToken != tt.wantToken {
				t.Errorf("AccessToken = %q, want %q", token.AccessToken, tt.wantToken)
			}
		})
	}
}

func TestUserClient_UserProfile(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    http.Header
		body      string
		token     string
		wantErr   error
		wantLogin string
	}{
		{
			name:      "success",
			status:    http.StatusOK,
			body:      `{"id":583231,"login":"octocat","name":"The Octocat","avatar_url":"https://avatars.example/u/583231"}`,
			token:     testAccessToken,
			wantLogin: "octocat",
		},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"Bad credentials"}`, token: testAccessToken, wantErr: providers.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, token: testAccessToken, wantErr: providers.ErrUnauthorized},
		{
			name:    "rate limited 403",
			status:  http.StatusForbidden,
			header:  http.Header{"X-Ratelimit-Remaining": []string{"0"}},
			body:    `{"message":"API rate limit exceeded"}`,
			token:   testAccessToken,
			wantErr: providers.ErrUpstream,
		},
		{name: "server error", status: http.StatusInternalServerError, token: testAccessToken, wantErr: providers.ErrUpstream},
		{name: "rate limited 429", status: http.StatusTooManyRequests, token: testAccessToken, wantErr: providers.ErrUpstream},
		{name: "empty token", token: "", wantErr: providers.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if r.URL.Path != "/user" {
					t.Errorf("path = %q, want /user", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer "+tt.token {
					t.Errorf("Authorization = %q", got)
				}
				if got := r.Header.Get("Accept"); got != AcceptHeader {
					t.Errorf("Accept = %q", got)
				}
				for k, v := range tt.header {
					w.Header()[k] = v
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			info, err := NewUserClient(srv.URL, srv.Client()).UserProfile(context.Background(), tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("UserProfile() error = %v, want %v", err, tt.wantErr)
				}
				if tt.wantErr == providers.ErrUpstream && errors.Is(err, providers.ErrUnauthorized) {
					t.Errorf("UserProfile() error = %v, should not report the token as unauthorized", err)
				}
				if tt.token == "" && calls.Load() != 0 {
					t.Error("empty token should not reach GitHub")
				}
				return
			}
			if err != nil {
				t.Fatalf("UserProfile() error = %v", err)
			}
			if info.Login != tt.wantLogin || info.ID != "583231" {
				t.Errorf("info = %+v", info)
			}
			if string(info.Raw) != tt.body {
				t.Errorf("Raw = %s, want the relayed body", info.Raw)
			}
		})
	}
}
