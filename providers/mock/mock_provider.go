// Package mock provides mock implementations of the Provider interface for testing.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/giantswarm/coursesync/providers"
)

// Compile-time check that MockProvider implements providers.Provider.
var _ providers.Provider = (*MockProvider)(nil)

// DefaultAccessToken is returned by the default ExchangeCodeFunc
const DefaultAccessToken = "mock-access-token"

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*oauth2.Token, error)

	// UserProfileFunc is called when UserProfile() is invoked
	UserProfileFunc func(ctx context.Context, accessToken string) (*providers.UserInfo, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// NewMockProvider creates a new mock provider with default implementations.
// The default UserProfileFunc accepts DefaultAccessToken only.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return "https://mock.example.com/authorize?state=" + state
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken: DefaultAccessToken,
				TokenType:   "bearer",
			}, nil
		},
		UserProfileFunc: func(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
			if accessToken != DefaultAccessToken {
				return nil, &providers.APIError{Op: "user_profile", StatusCode: 401, Err: providers.ErrUnauthorized}
			}
			return MockUser(), nil
		},
	}
}

// MockUser returns the profile served by the default UserProfileFunc
func MockUser() *providers.UserInfo {
	raw, _ := json.Marshal(map[string]any{
		"id":    42,
		"login": "mock-user",
		"name":  "Mock User",
	})
	return &providers.UserInfo{
		ID:    "42",
		Login: "mock-user",
		Name:  "Mock User",
		Raw:   raw,
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release lock BEFORE calling user function
	// (user function might call other mock methods)
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL generates the URL to redirect users for authentication
func (m *MockProvider) AuthorizationURL(state string) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return fn(state)
}

// ExchangeCode exchanges an authorization code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code)
}

// UserProfile returns user information for an access token
func (m *MockProvider) UserProfile(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	m.mu.Lock()
	m.CallCounts["UserProfile"]++
	fn := m.UserProfileFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("UserProfileFunc not configured")
	}
	return fn(ctx, accessToken)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
