package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerClient_Exchange(t *testing.T) {
	var got struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/github/oauth/callback", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"access_token":"gho_abc"}`))
	}))
	defer srv.Close()

	token, err := NewBrokerClient(srv.URL+"/", nil).Exchange(context.Background(), "the-code", "the-state")
	require.NoError(t, err)
	assert.Equal(t, "gho_abc", token)
	assert.Equal(t, "the-code", got.Code)
	assert.Equal(t, "the-state", got.State)
}

func TestBrokerClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   string
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"expired"}`, 400, "invalid_grant"},
		{"exchange failed", http.StatusInternalServerError, `{"error":"exchange_failed"}`, 500, "exchange_failed"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, 502, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewBrokerClient(srv.URL, nil).Exchange(context.Background(), "c", "s")
			var berr *BrokerError
			require.ErrorAs(t, err, &berr)
			assert.Equal(t, tt.wantStatus, berr.Status)
			assert.Equal(t, tt.wantCode, berr.Code)
		})
	}
}

func TestBrokerClient_ExchangeWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewBrokerClient(srv.URL, nil).Exchange(context.Background(), "c", "s")
	assert.ErrorContains(t, err, "no access token")
}

func TestBrokerClient_ValidateAndLogout(t *testing.T) {
	revoked := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/github/validate-token":
			_ = json.NewEncoder(w).Encode(map[string]bool{"valid": token == "Bearer good" && !revoked[token]})
		case "/github/logout":
			revoked[token] = true
			_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
		case "/github/user":
			_, _ = w.Write([]byte(`{"login":"octocat"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	client := NewBrokerClient(srv.URL, nil)

	valid, err := client.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = client.ValidateToken(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, valid)

	require.NoError(t, client.Logout(ctx, "good"))
	valid, err = client.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.False(t, valid)

	raw, err := client.User(ctx, "good")
	require.NoError(t, err)
	assert.JSONEq(t, `{"login":"octocat"}`, string(raw))
}

func TestBrokerClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewBrokerClient(srv.URL, nil).ValidateToken(context.Background(), "token")
	require.Error(t, err)
	var berr *BrokerError
	assert.False(t, errors.As(err, &berr))
}
