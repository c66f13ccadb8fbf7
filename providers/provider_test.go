package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{status: 400, want: ErrInvalidGrant},
		{status: 401, want: ErrUnauthorized},
		{status: 403, want: ErrUnauthorized},
		{status: 404, want: ErrInvalidGrant},
		{status: 500, want: ErrUpstream},
		{status: 503, want: ErrUpstream},
	}

	for _, tt := range tests {
		err := ClassifyStatus("op", tt.status)
		if !errors.Is(err, tt.want) {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, err, tt.want)
		}
		if !strings.Contains(err.Error(), "op") {
			t.Errorf("error %q should name the operation", err)
		}
	}
}

func TestTransportError(t *testing.T) {
	err := TransportError("user_profile", context.DeadlineExceeded)
	if !errors.Is(err, ErrUpstream) {
		t.Error("TransportError should wrap ErrUpstream")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("TransportError should keep the cause")
	}
}

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{name: "valid", scopes: []string{"repo", "read:user"}},
		{name: "empty list", scopes: nil},
		{name: "empty scope", scopes: []string{"repo", ""}, wantErr: true},
		{name: "too long", scopes: []string{strings.Repeat("a", 257)}, wantErr: true},
		{name: "too many", scopes: make([]string, 51), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateScopes(tt.scopes); (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureContextTimeout(t *testing.T) {
	ctx, cancel := EnsureContextTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected a deadline to be added")
	}

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	want, _ := parent.Deadline()
	ctx2, cancel2 := EnsureContextTimeout(parent, time.Second)
	defer cancel2()
	if got, _ := ctx2.Deadline(); !got.Equal(want) {
		t.Error("existing deadline should be kept")
	}
}
