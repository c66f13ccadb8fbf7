package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstreamID string
		wantKeep   bool
	}{
		{name: "no upstream id", upstreamID: "", wantKeep: false},
		{name: "valid upstream id", upstreamID: "abc-123_DEF", wantKeep: true},
		{name: "header injection attempt", upstreamID: "abc\r\nSet-Cookie: x=y", wantKeep: false},
		{name: "too long", upstreamID: strings.Repeat("a", 129), wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.upstreamID != "" {
				req.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if tt.wantKeep && seen != tt.upstreamID {
				t.Errorf("request ID = %q, want upstream %q", seen, tt.upstreamID)
			}
			if !tt.wantKeep && seen == tt.upstreamID {
				t.Errorf("invalid upstream ID %q should have been replaced", tt.upstreamID)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() = %q, want empty", got)
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithRequestID(context.Background(), "req-42")
	LoggerWithRequestID(ctx, logger).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-42") {
		t.Errorf("log output %q missing request_id", buf.String())
	}
}
