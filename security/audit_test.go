package security

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
	if !auditor.enabled {
		t.Error("enabled = false, want true")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	ctx := WithRequestID(context.Background(), "req-1")
	auditor.LogLoginSucceeded(ctx, "12345", "203.0.113.5")

	out := buf.String()
	for _, want := range []string{"security_audit", "event_type=login_succeeded", "request_id=req-1", "ip_address=203.0.113.5", "event_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "12345") {
		t.Error("user ID must be hashed in audit logs")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogTokenRevoked(context.Background(), "abcd", "203.0.113.5")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}
}

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogRateLimitExceeded(context.Background(), "203.0.113.5", "callback")
}

func TestAuditor_EventTypes(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	ctx := context.Background()

	auditor.LogLoginFailed(ctx, "203.0.113.5", "invalid_grant")
	auditor.LogTokenRevoked(ctx, "abcd", "203.0.113.5")
	auditor.LogRevokedTokenRejected(ctx, "abcd", "203.0.113.5", "user")
	auditor.LogAuthFailure(ctx, "203.0.113.5", "missing_token")
	auditor.LogRateLimitExceeded(ctx, "203.0.113.5", "callback")

	for _, ev := range []string{EventLoginFailed, EventTokenRevoked, EventRevokedTokenRejected, EventAuthFailure, EventRateLimitExceeded} {
		if !strings.Contains(buf.String(), "event_type="+ev) {
			t.Errorf("missing event %q", ev)
		}
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	h := hashForLogging("octocat")
	if len(h) != 16 {
		t.Errorf("len(hash) = %d, want 16", len(h))
	}
	if h != hashForLogging("octocat") {
		t.Error("hash must be deterministic")
	}
}
