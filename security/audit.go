// Package security provides request-level protections for the credential broker:
// rate limiting, client IP resolution, request IDs, response headers, audit logging
// and encryption of credentials at rest on the client.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/coursesync/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation enables the audit event counter
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	ID        string
	Type      string
	UserID    string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. User identifiers are hashed.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogLoginSucceeded logs a successful code exchange
func (a *Auditor) LogLoginSucceeded(ctx context.Context, userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLoginSucceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
	})
}

// LogLoginFailed logs a rejected code exchange
func (a *Auditor) LogLoginFailed(ctx context.Context, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventLoginFailed,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenRevoked logs a logout. tokenID is a digest, never the token itself.
func (a *Auditor) LogTokenRevoked(ctx context.Context, tokenID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
		Details:   map[string]any{"token_id": tokenID},
	})
}

// LogRevokedTokenRejected logs use of a token after logout
func (a *Auditor) LogRevokedTokenRejected(ctx context.Context, tokenID, ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRevokedTokenRejected,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
		Details:   map[string]any{"token_id": tokenID, "endpoint": endpoint},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		RequestID: GetRequestID(ctx),
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
