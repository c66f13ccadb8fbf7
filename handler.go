package coursesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/coursesync/broker"
	"github.com/giantswarm/coursesync/instrumentation"
	"github.com/giantswarm/coursesync/security"
	"github.com/giantswarm/coursesync/storage"
)

const (
	// maxCallbackBodySize bounds POST /github/oauth/callback bodies
	maxCallbackBodySize = 16 << 10

	// sessionCookieMaxAge is the lifetime of the session cookie mirroring the token
	sessionCookieMaxAge = 24 * time.Hour
)

// Endpoint names used in metrics and spans
const (
	endpointCallback      = "callback"
	endpointUser          = "user"
	endpointValidateToken = "validate_token"
	endpointLogout        = "logout"
	endpointHealth        = "health"
)

// Handler is a thin HTTP adapter for the Broker.
// It handles HTTP requests and delegates to the Broker for business logic.
type Handler struct {
	broker      *broker.Broker
	config      *Config
	auditor     *security.Auditor
	rateLimiter *security.RateLimiter
	ipResolver  security.ClientIPResolver

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer // OpenTelemetry tracer for HTTP layer
	logger          *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(b *broker.Broker, config *Config, logger *slog.Logger) (*Handler, error) {
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		broker: b,
		config: config,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        config.RateLimit.TrustProxy,
			TrustedProxyCount: config.RateLimit.TrustedProxyCount,
		},
		logger: logger,
	}, nil
}

// SetAuditor sets the security auditor
func (h *Handler) SetAuditor(aud *security.Auditor) {
	h.auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// SetInstrumentation enables tracing, HTTP metrics and the /metrics endpoint
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// ServeCallback handles POST /github/oauth/callback {code, state}.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), endpointCallback)
	defer span.End()

	clientIP := h.ipResolver.Resolve(r)
	h.addClientIP(span, clientIP)

	var req CallbackRequest
	body := http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		instrumentation.SetSpanError(span, "malformed body")
		h.auditor.LogLoginFailed(ctx, clientIP, ErrorCodeInvalidRequest)
		h.writeError(w, ErrInvalidRequest("Request body must be JSON with code and state"))
		return
	}

	outcome, err := h.broker.Exchange(ctx, req.Code, req.State)
	if err != nil {
		oauthErr := exchangeError(err)
		instrumentation.RecordError(span, err)
		h.logger.Warn("Code exchange rejected", "ip", h.logIP(clientIP), "error_code", oauthErr.Code)
		h.auditor.LogLoginFailed(ctx, clientIP, oauthErr.Code)
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrExchangeResult, outcome.Source))
	if outcome.Source == broker.ExchangeResultSuccess {
		h.auditor.LogLoginSucceeded(ctx, storage.TokenKey(outcome.AccessToken), clientIP)
	} else {
		h.auditor.LogEvent(security.Event{
			Type:      security.EventExchangeReplayed,
			IPAddress: clientIP,
			RequestID: security.GetRequestID(ctx),
			Details:   map[string]any{"source": outcome.Source},
		})
	}

	security.SetSessionCookie(w, outcome.AccessToken, sessionCookieMaxAge)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, TokenResponse{AccessToken: outcome.AccessToken})
}

// ServeUser handles GET /github/user by relaying the GitHub profile.
func (h *Handler) ServeUser(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), endpointUser)
	defer span.End()

	clientIP := h.ipResolver.Resolve(r)
	h.addClientIP(span, clientIP)

	token, ok := bearerToken(r)
	if !ok {
		instrumentation.SetSpanError(span, "missing token")
		h.auditor.LogAuthFailure(ctx, clientIP, "missing_token")
		h.writeError(w, ErrInvalidToken("Missing Authorization header"))
		return
	}

	info, err := h.broker.UserInfo(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordRejectedToken(ctx, err, token, clientIP, endpointUser)
		h.writeError(w, userInfoError(err))
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrUserLogin, info.Login))
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.config.SecureTransport())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(info.Raw)
}

// ServeValidateToken handles POST /github/validate-token. The response is a
// bare boolean: revoked, rejected and unverifiable tokens look the same.
func (h *Handler) ServeValidateToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), endpointValidateToken)
	defer span.End()

	clientIP := h.ipResolver.Resolve(r)
	h.addClientIP(span, clientIP)

	token, ok := bearerToken(r)
	if !ok {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenValid, false))
		h.writeJSON(w, http.StatusOK, ValidateTokenResponse{Valid: false})
		return
	}

	err := h.broker.CheckToken(ctx, token)
	if err != nil {
		h.recordRejectedToken(ctx, err, token, clientIP, endpointValidateToken)
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenValid, err == nil))
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, ValidateTokenResponse{Valid: err == nil})
}

// ServeLogout handles POST /github/logout. It always reports success.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), endpointLogout)
	defer span.End()

	clientIP := h.ipResolver.Resolve(r)
	h.addClientIP(span, clientIP)

	if token, ok := bearerToken(r); ok {
		if err := h.broker.Logout(ctx, token); err != nil {
			// The caller is logged out locally regardless
			h.logger.Error("Failed to revoke token", "ip", h.logIP(clientIP), "error", err)
			instrumentation.RecordError(span, err)
		} else {
			h.auditor.LogTokenRevoked(ctx, storage.TokenKey(token)[:16], clientIP)
		}
	}

	security.ClearSessionCookie(w)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
}

// ServeHealth handles GET /health
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// recordRejectedToken audits use of a revoked token; other failures are
// only logged at debug level.
func (h *Handler) recordRejectedToken(ctx context.Context, err error, token, clientIP, endpoint string) {
	if !errors.Is(err, broker.ErrTokenRevoked) {
		h.logger.Debug("Token rejected", "endpoint", endpoint, "error", err)
		return
	}
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRevokedTokenRejected(ctx, endpoint)
	}
	h.auditor.LogRevokedTokenRejected(ctx, storage.TokenKey(token)[:16], clientIP, endpoint)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", h.logIP(clientIP), "path", r.URL.Path)
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.auditor.LogRateLimitExceeded(r.Context(), clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return true
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.config.SecureTransport())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer error="`+e.Code+`"`)
	}
	h.writeJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

func (h *Handler) startSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, "http."+endpoint)
}

func (h *Handler) addClientIP(span trace.Span, clientIP string) {
	if h.instrumentation != nil && h.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}
}

// logIP returns clientIP for logs unless IP logging is disabled
func (h *Handler) logIP(clientIP string) string {
	if h.instrumentation != nil && !h.instrumentation.ShouldLogClientIPs() {
		return ""
	}
	return clientIP
}
