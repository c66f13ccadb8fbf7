package coursesync

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/coursesync/security"
)

const (
	// defaultCORSMaxAge is how long browsers may cache preflight responses
	defaultCORSMaxAge = 3600

	// maxRequestSize bounds every request body
	maxRequestSize = 64 << 10
)

// Routes returns the broker's HTTP routes:
//
//	POST /github/oauth/callback
//	GET  /github/user
//	POST /github/validate-token
//	POST /github/logout
//	GET  /health
//	GET  /metrics (when instrumentation is set)
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(h.corsMiddleware)
	r.Use(middleware.RequestSize(maxRequestSize))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Not found", http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, NewError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
	})

	r.Get("/health", h.ServeHealth)
	if h.instrumentation != nil {
		if metrics := h.instrumentation.MetricsHandler(); metrics != nil {
			r.Method(http.MethodGet, "/metrics", metrics)
		}
	}

	r.Route("/github", func(r chi.Router) {
		r.Use(h.rateLimitMiddleware)
		r.Post("/oauth/callback", h.ServeCallback)
		r.Get("/user", h.ServeUser)
		r.Post("/validate-token", h.ServeValidateToken)
		r.Post("/logout", h.ServeLogout)
	})

	return r
}

// corsMiddleware allows credentialed requests from the configured origin
// only. Other origins get no CORS headers, so browsers block the response.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")

		if origin == "" || origin != h.config.AllowedOrigin {
			if r.Method == http.MethodOptions && origin != "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+security.RequestIDHeader)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(defaultCORSMaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.checkIPRateLimit(w, r, h.ipResolver.Resolve(r)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware reports panics to Sentry and answers with a JSON 500.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := security.GetRequestID(r.Context())
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetRequest(r)
				scope.SetTag("request_id", requestID)
				scope.SetContext("panic", sentry.Context{
					"value": rec,
					"stack": string(debug.Stack()),
				})
				sentry.CaptureMessage("panic in request")
			})

			h.logger.Error("panic_recovered",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestID,
				"panic", rec)

			h.writeError(w, ErrServerError("Internal server error"))
		}()

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request and records HTTP metrics labelled by route pattern.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		h.recordHTTPMetrics(r, endpoint, status, start)

		level := slog.LevelInfo
		if endpoint == "/health" || endpoint == "/metrics" {
			level = slog.LevelDebug
		}
		security.LoggerWithRequestID(r.Context(), h.logger).Log(r.Context(), level, "http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", h.logIP(h.ipResolver.Resolve(r)))
	})
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, start time.Time) {
	if h.instrumentation == nil {
		return
	}
	duration := float64(time.Since(start).Microseconds()) / 1000
	h.instrumentation.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, status, duration)
}
