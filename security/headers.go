package security

import (
	"net/http"
	"time"
)

// SessionCookieName is the HTTP-only cookie mirroring the access token
const SessionCookieName = "github_token"

// SetSecurityHeaders sets security headers on JSON API responses.
// HSTS is only sent when the broker is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, secureTransport bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if secureTransport {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	// Responses carry credentials or per-user data
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

// SetSessionCookie stores the access token in an HTTP-only cookie usable by a
// cross-site frontend (SameSite=None requires Secure).
func SetSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// ClearSessionCookie expires the session cookie
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}
