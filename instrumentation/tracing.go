package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never attach access tokens, authorization codes or OAuth state values to spans.
// Record presence flags or hashed identifiers instead.
const (
	// Identity attributes
	AttrUserLogin = "coursesync.user.login"
	AttrUserID    = "coursesync.user.id"

	// Broker attributes
	AttrExchangeResult = "coursesync.exchange.result"
	AttrTokenRevoked   = "coursesync.token.revoked" //nolint:gosec // boolean flag, not a credential
	AttrTokenValid     = "coursesync.token.valid"   //nolint:gosec // boolean flag, not a credential
	AttrError          = "coursesync.error"

	// Progress attributes
	AttrCourseID        = "coursesync.course.id"
	AttrDocumentVersion = "coursesync.document.version"
	AttrDocumentMerged  = "coursesync.document.merged"
	AttrOperationID     = "coursesync.operation.id"
	AttrRepository      = "coursesync.repository"

	// Session attributes
	AttrSessionState = "coursesync.session.state"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool(AttrError, true))
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddDocumentAttributes adds progress document attributes to a span (nil-safe)
func AddDocumentAttributes(span trace.Span, courseID string, version int64, merged bool) {
	SetSpanAttributes(span,
		attribute.String(AttrCourseID, courseID),
		attribute.Int64(AttrDocumentVersion, version),
		attribute.Bool(AttrDocumentMerged, merged),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Check Instrumentation.ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
