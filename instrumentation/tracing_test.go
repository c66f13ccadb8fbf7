package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanHelpers(t *testing.T) {
	inst := newTestInstrumentation(t)

	_, span := inst.Tracer("broker").Start(context.Background(), "test-span")
	defer span.End()

	RecordError(span, errors.New("exchange failed"))
	SetSpanError(span, "exchange failed")
	SetSpanSuccess(span)
	SetSpanAttributes(span, attribute.String(AttrUserLogin, "octocat"))
	AddStorageAttributes(span, "revoke", "memory")
	AddProviderAttributes(span, "github", "exchange")
	AddDocumentAttributes(span, "go-basics", 3, true)
	AddHTTPAttributes(span, "POST", "callback", 200)
	AddSecurityAttributes(span, "203.0.113.7")
}

func TestRecordError_FlagsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := tracer.Start(context.Background(), "broker.exchange")
	RecordError(span, errors.New("invalid grant"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if got := ended[0].Status().Code; got != codes.Error {
		t.Errorf("status = %v, want Error", got)
	}
	flagged := false
	for _, kv := range ended[0].Attributes() {
		if string(kv.Key) == AttrError {
			flagged = kv.Value.AsBool()
		}
	}
	if !flagged {
		t.Errorf("attributes = %v, want %s=true", ended[0].Attributes(), AttrError)
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	// None of these may panic on a nil span
	RecordError(nil, errors.New("boom"))
	RecordError(nil, nil)
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil, attribute.Bool(AttrTokenValid, false))
	AddStorageAttributes(nil, "get", "redis")
	AddProviderAttributes(nil, "github", "user")
	AddDocumentAttributes(nil, "course", 1, false)
	AddHTTPAttributes(nil, "GET", "health", 200)
	AddSecurityAttributes(nil, "")
}
