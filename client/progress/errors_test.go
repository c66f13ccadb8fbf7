package progress

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyResponse(t *testing.T) {
	rateLimited := http.Header{}
	rateLimited.Set("X-RateLimit-Remaining", "0")

	tests := []struct {
		name    string
		status  int
		header  http.Header
		message string
		want    error
	}{
		{"unauthorized", http.StatusUnauthorized, nil, "Bad credentials", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, nil, "Resource not accessible", ErrUnauthorized},
		{"rate limited", http.StatusForbidden, rateLimited, "API rate limit exceeded", ErrTransient},
		{"not found", http.StatusNotFound, nil, "Not Found", ErrNotFound},
		{"conflict", http.StatusConflict, nil, "does not match", ErrConflict},
		{"precondition failed", http.StatusPreconditionFailed, nil, "", ErrConflict},
		{"missing sha", http.StatusUnprocessableEntity, nil, `"sha" wasn't supplied.`, ErrConflict},
		{"validation failed", http.StatusUnprocessableEntity, nil, "Validation Failed", ErrInvalid},
		{"too many requests", http.StatusTooManyRequests, nil, "", ErrTransient},
		{"server error", http.StatusBadGateway, nil, "", ErrTransient},
		{"bad request", http.StatusBadRequest, nil, "Problems parsing JSON", ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			err := classifyResponse("op", tt.status, header, tt.message)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.status, err.Status)
		})
	}
}

func TestError_Error(t *testing.T) {
	err := &Error{Op: "put_contents", Status: 409, Err: ErrConflict}
	assert.Equal(t, "progress: put_contents: status 409: document changed concurrently", err.Error())

	transport := transportError("get_contents", errors.New("connection refused"))
	assert.ErrorIs(t, transport, ErrTransient)
	assert.Contains(t, transport.Error(), "connection refused")
}
