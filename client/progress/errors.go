package progress

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransient indicates a network failure, timeout, rate limit or server
	// error; the operation may succeed if tried again later
	ErrTransient = errors.New("transient repository failure")

	// ErrConflict indicates the document changed since it was read
	ErrConflict = errors.New("document changed concurrently")

	// ErrUnauthorized indicates there is no usable credential
	ErrUnauthorized = errors.New("not authorized")

	// ErrNotFound indicates the document or repository does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalid indicates a request GitHub or the store rejected as malformed
	ErrInvalid = errors.New("invalid request")

	// ErrSignedOut is returned to operations dropped from the queue at sign-out
	ErrSignedOut = errors.New("signed out")
)

// Error describes a failed repository operation.
type Error struct {
	// Op is the operation, e.g. "get_contents" or "put_contents"
	Op string

	// Status is the HTTP status, or 0 when no response was received
	Status int

	// Err is one of the package sentinels, optionally wrapping a cause
	Err error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("progress: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("progress: %s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyResponse maps a non-2xx contents API response to an Error.
// message is GitHub's "message" field, used to tell sha mismatches apart.
func classifyResponse(op string, status int, header http.Header, message string) *Error {
	var sentinel error
	switch {
	case status == http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case status == http.StatusForbidden && header.Get("X-RateLimit-Remaining") == "0":
		sentinel = ErrTransient
	case status == http.StatusForbidden:
		sentinel = ErrUnauthorized
	case status == http.StatusNotFound:
		sentinel = ErrNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		sentinel = ErrConflict
	case status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(message), "sha"):
		sentinel = ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		sentinel = ErrTransient
	default:
		sentinel = ErrInvalid
	}
	return &Error{Op: op, Status: status, Err: sentinel}
}

func transportError(op string, cause error) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrTransient, cause)}
}
