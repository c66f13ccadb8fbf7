package providers

import (
	"context"
	"fmt"
	"time"
)

// ValidateScopes validates an OAuth scope list.
//
//   - Array Size Limit: at most 50 scopes
//   - String Length Limit: each scope 1..256 characters
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
	}

	return nil
}

// EnsureContextTimeout ensures the context has a deadline, adding one if needed.
// If the context already has a deadline, returns the original context with a no-op cancel.
func EnsureContextTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
