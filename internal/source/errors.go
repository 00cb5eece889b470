package source

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by all adapters. Adapters map backend-specific
// failures onto these before the error crosses into dispatch, so nothing
// upstream needs to know which backend produced it.
var (
	// ErrRemoteUnavailable covers transport failures and unexpected backend
	// responses. Transient; safe to show a generic retry notice.
	ErrRemoteUnavailable = errors.New("remote backend unavailable")

	// ErrAuthExpired means the backend rejected the current credential.
	// Recoverable exactly once via refresh for rotating backends.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRateLimited means the backend signalled throttling. Never auto-retried.
	ErrRateLimited = errors.New("rate limited by backend")

	// ErrCredentialRevoked means a refresh rotation failed because the stored
	// refresh token is no longer valid. Fatal for the integration.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrInvalidBinding means a bind request did not satisfy the target
	// backend's capability requirements. Rejected before persistence.
	ErrInvalidBinding = errors.New("invalid integration binding")
)

// RateLimitError carries the backend's backoff hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by backend, retry after %s", e.RetryAfter)
	}
	return "rate limited by backend"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// UserFriendlyError is a failure meant to be shown verbatim to the end user.
// Emphasis asks the gateway to render the notice bold/colored.
type UserFriendlyError struct {
	Message  string
	Emphasis bool
}

func (e *UserFriendlyError) Error() string { return e.Message }
