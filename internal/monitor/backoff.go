package monitor

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultBackoffWindow is used when a throttling backend gives no
// Retry-After hint.
const DefaultBackoffWindow = time.Minute

// BackoffTracker remembers which integrations were recently rate limited by
// their backend so dispatch can refuse further remote calls until the backoff
// window has passed. Entries expire on their own; there is no manual reset.
type BackoffTracker struct {
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewBackoffTracker creates a backoff tracker.
func NewBackoffTracker(logger *slog.Logger) *BackoffTracker {
	return &BackoffTracker{
		cache:  gocache.New(DefaultBackoffWindow, 5*time.Minute),
		logger: logger,
	}
}

// NoteRateLimited records a throttling signal for an integration. A zero
// retryAfter falls back to the default window.
func (t *BackoffTracker) NoteRateLimited(integrationID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = DefaultBackoffWindow
	}
	deadline := time.Now().Add(retryAfter)
	t.cache.Set(integrationID, deadline, retryAfter)

	t.logger.Warn("Integration rate limited, backing off",
		"integration_id", integrationID,
		"retry_after", retryAfter)
}

// Cooldown reports the remaining backoff for an integration, and whether one
// is active at all.
func (t *BackoffTracker) Cooldown(integrationID string) (time.Duration, bool) {
	value, found := t.cache.Get(integrationID)
	if !found {
		return 0, false
	}
	remaining := time.Until(value.(time.Time))
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}
