package source

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// statusToError maps the HTTP status codes shared by every backend onto the
// adapter error taxonomy. Returns nil for 2xx responses.
func statusToError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: backend returned status %d", ErrAuthExpired, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHint(resp)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: backend returned status %d: %s", ErrRemoteUnavailable, resp.StatusCode, string(body))
	}
}

// retryAfterHint parses the Retry-After header, which carries either a
// delta-seconds value or an HTTP-date. Zero when absent or malformed.
func retryAfterHint(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if date, err := http.ParseTime(header); err == nil {
		if remaining := time.Until(date); remaining > 0 {
			return remaining
		}
	}
	return 0
}
