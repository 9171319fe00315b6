package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"
)

// HTTPError is a non-2xx platform response. Status decides retryability.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// RetryPolicy governs delivery retries. One policy value is injected into
// the client and applies uniformly to text and media sends.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries transient failures up to 3 attempts with
// linearly increasing delay (base * attempt number).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Retryable classifies an error as transient. Covered: HTTP 5xx and 429,
// timeouts, connection resets, and DNS failures. Other 4xx are permanent
// and propagate on first occurrence.
func Retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// Wrapped transport errors (url.Error) without a clearer cause.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Do runs op under the policy. Attempt numbers start at 1; the delay before
// attempt n+1 is BaseDelay*n. The last error is returned once attempts are
// exhausted or a permanent error occurs.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, what string, op func() error) (attempts int, err error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 {
			delay := p.BaseDelay * time.Duration(attempt-1)
			logger.Warn("retrying delivery",
				"op", what,
				"attempt", attempt,
				"delay", delay,
				"last_error", lastErr,
			)
			select {
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return attempt, nil
		}
		if !Retryable(lastErr) {
			return attempt, lastErr
		}
	}
	return max, fmt.Errorf("delivery failed after %d attempts: %w", max, lastErr)
}
