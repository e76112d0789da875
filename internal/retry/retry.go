// Package retry wraps fallible network operations with bounded retries
// and randomized exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultAttempts is the attempt bound used by the registration client.
const DefaultAttempts = 10

// Base backoff interval. The sleep before attempt n+1 is
// n² × random value in [baseIntervalMin, baseIntervalMax).
const (
	baseIntervalMin = 300 * time.Millisecond
	baseIntervalMax = 1000 * time.Millisecond
)

// Transient reports whether an error from an HTTP round trip is worth
// retrying: connection refused/reset, timeout, or a failure to send
// the request. An HTTP error status never reaches this function;
// responses with a status code are not transport failures. Failures to
// construct the request (a malformed URL or method) are deliberately
// not transient: they come out of net/http unwrapped and no amount of
// retrying fixes the request.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// url.Error wraps everything the transport can fail with,
	// including request-construction failures.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Do executes op up to maxAttempts times, sleeping between attempts
// with randomized exponential backoff. Only transient failures are
// retried; anything else, and exhaustion, propagate to the caller.
func Do(ctx context.Context, maxAttempts int, op func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	var err error
	for attempt := 1; ; attempt++ {
		var resp *http.Response
		resp, err = op(ctx)
		if err == nil {
			log.Debug("auto-retry success", "attempt", attempt)
			return resp, nil
		}
		if attempt >= maxAttempts || !Transient(err) {
			log.Debug("auto-retry giving up", "attempt", attempt, "error", err)
			return nil, err
		}
		backoff := Backoff(attempt)
		log.Debug("auto-retry sleeping", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("auto-retry interrupted: %w", ctx.Err())
		}
	}
}

// Backoff is the sleep duration after the given 1-based failed
// attempt: attempt² times a random base interval.
func Backoff(attempt int) time.Duration {
	base := baseIntervalMin + time.Duration(rand.Int63n(int64(baseIntervalMax-baseIntervalMin)))
	return time.Duration(attempt*attempt) * base
}
