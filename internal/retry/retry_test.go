package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"wrapped op error", fmt.Errorf("request: %w", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}), true},
		{"url error", &url.Error{Op: "Get", URL: "http://localhost:1", Err: errors.New("no route")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

func TestTransientNeverFiresOnStatusCodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err, "an HTTP error status is not a transport error")
	resp.Body.Close()
	assert.False(t, Transient(err))
}

func TestTransientIgnoresRequestConstructionFailures(t *testing.T) {
	_, err := http.NewRequestWithContext(context.Background(), "bad method", "http://localhost", nil)
	require.Error(t, err)
	assert.False(t, Transient(err), "a malformed request never succeeds on retry")
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		for range 20 {
			backoff := Backoff(attempt)
			minimum := time.Duration(attempt*attempt) * 300 * time.Millisecond
			maximum := time.Duration(attempt*attempt) * 1000 * time.Millisecond
			assert.GreaterOrEqual(t, backoff, minimum, "attempt %d", attempt)
			assert.Less(t, backoff, maximum, "attempt %d", attempt)
		}
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := Do(context.Background(), 5, func(ctx context.Context) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		}
		return http.Get(server.URL)
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), 5, func(ctx context.Context) (*http.Response, error) {
		attempts++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts, "non-transient errors are not retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), 2, func(ctx context.Context) (*http.Response, error) {
		attempts++
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, 10, func(ctx context.Context) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
