package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/retry"
)

func TestAttemptReturnsBodyOnSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := New(Config{UserAgent: "test-agent"})
	fn := client.Attempt(governance.Request{URL: srv.URL, Method: http.MethodGet})

	result, err := fn(context.Background())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, []byte("payload"), result.Body)
}

func TestAttemptWrapsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(Config{})
	fn := client.Attempt(governance.Request{URL: srv.URL, Method: http.MethodGet})

	_, err := fn(context.Background())
	require.Error(t, err)

	var httpErr *retry.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	require.Equal(t, 7*time.Second, httpErr.RetryAfter)
}

func TestAttemptTruncatesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	client := New(Config{MaxBodyBytes: 16})
	fn := client.Attempt(governance.Request{URL: srv.URL, Method: http.MethodGet})

	result, err := fn(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Body, 16)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()

	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))

	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, parseRetryAfter(date, now))
}
