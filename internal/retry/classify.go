package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/brightquery/ingest-governor/internal/governance"
)

// HTTPError carries a status code (and optional Retry-After hint) from an
// attempt so classification does not have to guess from message text.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Classify maps a failed attempt's error to a retry category. Unclassifiable
// errors fall back to network, deliberately the most retry-friendly class.
func Classify(err error) governance.ErrorCategory {
	if err == nil {
		return governance.CategoryNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return governance.CategoryTimeout
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return governance.CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return governance.CategoryTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return governance.CategoryRateLimit
	case strings.Contains(msg, "server error") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return governance.CategoryServerError
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") || strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "404") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "400"):
		return governance.CategoryClientError
	default:
		return governance.CategoryNetwork
	}
}

func classifyStatus(code int) governance.ErrorCategory {
	switch {
	case code == http.StatusTooManyRequests:
		return governance.CategoryRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return governance.CategoryTimeout
	case code >= 500:
		return governance.CategoryServerError
	case code >= 400:
		return governance.CategoryClientError
	default:
		return governance.CategoryNetwork
	}
}

// retryAfterHint extracts a server-provided Retry-After delay, if any.
func retryAfterHint(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}
