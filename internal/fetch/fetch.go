// Package fetch provides the HTTP attempt adapter used by the execute
// endpoint. It turns a governed request into an attempt function whose
// failures carry enough detail for error classification.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/retry"
)

const defaultMaxBodyBytes = 10 << 20

// Config controls the fetch client.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Client issues single HTTP attempts on behalf of the orchestrator.
type Client struct {
	http         *http.Client
	userAgent    string
	maxBodyBytes int64
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		http:         &http.Client{Timeout: cfg.Timeout},
		userAgent:    cfg.UserAgent,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Attempt returns an attempt function performing one HTTP exchange for the
// request. Responses with status >= 400 are returned as errors so the retry
// controller can classify them; a Retry-After header is carried through.
func (c *Client) Attempt(req governance.Request) governance.AttemptFn {
	return func(ctx context.Context) (governance.Result, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
		if err != nil {
			return governance.Result{}, fmt.Errorf("build request: %w", err)
		}
		if c.userAgent != "" {
			httpReq.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return governance.Result{}, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			return governance.Result{}, &retry.HTTPError{
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
				Message:    resp.Status,
			}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
		if err != nil {
			return governance.Result{}, fmt.Errorf("read body: %w", err)
		}
		return governance.Result{
			StatusCode: resp.StatusCode,
			Body:       body,
		}, nil
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
