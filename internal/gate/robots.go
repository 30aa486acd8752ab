package gate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
)

const (
	defaultRobotsTTL  = 24 * time.Hour
	maxRobotsBodySize = 1 << 20
)

// RobotsCache fetches and caches robots.txt data per domain with a TTL.
// Policy can change, so entries expire rather than living for the process
// lifetime. Each domain has its own entry lock: a fetch in flight for one
// domain never blocks lookups for another, and concurrent callers for the
// same domain share a single fetch. Fetch failures are surfaced to the
// caller, which treats them as permissive per crawler convention.
type RobotsCache struct {
	client    *http.Client
	mu        sync.RWMutex
	entries   map[string]*robotsEntry
	ttl       time.Duration
	userAgent string
	clock     governance.Clock
	logger    *zap.Logger
}

type robotsEntry struct {
	mu        sync.Mutex
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// NewRobotsCache builds a cache with the given TTL and user agent.
func NewRobotsCache(ttl time.Duration, userAgent string, clock governance.Clock, logger *zap.Logger) *RobotsCache {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsCache{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		entries:   make(map[string]*robotsEntry),
		ttl:       ttl,
		userAgent: userAgent,
		clock:     clock,
		logger:    logger,
	}
}

// Allowed reports whether the user agent may fetch the given URL path.
// An error means the robots resource itself could not be fetched or parsed.
func (r *RobotsCache) Allowed(ctx context.Context, parsed *url.URL) (bool, error) {
	data, err := r.load(ctx, parsed)
	if err != nil {
		return false, err
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true, nil
	}
	return group.Test(parsed.Path), nil
}

// CrawlDelay returns the cached robots crawl-delay for a domain, or zero when
// no entry is cached. It never triggers a fetch; the gate populates the cache
// during its compliance check.
func (r *RobotsCache) CrawlDelay(domain string) time.Duration {
	r.mu.RLock()
	entry, ok := r.entries[strings.ToLower(domain)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	entry.mu.Lock()
	data := entry.data
	entry.mu.Unlock()
	if data == nil {
		return 0
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *RobotsCache) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	entry := r.entry(strings.ToLower(parsed.Hostname()))

	// The entry lock is held across the fetch so same-domain callers wait
	// for the one in flight instead of duplicating it.
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := r.clock.Now()
	if entry.data != nil && now.Sub(entry.fetchedAt) < r.ttl {
		return entry.data, nil
	}

	data, err := r.fetch(ctx, parsed)
	if err != nil {
		return nil, err
	}
	entry.data = data
	entry.fetchedAt = now
	return data, nil
}

func (r *RobotsCache) entry(key string) *robotsEntry {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return entry
	}
	entry = &robotsEntry{}
	r.entries[key] = entry
	return entry
}

func (r *RobotsCache) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots response body failed", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodySize))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
