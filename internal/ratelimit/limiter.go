// Package ratelimit enforces per-domain crawl delay and hourly request caps.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
)

const hourWindow = time.Hour

// spacingBurst lets a fresh or fully idle domain admit two back-to-back
// requests before the min-delay spacing kicks in on the third.
const spacingBurst = 2

// RuleSource looks up the compliance rule governing a domain.
type RuleSource interface {
	Rule(domain string) (governance.ComplianceRule, bool)
}

// CrawlDelaySource reports the robots crawl-delay cached for a domain.
type CrawlDelaySource interface {
	CrawlDelay(domain string) time.Duration
}

// Config holds limiter defaults applied when a rule leaves values unset.
type Config struct {
	DefaultMinDelay  time.Duration
	DefaultHourlyCap int
}

// Limiter tracks recent request admissions per domain and computes the wait
// a caller must observe before attempting. State is per-domain under a
// per-domain lock so unrelated destinations never contend.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainState

	cfg   Config
	rules RuleSource
	crawl CrawlDelaySource
	clock governance.Clock
}

type domainState struct {
	mu       sync.Mutex
	spacing  *rate.Limiter
	minDelay time.Duration
	stamps   []time.Time
}

// New builds a Limiter. The crawl-delay source may be nil.
func New(cfg Config, rules RuleSource, crawl CrawlDelaySource, clock governance.Clock) *Limiter {
	if cfg.DefaultMinDelay <= 0 {
		cfg.DefaultMinDelay = time.Second
	}
	if cfg.DefaultHourlyCap <= 0 {
		cfg.DefaultHourlyCap = 100
	}
	return &Limiter{
		domains: make(map[string]*domainState),
		cfg:     cfg,
		rules:   rules,
		crawl:   crawl,
		clock:   clock,
	}
}

// Reserve returns how long the caller must wait before attempting the
// destination, and books the admission into the domain's rolling window.
func (l *Limiter) Reserve(dest governance.Destination) time.Duration {
	state := l.domainState(dest.Domain)
	minDelay, hourlyCap := l.limitsFor(dest.Domain)
	now := l.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.minDelay != minDelay {
		state.spacing.SetLimitAt(now, spacingLimit(minDelay))
		state.minDelay = minDelay
	}

	state.stamps = purgeBefore(state.stamps, now.Add(-hourWindow))

	var wait time.Duration
	if hourlyCap > 0 && len(state.stamps) >= hourlyCap {
		// The next admission opens when the oldest of the last cap-many
		// requests slides out of the rolling hour.
		oldest := state.stamps[len(state.stamps)-hourlyCap]
		if until := oldest.Add(hourWindow).Sub(now); until > wait {
			wait = until
		}
	}

	admitAt := now.Add(wait)
	res := state.spacing.ReserveN(admitAt, 1)
	if delay := res.DelayFrom(admitAt); delay > 0 {
		wait += delay
		admitAt = admitAt.Add(delay)
	}

	state.stamps = append(state.stamps, admitAt)
	if wait > 0 {
		metrics.ObserveRateLimitDelay(dest.Domain, wait)
	}
	return wait
}

// Headroom reports how many more requests the domain may issue in the
// current rolling hour. Exposed for the stats surface.
func (l *Limiter) Headroom(dest governance.Destination) int {
	state := l.domainState(dest.Domain)
	_, hourlyCap := l.limitsFor(dest.Domain)
	now := l.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()
	state.stamps = purgeBefore(state.stamps, now.Add(-hourWindow))
	headroom := hourlyCap - len(state.stamps)
	if headroom < 0 {
		headroom = 0
	}
	return headroom
}

func (l *Limiter) limitsFor(domain string) (time.Duration, int) {
	minDelay := l.cfg.DefaultMinDelay
	hourlyCap := l.cfg.DefaultHourlyCap
	if l.rules != nil {
		if rule, ok := l.rules.Rule(domain); ok {
			if rule.MinDelay > 0 {
				minDelay = rule.MinDelay
			}
			if rule.MaxRequestsPerHour > 0 {
				hourlyCap = rule.MaxRequestsPerHour
			}
		}
	}
	// The robots crawl-delay directive wins when stricter than the ToS rule.
	if l.crawl != nil {
		if crawlDelay := l.crawl.CrawlDelay(domain); crawlDelay > minDelay {
			minDelay = crawlDelay
		}
	}
	return minDelay, hourlyCap
}

func (l *Limiter) domainState(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.domains[domain]
	if !ok {
		minDelay, _ := l.limitsFor(domain)
		state = &domainState{
			spacing:  rate.NewLimiter(spacingLimit(minDelay), spacingBurst),
			minDelay: minDelay,
		}
		l.domains[domain] = state
	}
	return state
}

func spacingLimit(minDelay time.Duration) rate.Limit {
	if minDelay <= 0 {
		return rate.Inf
	}
	return rate.Every(minDelay)
}

func purgeBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-idx)
	copy(kept, stamps[idx:])
	return kept
}
