// Package gate implements the compliance gate evaluating candidate requests
// against the destination allow-list, robots directives, and URL heuristics.
package gate

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
	"github.com/brightquery/ingest-governor/internal/registry"
)

// Denial reasons surfaced on ComplianceDecision for caller-side branching.
const (
	ReasonProtocolNotAllowed = "protocol_not_allowed"
	ReasonDomainNotAllowed   = "domain_not_allowed"
	ReasonDNSFailed          = "dns_resolution_failed"
	ReasonIPRangeDisallowed  = "ip_range_disallowed"
	ReasonPortNotAllowed     = "port_not_allowed"
	ReasonRequestTooLarge    = "request_too_large"
	ReasonIPLiteralHost      = "url_is_ip_literal"
	ReasonURLTooLong         = "url_too_long"
	ReasonRobotsDisallowed   = "robots_disallowed"
	ReasonToSDisallowed      = "tos_disallowed"
)

// suspiciousQueryTokens flag command-injection style query strings.
var suspiciousQueryTokens = []string{"exec", "cmd", "shell", "eval"}

// Config controls gate limits.
type Config struct {
	AllowedPorts        []int
	MaxRequestBytes     int64
	MaxURLLength        int
	AllowedContentTypes []string
	DeniedCIDRs         []string
}

// DefaultConfig returns the limits applied when config leaves them unset.
func DefaultConfig() Config {
	return Config{
		AllowedPorts:    []int{80, 443, 8080, 8443},
		MaxRequestBytes: 10 << 20,
		MaxURLLength:    2048,
		AllowedContentTypes: []string{
			"text/html", "application/json", "application/xml", "text/plain",
		},
	}
}

// resolver matches the subset of net.Resolver the gate needs, so DNS
// behaviour is injectable in tests.
type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Gate evaluates compliance for candidate requests. It performs no network
// I/O beyond the cached robots fetch and keeps no state besides that cache.
type Gate struct {
	cfg        Config
	registry   *registry.Registry
	robots     *RobotsCache
	resolver   resolver
	deniedNets []*net.IPNet
	allowPorts map[int]struct{}
	allowTypes map[string]struct{}
	logger     *zap.Logger
}

// New constructs a Gate. A nil resolver defaults to net.DefaultResolver.
func New(cfg Config, reg *registry.Registry, robots *RobotsCache, res resolver, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if res == nil {
		res = net.DefaultResolver
	}
	def := DefaultConfig()
	if len(cfg.AllowedPorts) == 0 {
		cfg.AllowedPorts = def.AllowedPorts
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}
	if cfg.MaxURLLength <= 0 {
		cfg.MaxURLLength = def.MaxURLLength
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = def.AllowedContentTypes
	}

	deniedNets := make([]*net.IPNet, 0, len(cfg.DeniedCIDRs))
	for _, cidr := range cfg.DeniedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse denied cidr %q: %w", cidr, err)
		}
		deniedNets = append(deniedNets, ipNet)
	}

	allowPorts := make(map[int]struct{}, len(cfg.AllowedPorts))
	for _, port := range cfg.AllowedPorts {
		allowPorts[port] = struct{}{}
	}
	allowTypes := make(map[string]struct{}, len(cfg.AllowedContentTypes))
	for _, ct := range cfg.AllowedContentTypes {
		allowTypes[strings.ToLower(ct)] = struct{}{}
	}

	return &Gate{
		cfg:        cfg,
		registry:   reg,
		robots:     robots,
		resolver:   res,
		deniedNets: deniedNets,
		allowPorts: allowPorts,
		allowTypes: allowTypes,
		logger:     logger,
	}, nil
}

// Check evaluates the request and returns a fresh decision. It never panics
// past its boundary: internal errors convert to a denial with an error reason.
func (g *Gate) Check(ctx context.Context, req governance.Request) (decision governance.ComplianceDecision) {
	decision.Allowed = true
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("compliance check panicked", zap.Any("panic", rec), zap.String("url", req.URL))
			decision = governance.ComplianceDecision{
				BlockingReasons: []string{fmt.Sprintf("error:%v", rec)},
			}
		}
		metrics.ObserveComplianceDecision(decision.Allowed, firstReason(decision.BlockingReasons))
	}()

	parsed, err := url.Parse(req.URL)
	if err != nil {
		decision.Deny(fmt.Sprintf("error:parse url: %v", err))
		return decision
	}
	dest, err := governance.ParseDestination(req.URL)
	if err != nil {
		decision.Deny(fmt.Sprintf("error:%v", err))
		return decision
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		decision.Deny(ReasonProtocolNotAllowed)
		return decision
	}

	rule, registered := g.registry.Rule(dest.Domain)
	if !registered {
		decision.Deny(ReasonDomainNotAllowed)
		return decision
	}

	// DNS resolution failure is fail-closed: an unresolvable destination is
	// denied, never allowed through on the assumption it might resolve later.
	if denied := g.checkDNS(ctx, dest.Domain, &decision); denied {
		return decision
	}

	if _, ok := g.allowPorts[dest.Port]; !ok {
		decision.Deny(ReasonPortNotAllowed)
		return decision
	}

	if req.SizeBytes > g.cfg.MaxRequestBytes {
		decision.Deny(ReasonRequestTooLarge)
		return decision
	}
	if req.ContentType != "" {
		ct := strings.ToLower(strings.TrimSpace(strings.Split(req.ContentType, ";")[0]))
		if _, ok := g.allowTypes[ct]; !ok {
			decision.Warn(fmt.Sprintf("content_type_unexpected:%s", ct))
		}
	}

	if denied := g.checkURLHeuristics(parsed, req.URL, &decision); denied {
		return decision
	}

	// Robots fetch failure is deliberately fail-open, matching common
	// crawler convention, but always leaves a warning behind.
	if g.robots != nil {
		allowed, err := g.robots.Allowed(ctx, parsed)
		switch {
		case err != nil:
			g.logger.Warn("robots lookup failed; permitting",
				zap.String("domain", dest.Domain), zap.Error(err))
			decision.Warn(fmt.Sprintf("robots_unavailable:%v", err))
		case !allowed:
			decision.Deny(ReasonRobotsDisallowed)
			return decision
		}
	}

	if !rule.Allowed {
		decision.Deny(ReasonToSDisallowed)
		return decision
	}

	return decision
}

// CrawlDelay exposes the cached robots crawl-delay for the rate limiter.
func (g *Gate) CrawlDelay(domain string) time.Duration {
	if g.robots == nil {
		return 0
	}
	return g.robots.CrawlDelay(domain)
}

func (g *Gate) checkDNS(ctx context.Context, domain string, decision *governance.ComplianceDecision) bool {
	if net.ParseIP(domain) != nil {
		// Literal IPs are rejected by the URL heuristics; skip resolution.
		return false
	}
	ips, err := g.resolver.LookupIP(ctx, "ip", domain)
	if err != nil || len(ips) == 0 {
		decision.Deny(ReasonDNSFailed)
		return true
	}
	if len(g.deniedNets) == 0 {
		return false
	}
	allowedIPs := 0
	for _, ip := range ips {
		if !g.ipDenied(ip) {
			allowedIPs++
		}
	}
	if allowedIPs == 0 {
		decision.Deny(ReasonIPRangeDisallowed)
		return true
	}
	return false
}

func (g *Gate) ipDenied(ip net.IP) bool {
	for _, ipNet := range g.deniedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *Gate) checkURLHeuristics(parsed *url.URL, raw string, decision *governance.ComplianceDecision) bool {
	if net.ParseIP(parsed.Hostname()) != nil {
		decision.Deny(ReasonIPLiteralHost)
		return true
	}
	if len(raw) > g.cfg.MaxURLLength {
		decision.Deny(ReasonURLTooLong)
		return true
	}
	query := strings.ToLower(parsed.RawQuery)
	for _, token := range suspiciousQueryTokens {
		if strings.Contains(query, token) {
			decision.Deny(fmt.Sprintf("suspicious_query_token:%s", token))
			return true
		}
	}
	return false
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}
