// Package registry maintains the allow-list of governed destinations and
// their per-domain compliance metadata.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
)

// minJustificationLen guards against rubber-stamp allow-list additions.
const minJustificationLen = 10

// Registry stores per-domain compliance rules. Reads vastly outnumber
// writes; administrative updates are rare and validated.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]governance.ComplianceRule
	logger *zap.Logger
}

// New builds a Registry seeded with the provided rules. Domain keys are
// normalised to lowercase.
func New(seed map[string]governance.ComplianceRule, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	rules := make(map[string]governance.ComplianceRule, len(seed))
	for domain, rule := range seed {
		rules[normalizeDomain(domain)] = rule
	}
	return &Registry{rules: rules, logger: logger}
}

// Rule returns the compliance rule governing a domain. A subdomain matches
// its parent's rule: x.example.com resolves to the rule for example.com.
func (r *Registry) Rule(domain string) (governance.ComplianceRule, bool) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return governance.ComplianceRule{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if rule, ok := r.rules[domain]; ok {
		return rule, true
	}
	for candidate := parentDomain(domain); candidate != ""; candidate = parentDomain(candidate) {
		if rule, ok := r.rules[candidate]; ok {
			return rule, true
		}
	}
	return governance.ComplianceRule{}, false
}

// AddRule registers a new allowed domain. The justification is recorded in
// the audit log and must be substantive; already-present domains are rejected
// so existing policy cannot be silently overwritten.
func (r *Registry) AddRule(domain string, rule governance.ComplianceRule, justification string) error {
	domain = normalizeDomain(domain)
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	if len(strings.TrimSpace(justification)) < minJustificationLen {
		return fmt.Errorf("justification must be at least %d characters", minJustificationLen)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[domain]; exists {
		return fmt.Errorf("domain %q already registered", domain)
	}
	r.rules[domain] = rule
	r.logger.Info("compliance rule added",
		zap.String("domain", domain),
		zap.Bool("allowed", rule.Allowed),
		zap.Int("max_requests_per_hour", rule.MaxRequestsPerHour),
		zap.Duration("min_delay", rule.MinDelay),
		zap.String("justification", justification),
	)
	return nil
}

// Domains returns the registered domains, for the stats surface.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for domain := range r.rules {
		out = append(out, domain)
	}
	return out
}

// DefaultRule is applied when a matched domain has no explicit limits set.
func DefaultRule() governance.ComplianceRule {
	return governance.ComplianceRule{
		Allowed:            true,
		MaxRequestsPerHour: 100,
		MinDelay:           time.Second,
	}
}

func normalizeDomain(domain string) string {
	return strings.TrimSpace(strings.ToLower(domain))
}

func parentDomain(domain string) string {
	idx := strings.Index(domain, ".")
	if idx < 0 {
		return ""
	}
	parent := domain[idx+1:]
	// A bare TLD is not a meaningful rule target.
	if !strings.Contains(parent, ".") {
		return ""
	}
	return parent
}
