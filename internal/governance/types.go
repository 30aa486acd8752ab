// Package governance defines core types shared across the governed request pipeline.
package governance

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Destination identifies a governed endpoint. Immutable once constructed.
type Destination struct {
	Domain   string
	Protocol string
	Port     int
}

// ParseDestination builds a Destination from a raw URL.
func ParseDestination(rawURL string) (Destination, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Destination{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return Destination{}, fmt.Errorf("url %q has no host", rawURL)
	}
	dest := Destination{
		Domain:   strings.ToLower(u.Hostname()),
		Protocol: strings.ToLower(u.Scheme),
	}
	switch port := u.Port(); port {
	case "":
		if dest.Protocol == "https" {
			dest.Port = 443
		} else {
			dest.Port = 80
		}
	default:
		if _, err := fmt.Sscanf(port, "%d", &dest.Port); err != nil {
			return Destination{}, fmt.Errorf("parse port %q: %w", port, err)
		}
	}
	return dest, nil
}

// String renders the destination as domain:port.
func (d Destination) String() string {
	return fmt.Sprintf("%s:%d", d.Domain, d.Port)
}

// ComplianceRule captures per-domain policy loaded into the registry.
type ComplianceRule struct {
	Allowed              bool          `json:"allowed" mapstructure:"allowed"`
	MaxRequestsPerHour   int           `json:"max_requests_per_hour" mapstructure:"max_requests_per_hour"`
	MinDelay             time.Duration `json:"min_delay" mapstructure:"min_delay"`
	RequiresCredential   bool          `json:"requires_credential" mapstructure:"requires_credential"`
	CommercialUseAllowed bool          `json:"commercial_use_allowed" mapstructure:"commercial_use_allowed"`
}

// ComplianceDecision is produced fresh on every gate check and never cached.
type ComplianceDecision struct {
	Allowed         bool     `json:"allowed"`
	BlockingReasons []string `json:"blocking_reasons,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Deny appends a blocking reason and marks the decision as denied.
func (d *ComplianceDecision) Deny(reason string) {
	d.Allowed = false
	d.BlockingReasons = append(d.BlockingReasons, reason)
}

// Warn appends a non-blocking warning.
func (d *ComplianceDecision) Warn(warning string) {
	d.Warnings = append(d.Warnings, warning)
}

// ErrorCategory classifies a failed attempt for retry policy lookup.
type ErrorCategory string

// Error categories recognised by the retry controller.
const (
	CategoryNetwork     ErrorCategory = "network"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryRateLimit   ErrorCategory = "rate_limit"
	CategoryServerError ErrorCategory = "server_error"
	CategoryClientError ErrorCategory = "client_error"
)

// AttemptOutcome records whether an attempt succeeded.
type AttemptOutcome string

// Attempt outcomes persisted on attempt records.
const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
)

// RequestAttemptRecord is created for every attempt and never mutated afterwards.
type RequestAttemptRecord struct {
	OperationID   string         `json:"operation_id"`
	OperationKey  string         `json:"operation_key"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	Duration      time.Duration  `json:"duration"`
	Outcome       AttemptOutcome `json:"outcome"`
	ErrorCategory ErrorCategory  `json:"error_category,omitempty"`
	ErrorText     string         `json:"error_text,omitempty"`
	Destination   Destination    `json:"destination"`
}

// BackoffStrategy selects how inter-attempt delay grows.
type BackoffStrategy string

// Supported backoff strategies.
const (
	StrategyFixed       BackoffStrategy = "fixed"
	StrategyLinear      BackoffStrategy = "linear"
	StrategyExponential BackoffStrategy = "exponential"
	StrategyFibonacci   BackoffStrategy = "fibonacci"
)

// RetryPolicy is immutable per-category retry configuration.
type RetryPolicy struct {
	MaxRetries   int             `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay    time.Duration   `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay     time.Duration   `json:"max_delay" mapstructure:"max_delay"`
	Strategy     BackoffStrategy `json:"strategy" mapstructure:"strategy"`
	JitterFactor float64         `json:"jitter_factor" mapstructure:"jitter_factor"`
}

// CircuitStateName labels the breaker state machine states.
type CircuitStateName string

// Circuit breaker states.
const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half_open"
)

// Request describes one governed outbound call submitted by an adapter.
type Request struct {
	URL          string
	Method       string
	OperationKey string
	ContentType  string
	SizeBytes    int64
}
