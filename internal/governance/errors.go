package governance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ComplianceError is returned when the gate denies a request. Never retried.
type ComplianceError struct {
	Reasons []string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance denied: %s", strings.Join(e.Reasons, "; "))
}

// CircuitOpenError is returned when the breaker short-circuits a call.
type CircuitOpenError struct {
	OperationKey string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q", e.OperationKey)
}

// RetryExhaustedError carries attempt history context after the last retry fails.
type RetryExhaustedError struct {
	Attempts     int
	TotalDelay   time.Duration
	LastCategory ErrorCategory
	LastErr      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf(
		"retries exhausted after %d attempts (%s backoff, last category %s): %v",
		e.Attempts, e.TotalDelay, e.LastCategory, e.LastErr,
	)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

// IsComplianceDenied reports whether err is a gate denial.
func IsComplianceDenied(err error) bool {
	var ce *ComplianceError
	return errors.As(err, &ce)
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsRetryExhausted reports whether err wraps an exhausted retry loop.
func IsRetryExhausted(err error) bool {
	var re *RetryExhaustedError
	return errors.As(err, &re)
}
