package governance

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorPredicates(t *testing.T) {
	t.Parallel()

	denial := &ComplianceError{Reasons: []string{"domain_not_allowed"}}
	open := &CircuitOpenError{OperationKey: "example.com:fetch"}
	exhausted := &RetryExhaustedError{
		Attempts:     4,
		TotalDelay:   7 * time.Second,
		LastCategory: CategoryServerError,
		LastErr:      errors.New("http 503"),
	}

	require.True(t, IsComplianceDenied(denial))
	require.True(t, IsCircuitOpen(open))
	require.True(t, IsRetryExhausted(exhausted))

	require.False(t, IsComplianceDenied(open))
	require.False(t, IsCircuitOpen(exhausted))
	require.False(t, IsRetryExhausted(denial))
	require.False(t, IsRetryExhausted(nil))
}

func TestErrorPredicatesSeeThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("execute: %w", &CircuitOpenError{OperationKey: "example.com:fetch"})
	require.True(t, IsCircuitOpen(wrapped))
}

func TestRetryExhaustedErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection reset")
	err := &RetryExhaustedError{Attempts: 3, LastCategory: CategoryNetwork, LastErr: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "3 attempts")
	require.Contains(t, err.Error(), "network")
}

func TestComplianceErrorMessageListsReasons(t *testing.T) {
	t.Parallel()

	err := &ComplianceError{Reasons: []string{"domain_not_allowed", "port_not_allowed"}}
	require.Contains(t, err.Error(), "domain_not_allowed; port_not_allowed")
}
