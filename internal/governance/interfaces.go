package governance

import (
	"context"
	"time"
)

// AttemptFn performs one attempt of a governed operation.
// The returned status code is zero when no HTTP exchange happened.
type AttemptFn func(ctx context.Context) (Result, error)

// Result is the adapter-visible outcome of a successful attempt.
type Result struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// Gate evaluates a candidate request against policy before any attempt is spent.
type Gate interface {
	Check(ctx context.Context, req Request) ComplianceDecision
}

// Limiter computes how long the caller must wait before attempting a destination.
type Limiter interface {
	Reserve(dest Destination) time.Duration
	Headroom(dest Destination) int
}

// Breaker is the per-operation-key circuit state machine.
type Breaker interface {
	Allow(operationKey string) error
	Record(operationKey string, success bool)
	// Release abandons a half-open trial admitted by Allow when the caller
	// exits before any attempt could report an outcome.
	Release(operationKey string)
	State(operationKey string) CircuitStateName
	Reset(operationKey string)
}

// Publisher pushes governance events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// AuditStore persists terminal governance outcomes for later review.
type AuditStore interface {
	RecordDenial(ctx context.Context, req Request, decision ComplianceDecision, at time.Time) error
	RecordExhaustion(ctx context.Context, req Request, attempts int, lastErr string, at time.Time) error
}

// Clock returns the current time (injectable for deterministic tests).
type Clock interface {
	Now() time.Time
}

// Sleeper suspends the calling task, honouring context cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}
