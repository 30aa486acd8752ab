// Package retry drives the attempt loop for one governed operation,
// classifying failures and applying per-category backoff policies.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
)

// Policies maps error categories to their retry policy.
type Policies map[governance.ErrorCategory]governance.RetryPolicy

// DefaultPolicies returns the per-category defaults. Client errors retry at
// most once: most 4xx responses will not improve on a second try.
func DefaultPolicies() Policies {
	return Policies{
		governance.CategoryNetwork: {
			MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second,
			Strategy: governance.StrategyExponential, JitterFactor: 0.2,
		},
		governance.CategoryTimeout: {
			MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second,
			Strategy: governance.StrategyExponential, JitterFactor: 0.2,
		},
		governance.CategoryRateLimit: {
			MaxRetries: 3, BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute,
			Strategy: governance.StrategyLinear, JitterFactor: 0.1,
		},
		governance.CategoryServerError: {
			MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute,
			Strategy: governance.StrategyFibonacci, JitterFactor: 0.2,
		},
		governance.CategoryClientError: {
			MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 5 * time.Second,
			Strategy: governance.StrategyFixed, JitterFactor: 0,
		},
	}
}

// Controller executes attempt loops. Attempts for one operation key are
// strictly sequential; the controller blocks only the calling goroutine
// during backoff.
type Controller struct {
	policies Policies
	breaker  governance.Breaker
	history  *governance.AttemptHistory
	clock    governance.Clock
	sleeper  governance.Sleeper
	jitter   JitterSource
	logger   *zap.Logger
}

// Option customises a Controller.
type Option func(*Controller)

// WithSleeper overrides how the controller suspends between attempts.
func WithSleeper(s governance.Sleeper) Option {
	return func(c *Controller) { c.sleeper = s }
}

// WithJitterSource overrides the jitter randomness source.
func WithJitterSource(src JitterSource) Option {
	return func(c *Controller) { c.jitter = src }
}

// NewController builds a Controller. Nil policies fall back to defaults.
func NewController(
	policies Policies,
	breaker governance.Breaker,
	history *governance.AttemptHistory,
	clock governance.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Controller {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		policies: policies,
		breaker:  breaker,
		history:  history,
		clock:    clock,
		sleeper:  governance.TimerSleeper{},
		jitter:   newLockedRand(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs the attempt loop for one logical operation. Every attempt is
// recorded and reported to the circuit breaker; exhaustion returns a
// RetryExhaustedError wrapping the last underlying error.
func (c *Controller) Run(
	ctx context.Context,
	req governance.Request,
	dest governance.Destination,
	fn governance.AttemptFn,
) (governance.Result, error) {
	operationID := uuid.NewString()
	var totalDelay time.Duration

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			// Before the first attempt no outcome has reached the breaker,
			// so an admitted half-open trial must be handed back.
			if attempt == 1 && c.breaker != nil {
				c.breaker.Release(req.OperationKey)
			}
			return governance.Result{}, fmt.Errorf("operation canceled before attempt %d: %w", attempt, err)
		}

		started := c.clock.Now()
		result, err := fn(ctx)
		duration := c.clock.Now().Sub(started)

		category := governance.ErrorCategory("")
		if err != nil {
			category = Classify(err)
		}
		c.record(req, dest, operationID, attempt, started, duration, err, category)
		if c.breaker != nil {
			c.breaker.Record(req.OperationKey, err == nil)
		}

		if err == nil {
			return result, nil
		}

		metrics.ObserveRetryAttempt(string(category))
		policy := c.policy(category)
		if attempt > policy.MaxRetries {
			c.logger.Warn("retries exhausted",
				zap.String("operation_key", req.OperationKey),
				zap.Int("attempts", attempt),
				zap.String("category", string(category)),
				zap.Error(err),
			)
			return governance.Result{}, &governance.RetryExhaustedError{
				Attempts:     attempt,
				TotalDelay:   totalDelay,
				LastCategory: category,
				LastErr:      err,
			}
		}

		delay := applyJitter(backoffDelay(policy, attempt), policy.JitterFactor, c.jitter)
		if category == governance.CategoryRateLimit {
			if hint := retryAfterHint(err); hint > delay {
				delay = hint
			}
		}
		totalDelay += delay

		c.logger.Debug("attempt failed; backing off",
			zap.String("operation_key", req.OperationKey),
			zap.Int("attempt", attempt),
			zap.String("category", string(category)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return governance.Result{}, fmt.Errorf("backoff after attempt %d: %w", attempt, err)
		}
	}
}

func (c *Controller) policy(category governance.ErrorCategory) governance.RetryPolicy {
	if policy, ok := c.policies[category]; ok {
		return policy
	}
	return c.policies[governance.CategoryNetwork]
}

func (c *Controller) record(
	req governance.Request,
	dest governance.Destination,
	operationID string,
	attempt int,
	started time.Time,
	duration time.Duration,
	err error,
	category governance.ErrorCategory,
) {
	if c.history == nil {
		return
	}
	rec := governance.RequestAttemptRecord{
		OperationID:   operationID,
		OperationKey:  req.OperationKey,
		AttemptNumber: attempt,
		StartedAt:     started,
		Duration:      duration,
		Outcome:       governance.OutcomeSuccess,
		Destination:   dest,
	}
	if err != nil {
		rec.Outcome = governance.OutcomeFailure
		rec.ErrorCategory = category
		rec.ErrorText = err.Error()
	}
	c.history.Append(rec)
}
