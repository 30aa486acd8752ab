// Package governor composes the compliance gate, circuit breaker, rate
// limiter, and retry controller into one governed execution pipeline.
package governor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
	"github.com/brightquery/ingest-governor/internal/retry"
)

// Governor executes adapter-supplied attempts under the full governance
// pipeline. Ordering is deliberate: the gate and breaker checks are cheap
// and local, so they run before any rate-limited wait or network attempt
// is spent.
type Governor struct {
	gate       governance.Gate
	breaker    governance.Breaker
	limiter    governance.Limiter
	controller *retry.Controller
	audit      governance.AuditStore
	clock      governance.Clock
	sleeper    governance.Sleeper
	budget     time.Duration
	logger     *zap.Logger
}

// Option customises a Governor.
type Option func(*Governor)

// WithOperationBudget caps the total duration of one Execute call, spanning
// all retries. Zero disables the cap.
func WithOperationBudget(budget time.Duration) Option {
	return func(g *Governor) { g.budget = budget }
}

// WithSleeper overrides how the governor waits out rate-limit reservations.
func WithSleeper(s governance.Sleeper) Option {
	return func(g *Governor) { g.sleeper = s }
}

// New wires the pipeline together. The audit store may be nil.
func New(
	gate governance.Gate,
	breaker governance.Breaker,
	limiter governance.Limiter,
	controller *retry.Controller,
	audit governance.AuditStore,
	clock governance.Clock,
	logger *zap.Logger,
	opts ...Option,
) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		gate:       gate,
		breaker:    breaker,
		limiter:    limiter,
		controller: controller,
		audit:      audit,
		clock:      clock,
		sleeper:    governance.TimerSleeper{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs one governed operation: compliance check, circuit check,
// rate-limit reservation, then the retry loop. Denials and open circuits
// return before any attempt is made and before any state is mutated.
func (g *Governor) Execute(
	ctx context.Context,
	req governance.Request,
	fn governance.AttemptFn,
) (governance.Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ctx, cancel := timeoutContext(ctx, g.budget)
	defer cancel()

	metrics.IncOperationsInFlight()
	defer metrics.DecOperationsInFlight()

	decision := g.gate.Check(ctx, req)
	if !decision.Allowed {
		g.logger.Warn("request blocked by compliance gate",
			zap.String("url", req.URL),
			zap.Strings("reasons", decision.BlockingReasons),
		)
		g.recordDenial(ctx, req, decision)
		metrics.ObserveOperation("compliance_denied")
		return governance.Result{}, &governance.ComplianceError{Reasons: decision.BlockingReasons}
	}
	for _, warning := range decision.Warnings {
		g.logger.Warn("compliance warning", zap.String("url", req.URL), zap.String("warning", warning))
	}

	if err := g.breaker.Allow(req.OperationKey); err != nil {
		metrics.ObserveOperation("circuit_open")
		return governance.Result{}, err
	}

	dest, err := governance.ParseDestination(req.URL)
	if err != nil {
		g.breaker.Release(req.OperationKey)
		return governance.Result{}, fmt.Errorf("parse destination: %w", err)
	}

	if wait := g.limiter.Reserve(dest); wait > 0 {
		g.logger.Debug("rate limit wait",
			zap.String("domain", dest.Domain),
			zap.Duration("wait", wait),
		)
		if err := g.sleeper.Sleep(ctx, wait); err != nil {
			g.breaker.Release(req.OperationKey)
			metrics.ObserveOperation("canceled")
			return governance.Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	result, err := g.controller.Run(ctx, req, dest, fn)
	switch {
	case err == nil:
		metrics.ObserveOperation("success")
		return result, nil
	case governance.IsRetryExhausted(err):
		g.recordExhaustion(ctx, req, err)
		metrics.ObserveOperation("retry_exhausted")
		return governance.Result{}, err
	default:
		metrics.ObserveOperation("canceled")
		return governance.Result{}, err
	}
}

func (g *Governor) recordDenial(ctx context.Context, req governance.Request, decision governance.ComplianceDecision) {
	if g.audit == nil {
		return
	}
	if err := g.audit.RecordDenial(ctx, req, decision, g.clock.Now()); err != nil {
		g.logger.Error("audit denial record failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func (g *Governor) recordExhaustion(ctx context.Context, req governance.Request, exhaustErr error) {
	if g.audit == nil {
		return
	}
	var attempts int
	var re *governance.RetryExhaustedError
	if errors.As(exhaustErr, &re) {
		attempts = re.Attempts
	}
	if err := g.audit.RecordExhaustion(ctx, req, attempts, exhaustErr.Error(), g.clock.Now()); err != nil {
		g.logger.Error("audit exhaustion record failed", zap.String("url", req.URL), zap.Error(err))
	}
}

// timeoutContext derives a per-operation deadline when one is configured.
func timeoutContext(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, budget)
}
