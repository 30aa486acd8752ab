package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/brightquery/ingest-governor/internal/governance"
)

// JitterSource yields values in [0,1) for symmetric backoff jitter.
// Injectable so tests can pin delays exactly.
type JitterSource interface {
	Float64() float64
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// backoffDelay computes the pre-jitter delay for a 1-based attempt number,
// capped at the policy's max delay.
func backoffDelay(policy governance.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	var delay time.Duration
	switch policy.Strategy {
	case governance.StrategyFixed:
		delay = base
	case governance.StrategyLinear:
		delay = base * time.Duration(attempt)
	case governance.StrategyFibonacci:
		delay = base * time.Duration(fib(attempt))
	default: // exponential
		delay = base << uint(attempt-1)
		if delay < base {
			// Shift overflow; clamp to the ceiling.
			delay = policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// applyJitter scales delay by 1 ± jitterFactor using the provided source.
func applyJitter(delay time.Duration, jitterFactor float64, src JitterSource) time.Duration {
	if jitterFactor <= 0 || src == nil {
		return delay
	}
	// src.Float64 in [0,1) maps to a factor in [1-j, 1+j).
	factor := 1 + jitterFactor*(2*src.Float64()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return a
}
