// Package breaker implements the per-operation-key circuit breaker that
// short-circuits calls to unhealthy destinations.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/metrics"
)

// Config defines the breaker thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig matches the documented defaults: five consecutive failures
// open the circuit, one minute of cooldown before a trial is admitted.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

// TransitionFn is invoked after a state transition, outside the per-key lock.
type TransitionFn func(operationKey string, from, to governance.CircuitStateName)

// Snapshot exposes one circuit's state for the stats surface.
type Snapshot struct {
	State                governance.CircuitStateName `json:"state"`
	ConsecutiveFailures  int                         `json:"consecutive_failures"`
	ConsecutiveSuccesses int                         `json:"consecutive_successes"`
	LastTransition       time.Time                   `json:"last_transition_at"`
}

// Manager holds one circuit per operation key. The manager map has its own
// lock; each circuit serialises its own mutations so unrelated keys never
// contend on the hot path.
type Manager struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	cfg          Config
	clock        governance.Clock
	onTransition TransitionFn
	logger       *zap.Logger
}

type circuit struct {
	mu                   sync.Mutex
	state                governance.CircuitStateName
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time
	trialInFlight        bool
}

// NewManager builds a Manager. The transition callback may be nil.
func NewManager(cfg Config, clock governance.Clock, onTransition TransitionFn, logger *zap.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		circuits:     make(map[string]*circuit),
		cfg:          cfg,
		clock:        clock,
		onTransition: onTransition,
		logger:       logger,
	}
}

// Allow reports whether a call for the key may proceed. In the open state it
// returns a CircuitOpenError until the cooldown elapses, then admits exactly
// one half-open trial; further callers are rejected until that trial reports.
func (m *Manager) Allow(operationKey string) error {
	c := m.circuit(operationKey)
	now := m.clock.Now()

	c.mu.Lock()
	var transition *transitionEvent
	var err error
	switch c.state {
	case governance.CircuitOpen:
		if now.Sub(c.lastTransition) > m.cfg.Cooldown {
			transition = c.transitionLocked(governance.CircuitHalfOpen, now)
			c.trialInFlight = true
		} else {
			err = &governance.CircuitOpenError{OperationKey: operationKey}
		}
	case governance.CircuitHalfOpen:
		if c.trialInFlight {
			err = &governance.CircuitOpenError{OperationKey: operationKey}
		} else {
			c.trialInFlight = true
		}
	}
	c.mu.Unlock()

	m.emit(operationKey, transition)
	return err
}

// Release abandons a half-open trial admitted by Allow. Callers that bail
// out between admission and the first attempt must release the slot; a trial
// with no Record would otherwise hold the circuit shut until an admin reset.
func (m *Manager) Release(operationKey string) {
	c := m.circuit(operationKey)
	c.mu.Lock()
	if c.state == governance.CircuitHalfOpen && c.trialInFlight {
		c.trialInFlight = false
	}
	c.mu.Unlock()
}

// Record feeds one attempt outcome into the key's state machine.
func (m *Manager) Record(operationKey string, success bool) {
	c := m.circuit(operationKey)
	now := m.clock.Now()

	c.mu.Lock()
	var transition *transitionEvent
	if success {
		c.consecutiveSuccesses++
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
	}

	switch c.state {
	case governance.CircuitHalfOpen:
		c.trialInFlight = false
		if success {
			transition = c.transitionLocked(governance.CircuitClosed, now)
		} else {
			transition = c.transitionLocked(governance.CircuitOpen, now)
		}
	default:
		if !success && c.consecutiveFailures >= m.cfg.FailureThreshold && c.state == governance.CircuitClosed {
			transition = c.transitionLocked(governance.CircuitOpen, now)
		}
	}
	c.mu.Unlock()

	m.emit(operationKey, transition)
}

// State returns the current state for a key without mutating it.
func (m *Manager) State(operationKey string) governance.CircuitStateName {
	c := m.circuit(operationKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset forces a key back to closed, clearing all counters.
func (m *Manager) Reset(operationKey string) {
	c := m.circuit(operationKey)
	now := m.clock.Now()

	c.mu.Lock()
	var transition *transitionEvent
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.trialInFlight = false
	if c.state != governance.CircuitClosed {
		transition = c.transitionLocked(governance.CircuitClosed, now)
	}
	c.mu.Unlock()

	m.emit(operationKey, transition)
	m.logger.Info("circuit reset", zap.String("operation_key", operationKey))
}

// Stats snapshots every known circuit for the stats surface.
func (m *Manager) Stats() map[string]Snapshot {
	m.mu.RLock()
	keys := make([]string, 0, len(m.circuits))
	for key := range m.circuits {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(keys))
	for _, key := range keys {
		c := m.circuit(key)
		c.mu.Lock()
		out[key] = Snapshot{
			State:                c.state,
			ConsecutiveFailures:  c.consecutiveFailures,
			ConsecutiveSuccesses: c.consecutiveSuccesses,
			LastTransition:       c.lastTransition,
		}
		c.mu.Unlock()
	}
	return out
}

func (m *Manager) circuit(operationKey string) *circuit {
	m.mu.RLock()
	c, ok := m.circuits[operationKey]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.circuits[operationKey]; ok {
		return c
	}
	c = &circuit{state: governance.CircuitClosed, lastTransition: m.clock.Now()}
	m.circuits[operationKey] = c
	return c
}

type transitionEvent struct {
	from governance.CircuitStateName
	to   governance.CircuitStateName
}

func (c *circuit) transitionLocked(to governance.CircuitStateName, now time.Time) *transitionEvent {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	c.lastTransition = now
	return &transitionEvent{from: from, to: to}
}

func (m *Manager) emit(operationKey string, ev *transitionEvent) {
	if ev == nil {
		return
	}
	metrics.ObserveCircuitTransition(operationKey, string(ev.to))
	m.logger.Info("circuit transition",
		zap.String("operation_key", operationKey),
		zap.String("from", string(ev.from)),
		zap.String("to", string(ev.to)),
	)
	if m.onTransition != nil {
		m.onTransition(operationKey, ev.from, ev.to)
	}
}
