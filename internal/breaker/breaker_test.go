package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const key = "example.com:fetch"

func newTestManager(onTransition TransitionFn) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(2000, 0)}
	m := NewManager(Config{FailureThreshold: 5, Cooldown: time.Minute}, clock, onTransition, zap.NewNop())
	return m, clock
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)

	for i := 0; i < 4; i++ {
		m.Record(key, false)
		require.Equal(t, governance.CircuitClosed, m.State(key))
		require.NoError(t, m.Allow(key))
	}

	m.Record(key, false)
	require.Equal(t, governance.CircuitOpen, m.State(key))

	err := m.Allow(key)
	require.Error(t, err)
	require.True(t, governance.IsCircuitOpen(err))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)

	for i := 0; i < 4; i++ {
		m.Record(key, false)
	}
	m.Record(key, true)
	for i := 0; i < 4; i++ {
		m.Record(key, false)
	}
	require.Equal(t, governance.CircuitClosed, m.State(key))
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	require.Equal(t, governance.CircuitOpen, m.State(key))

	// Before the cooldown elapses, calls stay rejected.
	clock.Advance(30 * time.Second)
	require.Error(t, m.Allow(key))

	clock.Advance(31 * time.Second)
	require.NoError(t, m.Allow(key))
	require.Equal(t, governance.CircuitHalfOpen, m.State(key))

	// The single trial is in flight; concurrent callers are rejected.
	err := m.Allow(key)
	require.Error(t, err)
	require.True(t, governance.IsCircuitOpen(err))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Allow(key))

	m.Record(key, true)
	require.Equal(t, governance.CircuitClosed, m.State(key))
	require.NoError(t, m.Allow(key))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Allow(key))

	m.Record(key, false)
	require.Equal(t, governance.CircuitOpen, m.State(key))
	require.Error(t, m.Allow(key))

	// The reopened circuit waits out a fresh cooldown.
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Allow(key))
	require.Equal(t, governance.CircuitHalfOpen, m.State(key))
}

func TestReleaseFreesAbandonedHalfOpenTrial(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Allow(key))
	require.Error(t, m.Allow(key))

	// The admitted caller abandoned its trial without an outcome; the slot
	// must open up again instead of rejecting forever.
	m.Release(key)
	require.NoError(t, m.Allow(key))
	require.Equal(t, governance.CircuitHalfOpen, m.State(key))

	m.Record(key, true)
	require.Equal(t, governance.CircuitClosed, m.State(key))

	// Outside an in-flight trial Release changes nothing.
	m.Release(key)
	require.Equal(t, governance.CircuitClosed, m.State(key))
	require.NoError(t, m.Allow(key))
}

func TestResetForcesClosed(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	require.Equal(t, governance.CircuitOpen, m.State(key))

	m.Reset(key)
	require.Equal(t, governance.CircuitClosed, m.State(key))
	require.NoError(t, m.Allow(key))

	snap := m.Stats()[key]
	require.Zero(t, snap.ConsecutiveFailures)
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)
	for i := 0; i < 5; i++ {
		m.Record("a.com:fetch", false)
	}
	require.Equal(t, governance.CircuitOpen, m.State("a.com:fetch"))
	require.Equal(t, governance.CircuitClosed, m.State("b.com:fetch"))
	require.NoError(t, m.Allow("b.com:fetch"))
}

func TestTransitionCallbackSequence(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	m, clock := newTestManager(func(operationKey string, from, to governance.CircuitStateName) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+">"+string(to))
		require.Equal(t, key, operationKey)
	})

	for i := 0; i < 5; i++ {
		m.Record(key, false)
	}
	clock.Advance(2 * time.Minute)
	require.NoError(t, m.Allow(key))
	m.Record(key, true)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"closed>open", "open>half_open", "half_open>closed"}, transitions)
}

func TestStatsSnapshotsAllCircuits(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)
	m.Record("a.com:fetch", false)
	m.Record("b.com:fetch", true)

	stats := m.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, 1, stats["a.com:fetch"].ConsecutiveFailures)
	require.Equal(t, 1, stats["b.com:fetch"].ConsecutiveSuccesses)
}
