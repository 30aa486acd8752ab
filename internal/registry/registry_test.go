package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
)

func seeded() *Registry {
	return New(map[string]governance.ComplianceRule{
		"Example.com": {Allowed: true, MaxRequestsPerHour: 100, MinDelay: time.Second},
		"slow.org":    {Allowed: true, MaxRequestsPerHour: 10, MinDelay: 5 * time.Second},
	}, zap.NewNop())
}

func TestRuleLookupIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	reg := seeded()
	rule, ok := reg.Rule("EXAMPLE.COM")
	require.True(t, ok)
	require.Equal(t, 100, rule.MaxRequestsPerHour)
}

func TestRuleMatchesParentDomain(t *testing.T) {
	t.Parallel()

	reg := seeded()

	rule, ok := reg.Rule("api.example.com")
	require.True(t, ok)
	require.Equal(t, 100, rule.MaxRequestsPerHour)

	rule, ok = reg.Rule("deep.nested.slow.org")
	require.True(t, ok)
	require.Equal(t, 10, rule.MaxRequestsPerHour)

	_, ok = reg.Rule("unknown.net")
	require.False(t, ok)

	// A bare TLD never matches anything.
	_, ok = reg.Rule("com")
	require.False(t, ok)
}

func TestAddRuleValidation(t *testing.T) {
	t.Parallel()

	reg := seeded()
	rule := governance.ComplianceRule{Allowed: true, MaxRequestsPerHour: 20}

	err := reg.AddRule("", rule, "a perfectly fine justification")
	require.Error(t, err)

	err = reg.AddRule("new.example.net", rule, "too short")
	require.ErrorContains(t, err, "justification")

	err = reg.AddRule("example.com", rule, "already present in the seed")
	require.ErrorContains(t, err, "already registered")

	err = reg.AddRule("new.example.net", rule, "approved by data governance team")
	require.NoError(t, err)

	got, ok := reg.Rule("new.example.net")
	require.True(t, ok)
	require.Equal(t, 20, got.MaxRequestsPerHour)
}

func TestDomainsListsRegistered(t *testing.T) {
	t.Parallel()

	reg := seeded()
	domains := reg.Domains()
	require.ElementsMatch(t, []string{"example.com", "slow.org"}, domains)
}

func TestDefaultRule(t *testing.T) {
	t.Parallel()

	rule := DefaultRule()
	require.True(t, rule.Allowed)
	require.Equal(t, 100, rule.MaxRequestsPerHour)
	require.Equal(t, time.Second, rule.MinDelay)
}
