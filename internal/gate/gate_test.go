package gate

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brightquery/ingest-governor/internal/governance"
	"github.com/brightquery/ingest-governor/internal/registry"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeResolver struct {
	ips map[string][]net.IP
	err error
}

func (r *fakeResolver) LookupIP(_ context.Context, _, host string) ([]net.IP, error) {
	if r.err != nil {
		return nil, r.err
	}
	if ips, ok := r.ips[host]; ok {
		return ips, nil
	}
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

func seededRegistry() *registry.Registry {
	return registry.New(map[string]governance.ComplianceRule{
		"example.com": {Allowed: true, MaxRequestsPerHour: 100, MinDelay: time.Second},
		"blocked.com": {Allowed: false},
		"localhost":   {Allowed: true, MaxRequestsPerHour: 100},
	}, zap.NewNop())
}

func newTestGate(t *testing.T, cfg Config, robots *RobotsCache, res resolver) *Gate {
	t.Helper()
	if res == nil {
		res = &fakeResolver{}
	}
	g, err := New(cfg, seededRegistry(), robots, res, zap.NewNop())
	require.NoError(t, err)
	return g
}

func TestCheckAllowsCompliantRequest(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{
		URL:         "https://example.com/reports/latest",
		ContentType: "application/json",
	})

	require.True(t, decision.Allowed)
	require.Empty(t, decision.BlockingReasons)
	require.Empty(t, decision.Warnings)
}

func TestCheckDeniesUnknownProtocol(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{URL: "ftp://example.com/file"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonProtocolNotAllowed}, decision.BlockingReasons)
}

func TestCheckDeniesUnregisteredDomain(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{URL: "https://stranger.net/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonDomainNotAllowed}, decision.BlockingReasons)
}

func TestCheckDNSFailureIsFailClosed(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, &fakeResolver{err: errors.New("no such host")})
	decision := g.Check(context.Background(), governance.Request{URL: "https://example.com/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonDNSFailed}, decision.BlockingReasons)
}

func TestCheckDeniesDisallowedIPRange(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("10.1.2.3")},
	}}
	g := newTestGate(t, Config{DeniedCIDRs: []string{"10.0.0.0/8"}}, nil, res)
	decision := g.Check(context.Background(), governance.Request{URL: "https://example.com/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonIPRangeDisallowed}, decision.BlockingReasons)
}

func TestCheckAllowsWhenAnyIPPermitted(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("10.1.2.3"), net.ParseIP("93.184.216.34")},
	}}
	g := newTestGate(t, Config{DeniedCIDRs: []string{"10.0.0.0/8"}}, nil, res)
	decision := g.Check(context.Background(), governance.Request{URL: "https://example.com/"})

	require.True(t, decision.Allowed)
}

func TestCheckDeniesUnusualPort(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{URL: "https://example.com:9999/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonPortNotAllowed}, decision.BlockingReasons)
}

func TestCheckDeniesOversizeRequest(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{MaxRequestBytes: 1024}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{
		URL:       "https://example.com/",
		SizeBytes: 2048,
	})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonRequestTooLarge}, decision.BlockingReasons)
}

func TestCheckWarnsOnUnexpectedContentType(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{
		URL:         "https://example.com/",
		ContentType: "application/octet-stream; charset=binary",
	})

	require.True(t, decision.Allowed)
	require.Len(t, decision.Warnings, 1)
	require.Contains(t, decision.Warnings[0], "content_type_unexpected")
}

func TestCheckDeniesIPLiteralHost(t *testing.T) {
	t.Parallel()

	reg := registry.New(map[string]governance.ComplianceRule{
		"192.0.2.7": {Allowed: true},
	}, zap.NewNop())
	g, err := New(Config{}, reg, nil, &fakeResolver{}, zap.NewNop())
	require.NoError(t, err)

	decision := g.Check(context.Background(), governance.Request{URL: "http://192.0.2.7/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonIPLiteralHost}, decision.BlockingReasons)
}

func TestCheckDeniesOverlongURL(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{MaxURLLength: 64}, nil, nil)
	longURL := "https://example.com/" + strings.Repeat("a", 128)
	decision := g.Check(context.Background(), governance.Request{URL: longURL})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonURLTooLong}, decision.BlockingReasons)
}

func TestCheckDeniesSuspiciousQuery(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{
		URL: "https://example.com/search?q=1&cmd=rm",
	})

	require.False(t, decision.Allowed)
	require.Len(t, decision.BlockingReasons, 1)
	require.Contains(t, decision.BlockingReasons[0], "suspicious_query_token")
}

func TestCheckDeniesToSDisallowedDomain(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{URL: "https://blocked.com/"})

	require.False(t, decision.Allowed)
	require.Equal(t, []string{ReasonToSDisallowed}, decision.BlockingReasons)
}

func TestCheckProtocolDeniedBeforeRegistryLookup(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Config{}, nil, nil)
	decision := g.Check(context.Background(), governance.Request{URL: "ftp://stranger.net/"})

	require.Equal(t, []string{ReasonProtocolNotAllowed}, decision.BlockingReasons)
}

func robotsServer(t *testing.T, body string) (*httptest.Server, Config) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return srv, Config{AllowedPorts: []int{80, 443, port}}
}

func localhostURL(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return "http://localhost:" + u.Port() + path
}

func TestCheckEnforcesRobotsDirectives(t *testing.T) {
	t.Parallel()

	srv, cfg := robotsServer(t, "User-agent: *\nDisallow: /private\n")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	robots := NewRobotsCache(time.Hour, "test-agent", clock, zap.NewNop())
	g := newTestGate(t, cfg, robots, nil)

	denied := g.Check(context.Background(), governance.Request{URL: localhostURL(t, srv, "/private/report")})
	require.False(t, denied.Allowed)
	require.Equal(t, []string{ReasonRobotsDisallowed}, denied.BlockingReasons)

	allowed := g.Check(context.Background(), governance.Request{URL: localhostURL(t, srv, "/public/report")})
	require.True(t, allowed.Allowed)
}

func TestCheckRobotsFetchFailureIsFailOpenWithWarning(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	srv.Close()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	robots := NewRobotsCache(time.Hour, "test-agent", clock, zap.NewNop())
	g := newTestGate(t, Config{AllowedPorts: []int{80, 443, port}}, robots, nil)

	decision := g.Check(context.Background(), governance.Request{
		URL: "http://localhost:" + u.Port() + "/page",
	})

	require.True(t, decision.Allowed)
	require.Len(t, decision.Warnings, 1)
	require.Contains(t, decision.Warnings[0], "robots_unavailable")
}

func TestCrawlDelayExposedAfterCheck(t *testing.T) {
	t.Parallel()

	srv, cfg := robotsServer(t, "User-agent: *\nCrawl-delay: 3\n")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	robots := NewRobotsCache(time.Hour, "test-agent", clock, zap.NewNop())
	g := newTestGate(t, cfg, robots, nil)

	require.Equal(t, time.Duration(0), g.CrawlDelay("localhost"))

	decision := g.Check(context.Background(), governance.Request{URL: localhostURL(t, srv, "/page")})
	require.True(t, decision.Allowed)

	require.Equal(t, 3*time.Second, g.CrawlDelay("localhost"))
}
